package decision

import (
	"math"
	"strings"
	"sync"

	"github.com/msageha/autopilot/internal/model"
)

// RiskModel scores how risky an action is on a 0..1 scale.
type RiskModel interface {
	Name() string
	CalculateRisk(dc DecisionContext) float64
	RiskFactors(dc DecisionContext) []string
	// UpdateFromDecision receives decisions whose real outcome became known.
	UpdateFromDecision(rec DecisionRecord)
}

const (
	criticalRiskThreshold = 0.8
	highRiskThreshold     = 0.6
	mediumRiskThreshold   = 0.4
)

// LevelForScore maps a risk score onto a level.
func LevelForScore(score float64) model.RiskLevel {
	switch {
	case score >= criticalRiskThreshold:
		return model.RiskCritical
	case score >= highRiskThreshold:
		return model.RiskHigh
	case score >= mediumRiskThreshold:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

// feedback counts graded decisions. Built-in models embed it.
type feedback struct {
	mu        sync.Mutex
	total     int
	incorrect int
}

func (f *feedback) UpdateFromDecision(rec DecisionRecord) {
	if rec.WasCorrect == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.total++
	if !*rec.WasCorrect {
		f.incorrect++
	}
}

// Observed returns the number of graded decisions and how many were wrong.
func (f *feedback) Observed() (total, incorrect int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total, f.incorrect
}

type DefaultRiskModel struct{ feedback }

func (*DefaultRiskModel) Name() string { return "default" }

func (*DefaultRiskModel) CalculateRisk(dc DecisionContext) float64 {
	score := 0.3
	switch dc.BusinessImpact {
	case model.RiskCritical:
		score += 0.5
	case model.RiskHigh:
		score += 0.3
	case model.RiskMedium:
		score += 0.1
	}
	if predictionConfidence(dc) < 0.7 {
		score += 0.2
	}
	return clamp01(score)
}

func (*DefaultRiskModel) RiskFactors(dc DecisionContext) []string {
	var factors []string
	if dc.BusinessImpact != "" && dc.BusinessImpact != model.RiskLow {
		factors = append(factors, string(dc.BusinessImpact)+" business impact")
	}
	if predictionConfidence(dc) < 0.7 {
		factors = append(factors, "low prediction confidence")
	}
	return factors
}

type FinancialRiskModel struct{ feedback }

func (*FinancialRiskModel) Name() string { return "financial" }

func (*FinancialRiskModel) CalculateRisk(dc DecisionContext) float64 {
	score := 0.5
	amount, _ := number(dc.Action.Data["amount"])
	if amount > 100000 {
		score += 0.4
	} else if amount > 10000 {
		score += 0.2
	}
	return clamp01(score)
}

func (*FinancialRiskModel) RiskFactors(dc DecisionContext) []string {
	amount, _ := number(dc.Action.Data["amount"])
	switch {
	case amount > 100000:
		return []string{"very large transaction amount"}
	case amount > 10000:
		return []string{"large transaction amount"}
	}
	return []string{"financial transaction"}
}

type UserDataRiskModel struct{ feedback }

func (*UserDataRiskModel) Name() string { return "user-data" }

func (*UserDataRiskModel) CalculateRisk(dc DecisionContext) float64 {
	score := 0.4
	if truthy(dc.Action.Data["sensitiveData"]) {
		score += 0.3
	}
	if hasRequirement(dc, "gdpr") {
		score += 0.2
	}
	return clamp01(score)
}

func (*UserDataRiskModel) RiskFactors(dc DecisionContext) []string {
	factors := []string{"user data access"}
	if truthy(dc.Action.Data["sensitiveData"]) {
		factors = append(factors, "sensitive data")
	}
	if hasRequirement(dc, "gdpr") {
		factors = append(factors, "gdpr scope")
	}
	return factors
}

type SystemConfigRiskModel struct{ feedback }

func (*SystemConfigRiskModel) Name() string { return "system-config" }

func (*SystemConfigRiskModel) CalculateRisk(dc DecisionContext) float64 {
	score := 0.6
	if truthy(dc.Action.Data["systemCritical"]) {
		score += 0.3
	}
	if rollbackUnavailable(dc) {
		score += 0.2
	}
	return clamp01(score)
}

func (*SystemConfigRiskModel) RiskFactors(dc DecisionContext) []string {
	factors := []string{"system configuration change"}
	if truthy(dc.Action.Data["systemCritical"]) {
		factors = append(factors, "system-critical component")
	}
	if rollbackUnavailable(dc) {
		factors = append(factors, "rollback unavailable")
	}
	return factors
}

// rollbackUnavailable is true only when the action explicitly says so.
func rollbackUnavailable(dc DecisionContext) bool {
	v, ok := dc.Action.Data["rollbackAvailable"]
	return ok && !truthy(v)
}

type keywordModel struct {
	keyword string
	model   RiskModel
}

// Registry selects a risk model by exact action type, then by the first
// registered keyword contained in the type, then the fallback.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]RiskModel
	keywords []keywordModel
	fallback RiskModel
}

func NewRegistry(fallback RiskModel) *Registry {
	return &Registry{exact: make(map[string]RiskModel), fallback: fallback}
}

// DefaultRegistry wires the built-in models.
func DefaultRegistry() *Registry {
	r := NewRegistry(&DefaultRiskModel{})
	financial := &FinancialRiskModel{}
	userData := &UserDataRiskModel{}
	systemConfig := &SystemConfigRiskModel{}

	r.Register("financial", financial)
	r.Register("user-data", userData)
	r.Register("system-config", systemConfig)
	for _, kw := range []string{"financial", "payment", "transfer"} {
		r.RegisterKeyword(kw, financial)
	}
	for _, kw := range []string{"user", "customer", "personal"} {
		r.RegisterKeyword(kw, userData)
	}
	for _, kw := range []string{"system", "config"} {
		r.RegisterKeyword(kw, systemConfig)
	}
	return r
}

func (r *Registry) Register(actionType string, m RiskModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[actionType] = m
}

func (r *Registry) RegisterKeyword(keyword string, m RiskModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keywords = append(r.keywords, keywordModel{keyword: strings.ToLower(keyword), model: m})
}

func (r *Registry) Select(actionType string) RiskModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.exact[actionType]; ok {
		return m
	}
	lower := strings.ToLower(actionType)
	for _, km := range r.keywords {
		if strings.Contains(lower, km.keyword) {
			return km.model
		}
	}
	return r.fallback
}

func predictionConfidence(dc DecisionContext) float64 {
	if dc.Prediction == nil {
		return 0.5
	}
	return dc.Prediction.Confidence
}

func hasRequirement(dc DecisionContext, name string) bool {
	for _, r := range dc.ComplianceRequirements {
		if strings.EqualFold(r, name) {
			return true
		}
	}
	return false
}

// roundScore drops float noise so sums such as 0.3+0.5 land on their threshold.
func roundScore(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
