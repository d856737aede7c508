// Package decision turns predictions into go/no-go decisions under an autonomy
// and risk policy.
package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/msageha/autopilot/internal/logging"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/store"
	"github.com/msageha/autopilot/internal/telemetry"
)

const (
	AltEscalate           = "escalate-to-human"
	AltExecuteMonitored   = "execute-with-monitoring"
	AltPartialExecution   = "partial-execution"
	defaultPredictionConf = 0.5
)

// Option configures an Engine in NewEngine.
type Option func(*Engine)

// WithThreshold sets the minimum confidence for execution. Non-positive
// values keep the default.
func WithThreshold(t float64) Option {
	return func(e *Engine) {
		if t > 0 {
			e.threshold = t
		}
	}
}

// WithHistoryCap bounds the decision history. Once exceeded, the newest half
// is kept.
func WithHistoryCap(n int) Option {
	return func(e *Engine) {
		if n > 1 {
			e.historyCap = n
		}
	}
}

// WithRegistry replaces the default risk factor and mitigation registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithLogger sets the logger for recovered decision panics.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is safe for concurrent use.
type Engine struct {
	threshold  float64
	historyCap int
	registry   *Registry
	logger     *logging.Logger

	mu      sync.RWMutex
	history []DecisionRecord
}

// NewEngine returns an engine with an empty history and the default registry
// unless overridden.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		threshold:  model.DefaultConfidenceThreshold,
		historyCap: model.DefaultDecisionHistoryCap,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	return e
}

// Evaluate reports whether the action may run unattended.
func (e *Engine) Evaluate(ctx context.Context, dc DecisionContext) bool {
	return e.MakeDecision(ctx, dc).CanExecute
}

// MakeDecision decides and records the decision in history before returning.
func (e *Engine) MakeDecision(ctx context.Context, dc DecisionContext) (result DecisionResult) {
	id := model.MustGenerateID(model.IDTypeDecision)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("decision %s panicked: %v", id, r)
			result = escalation(id, fmt.Sprintf("internal error: %v", r))
		}
		e.record(dc, result)
		telemetry.RecordDecision(string(result.RiskLevel), result.CanExecute)
	}()

	if err := ctx.Err(); err != nil {
		return escalation(id, fmt.Sprintf("decision aborted: %v", err))
	}
	result = e.decide(dc)
	result.DecisionID = id
	e.logger.Debugf("decision %s action=%s risk=%s confidence=%.3f execute=%v",
		id, dc.Action.Type, result.RiskLevel, result.Confidence, result.CanExecute)
	return result
}

func (e *Engine) decide(dc DecisionContext) DecisionResult {
	var reasons []string

	predConf := defaultPredictionConf
	if dc.Prediction != nil {
		predConf = dc.Prediction.Confidence
		if u := dc.Prediction.Uncertainty; u != nil && *u > 0.3 {
			predConf *= 0.8
			reasons = append(reasons, fmt.Sprintf("high uncertainty %.2f", *u))
		}
		if h := dc.Prediction.HistoricalAccuracy; h != nil && *h > 0.8 {
			predConf *= 1.1
			reasons = append(reasons, fmt.Sprintf("strong historical accuracy %.2f", *h))
		}
	}
	predConf = clamp01(predConf)

	autonomy := dc.AutonomyLevel.Score()

	impact := dc.BusinessImpact
	if impact == "" {
		impact = ClassifyImpact(dc.Action)
	}
	dc.BusinessImpact = impact

	rm := e.registry.Select(dc.Action.Type)
	riskScore := clamp01(roundScore(rm.CalculateRisk(dc)))
	risk := LevelForScore(riskScore)
	factors := rm.RiskFactors(dc)
	reasons = append(reasons,
		fmt.Sprintf("prediction confidence %.2f", predConf),
		fmt.Sprintf("autonomy %s scores %.1f", autonomyName(dc.AutonomyLevel), autonomy),
		fmt.Sprintf("%s risk model scored %.2f (%s)", rm.Name(), riskScore, risk),
		fmt.Sprintf("business impact %s", impact))

	compliance := checkCompliance(dc)
	reasons = append(reasons, compliance.findings...)

	confidence := predConf * autonomy
	switch risk {
	case model.RiskHigh:
		confidence *= 0.7
	case model.RiskCritical:
		confidence *= 0.5
	}
	if impact == model.RiskCritical {
		confidence *= 0.8
	}
	if !compliance.compliant {
		confidence *= 0.6
	}
	confidence = clamp01(roundScore(confidence))

	approvals := compliance.approvals
	if approvals == nil {
		approvals = []string{}
	}
	canExecute := len(approvals) == 0 &&
		risk != model.RiskCritical &&
		confidence >= e.threshold &&
		!(dc.RiskTolerance == model.RiskLow && risk != model.RiskLow)

	switch {
	case len(approvals) > 0:
		reasons = append(reasons, "approvals required: "+strings.Join(approvals, ", "))
	case risk == model.RiskCritical:
		reasons = append(reasons, "critical risk blocks autonomous execution")
	case confidence < e.threshold:
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below threshold %.2f", confidence, e.threshold))
	case dc.RiskTolerance == model.RiskLow && risk != model.RiskLow:
		reasons = append(reasons, "risk tolerance low only admits low risk")
	}

	return DecisionResult{
		CanExecute:        canExecute,
		Confidence:        confidence,
		RiskLevel:         risk,
		RiskScore:         riskScore,
		BusinessImpact:    impact,
		Reasoning:         reasons,
		RequiredApprovals: approvals,
		Alternatives:      alternatives(dc, risk, confidence),
		RiskFactors:       factors,
	}
}

func autonomyName(a model.AutonomyLevel) string {
	if a.Valid() {
		return string(a)
	}
	return string(model.AutonomySupervised)
}

// escalation is the conservative result used when a decision cannot be computed.
func escalation(id, reason string) DecisionResult {
	return DecisionResult{
		DecisionID:        id,
		RiskLevel:         model.RiskCritical,
		RiskScore:         1,
		BusinessImpact:    model.RiskCritical,
		Reasoning:         []string{reason},
		RequiredApprovals: []string{},
		Alternatives:      []AlternativeAction{escalateAlternative()},
	}
}

// ClassifyImpact derives business impact from the action type and amount.
func ClassifyImpact(a model.BusinessAction) model.RiskLevel {
	t := strings.ToLower(a.Type)
	amount, _ := number(a.Data["amount"])
	switch {
	case strings.Contains(t, "financial") || amount > 10000:
		return model.RiskCritical
	case strings.Contains(t, "delete") || strings.Contains(t, "remove"):
		return model.RiskHigh
	case strings.Contains(t, "user") || strings.Contains(t, "customer"):
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

func escalateAlternative() AlternativeAction {
	return AlternativeAction{
		Action:      AltEscalate,
		Description: "hand the action to a human approver",
		Confidence:  1.0,
		RiskLevel:   model.RiskLow,
	}
}

func alternatives(dc DecisionContext, risk model.RiskLevel, confidence float64) []AlternativeAction {
	alts := []AlternativeAction{escalateAlternative()}
	if risk != model.RiskCritical {
		alts = append(alts, AlternativeAction{
			Action:      AltExecuteMonitored,
			Description: "execute with close monitoring and rollback on anomaly",
			Confidence:  clamp01(confidence * 0.9),
			RiskLevel:   risk,
		})
	}
	if truthy(dc.Action.Data["allowPartial"]) || truthy(dc.Action.Data["partialExecution"]) {
		alts = append(alts, AlternativeAction{
			Action:      AltPartialExecution,
			Description: "execute the lowest-risk portion and escalate the rest",
			Confidence:  clamp01(confidence * 0.8),
			RiskLevel:   lowerRisk(risk),
		})
	}
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].Confidence > alts[j].Confidence })
	return alts
}

func lowerRisk(r model.RiskLevel) model.RiskLevel {
	switch r {
	case model.RiskCritical:
		return model.RiskHigh
	case model.RiskHigh:
		return model.RiskMedium
	default:
		return model.RiskLow
	}
}

func (e *Engine) record(dc DecisionContext, result DecisionResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, DecisionRecord{
		ID:        result.DecisionID,
		Timestamp: time.Now().UTC(),
		Context:   dc,
		Result:    result,
	})
	if len(e.history) > e.historyCap {
		keep := e.historyCap / 2
		e.history = append([]DecisionRecord(nil), e.history[len(e.history)-keep:]...)
	}
}

// UpdateDecisionOutcome grades a recorded decision and forwards it to the risk
// model that scored it. It reports whether the decision was found.
func (e *Engine) UpdateDecisionOutcome(id string, wasCorrect bool, actualOutcome string) bool {
	e.mu.Lock()
	var rec *DecisionRecord
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			rec = &e.history[i]
			break
		}
	}
	if rec == nil {
		e.mu.Unlock()
		return false
	}
	correct := wasCorrect
	rec.WasCorrect = &correct
	rec.ActualOutcome = actualOutcome
	graded := *rec
	e.mu.Unlock()

	e.registry.Select(graded.Context.Action.Type).UpdateFromDecision(graded)
	return true
}

// Accuracy is the fraction of graded decisions marked correct. ok is false
// when nothing has been graded.
func (e *Engine) Accuracy() (accuracy float64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var graded, correct int
	for _, r := range e.history {
		if r.WasCorrect == nil {
			continue
		}
		graded++
		if *r.WasCorrect {
			correct++
		}
	}
	if graded == 0 {
		return 0, false
	}
	return float64(correct) / float64(graded), true
}

// Get returns the recorded decision with id.
func (e *Engine) Get(id string) (DecisionRecord, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i], true
		}
	}
	return DecisionRecord{}, false
}

func (e *Engine) HistoryLen() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.history)
}

// Snapshot writes a summary of the decision history into s.
func (e *Engine) Snapshot(s *store.ModelState) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s.Decisions = make([]store.DecisionState, 0, len(e.history))
	for _, r := range e.history {
		ds := store.DecisionState{
			ID:            r.ID,
			Timestamp:     r.Timestamp,
			ActionType:    r.Context.Action.Type,
			RiskLevel:     r.Result.RiskLevel,
			CanExecute:    r.Result.CanExecute,
			Confidence:    r.Result.Confidence,
			ActualOutcome: r.ActualOutcome,
		}
		if r.WasCorrect != nil {
			v := *r.WasCorrect
			ds.WasCorrect = &v
		}
		s.Decisions = append(s.Decisions, ds)
	}
}

// Restore seeds the history from persisted summaries. Restored records carry
// only the action type and the verdict.
func (e *Engine) Restore(s *store.ModelState) {
	history := make([]DecisionRecord, 0, len(s.Decisions))
	for _, d := range s.Decisions {
		rec := DecisionRecord{
			ID:        d.ID,
			Timestamp: d.Timestamp,
			Context:   DecisionContext{Action: model.BusinessAction{Type: d.ActionType}},
			Result: DecisionResult{
				DecisionID: d.ID,
				CanExecute: d.CanExecute,
				Confidence: d.Confidence,
				RiskLevel:  d.RiskLevel,
			},
			ActualOutcome: d.ActualOutcome,
		}
		if d.WasCorrect != nil {
			v := *d.WasCorrect
			rec.WasCorrect = &v
		}
		history = append(history, rec)
	}
	if len(history) > e.historyCap {
		history = history[len(history)-e.historyCap/2:]
	}

	e.mu.Lock()
	e.history = history
	e.mu.Unlock()
}

func (e *Engine) Metrics() map[string]any {
	acc, ok := e.Accuracy()
	e.mu.RLock()
	defer e.mu.RUnlock()
	byRisk := make(map[string]int)
	executed := 0
	for _, r := range e.history {
		byRisk[string(r.Result.RiskLevel)]++
		if r.Result.CanExecute {
			executed++
		}
	}
	m := map[string]any{
		"decisions":           len(e.history),
		"autonomousDecisions": executed,
		"byRiskLevel":         byRisk,
		"threshold":           e.threshold,
	}
	if ok {
		m["accuracy"] = acc
	}
	return m
}
