package decision

import (
	"time"

	"github.com/msageha/autopilot/internal/model"
)

// DecisionContext is everything the engine weighs for one action. Missing
// fields fall back to neutral defaults.
type DecisionContext struct {
	Action        model.BusinessAction    `json:"action"`
	Prediction    *model.PredictionResult `json:"prediction,omitempty"`
	AutonomyLevel model.AutonomyLevel     `json:"autonomyLevel"`
	RiskTolerance model.RiskLevel         `json:"riskTolerance"`
	// HistoricalData carries flags observed for this action in the past.
	HistoricalData map[string]any `json:"historicalData,omitempty"`
	// BusinessImpact overrides the impact derived from the action when set.
	BusinessImpact         model.RiskLevel `json:"businessImpact,omitempty"`
	ComplianceRequirements []string        `json:"complianceRequirements,omitempty"`
}

type AlternativeAction struct {
	Action      string          `json:"action"`
	Description string          `json:"description"`
	Confidence  float64         `json:"confidence"`
	RiskLevel   model.RiskLevel `json:"riskLevel"`
}

type DecisionResult struct {
	DecisionID        string              `json:"decisionId"`
	CanExecute        bool                `json:"canExecute"`
	Confidence        float64             `json:"confidence"`
	RiskLevel         model.RiskLevel     `json:"riskLevel"`
	RiskScore         float64             `json:"riskScore"`
	BusinessImpact    model.RiskLevel     `json:"businessImpact"`
	Reasoning         []string            `json:"reasoning"`
	RequiredApprovals []string            `json:"requiredApprovals"`
	Alternatives      []AlternativeAction `json:"alternatives"`
	RiskFactors       []string            `json:"riskFactors"`
}

// DecisionRecord is a decision kept in the engine's bounded history.
type DecisionRecord struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	Context       DecisionContext `json:"context"`
	Result        DecisionResult  `json:"result"`
	WasCorrect    *bool           `json:"wasCorrect,omitempty"`
	ActualOutcome string          `json:"actualOutcome,omitempty"`
}
