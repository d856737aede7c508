package model

import "time"

type AutonomyLevel string

const (
	AutonomySupervised      AutonomyLevel = "supervised"
	AutonomySemiAutonomous  AutonomyLevel = "semi-autonomous"
	AutonomyFullyAutonomous AutonomyLevel = "fully-autonomous"
)

var autonomyScores = map[AutonomyLevel]float64{
	AutonomySupervised:      0.3,
	AutonomySemiAutonomous:  0.7,
	AutonomyFullyAutonomous: 1.0,
}

func (a AutonomyLevel) Valid() bool {
	_, ok := autonomyScores[a]
	return ok
}

// Score maps the level onto the decision multiplier. Unknown levels score as supervised.
func (a AutonomyLevel) Score() float64 {
	if s, ok := autonomyScores[a]; ok {
		return s
	}
	return autonomyScores[AutonomySupervised]
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// UserInteraction is an observed interaction. Treat as immutable once recorded.
type UserInteraction struct {
	UserID    string         `json:"user_id" yaml:"user_id"`
	Action    string         `json:"action" yaml:"action"`
	Context   map[string]any `json:"context,omitempty" yaml:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp" yaml:"timestamp"`
	Outcome   Outcome        `json:"outcome" yaml:"outcome"`
	Feedback  *float64       `json:"feedback,omitempty" yaml:"feedback,omitempty"`
}

type BusinessAction struct {
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
	Priority int            `json:"priority"`
	Deadline *time.Time     `json:"deadline,omitempty"`
}

type PredictionResult struct {
	Confidence      float64  `json:"confidence"`
	ExpectedOutcome Outcome  `json:"expected_outcome"`
	Alternatives    []string `json:"alternatives"`
	Reasoning       string   `json:"reasoning"`

	// Optional signals consumed by the decision engine; nil means unknown.
	Uncertainty        *float64 `json:"uncertainty,omitempty"`
	HistoricalAccuracy *float64 `json:"historical_accuracy,omitempty"`
}

type ExecutionResult struct {
	Success          bool              `json:"success"`
	Data             map[string]any    `json:"data,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty"`
	Prediction       *PredictionResult `json:"prediction,omitempty"`
	Confidence       float64           `json:"confidence"`
	DecisionID       string            `json:"decision_id,omitempty"`
	ExecutionTime    time.Duration     `json:"execution_time"`
	Error            string            `json:"error,omitempty"`
}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomePartial:
		return true
	}
	return false
}
