// Package workflow runs business actions through small step-based state
// machines and tracks which definitions perform best.
package workflow

import (
	"errors"
	"regexp"
	"time"

	"github.com/msageha/autopilot/internal/model"
)

// ErrUnknownStep is returned when a transition names a step the definition lacks.
var ErrUnknownStep = errors.New("unknown step")

type StepType string

const (
	StepAction      StepType = "action"
	StepDecision    StepType = "decision"
	StepConditional StepType = "conditional"
	StepParallel    StepType = "parallel"
)

var validStepTypes = map[StepType]bool{
	StepAction:      true,
	StepDecision:    true,
	StepConditional: true,
	StepParallel:    true,
}

type Operator string

const (
	OpEquals   Operator = "equals"
	OpContains Operator = "contains"
	OpGreater  Operator = "greater"
	OpLess     Operator = "less"
	OpRegex    Operator = "regex"
)

var validOperators = map[Operator]bool{
	OpEquals:   true,
	OpContains: true,
	OpGreater:  true,
	OpLess:     true,
	OpRegex:    true,
}

// Condition routes to NextStep when Field of the step result satisfies Operator/Value.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    any      `yaml:"value" json:"value"`
	NextStep string   `yaml:"next_step" json:"nextStep"`

	compiled *regexp.Regexp
}

type Step struct {
	ID         string         `yaml:"id" json:"id"`
	Type       StepType       `yaml:"type" json:"type"`
	Config     map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	NextSteps  []string       `yaml:"next_steps,omitempty" json:"nextSteps,omitempty"`
	Conditions []Condition    `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

type Definition struct {
	ID           string           `yaml:"id" json:"id"`
	Name         string           `yaml:"name" json:"name"`
	Description  string           `yaml:"description,omitempty" json:"description,omitempty"`
	Capabilities []string         `yaml:"capabilities" json:"capabilities"`
	EntryPoint   string           `yaml:"entry_point" json:"entryPoint"`
	Steps        map[string]*Step `yaml:"steps" json:"steps"`
}

type StepExecution struct {
	StepID    string           `json:"stepId"`
	StartTime time.Time        `json:"startTime"`
	EndTime   time.Time        `json:"endTime"`
	Status    model.StepStatus `json:"status"`
	Result    map[string]any   `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type Execution struct {
	ID         string               `json:"id"`
	WorkflowID string               `json:"workflowId"`
	ActionType string               `json:"actionType"`
	Status     model.WorkflowStatus `json:"status"`
	Steps      []StepExecution      `json:"steps"`
	StartTime  time.Time            `json:"startTime"`
	EndTime    time.Time            `json:"endTime"`
	// Data accumulates the action data and every step result.
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

type Metrics struct {
	TotalExecutions      int           `json:"totalExecutions"`
	SuccessfulExecutions int           `json:"successfulExecutions"`
	FailedExecutions     int           `json:"failedExecutions"`
	AvgExecutionTime     time.Duration `json:"avgExecutionTime"`
	SuccessRate          float64       `json:"successRate"`
}

func (m *Metrics) observe(success bool, d time.Duration) {
	m.TotalExecutions++
	if success {
		m.SuccessfulExecutions++
	} else {
		m.FailedExecutions++
	}
	n := time.Duration(m.TotalExecutions)
	m.AvgExecutionTime = (m.AvgExecutionTime*(n-1) + d) / n
	m.SuccessRate = float64(m.SuccessfulExecutions) / float64(m.TotalExecutions)
}

// ExecutionOutcome is what Execute reports for one business action. WorkflowID
// is empty when the action ran directly.
type ExecutionOutcome struct {
	Success    bool           `json:"success"`
	Data       map[string]any `json:"data,omitempty"`
	WorkflowID string         `json:"workflowId,omitempty"`
	Execution  *Execution     `json:"execution,omitempty"`
	Error      string         `json:"error,omitempty"`
}
