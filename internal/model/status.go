package model

import "fmt"

type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusPaused    WorkflowStatus = "paused"
)

type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

type AgentState string

const (
	AgentStateStopped AgentState = "stopped"
	AgentStateRunning AgentState = "running"
)

var terminalWorkflowStatuses = map[WorkflowStatus]bool{
	WorkflowStatusCompleted: true,
	WorkflowStatusFailed:    true,
}

// running ↔ paused → terminal
var validWorkflowTransitions = map[WorkflowStatus]map[WorkflowStatus]bool{
	WorkflowStatusRunning: {
		WorkflowStatusCompleted: true,
		WorkflowStatusFailed:    true,
		WorkflowStatusPaused:    true,
	},
	WorkflowStatusPaused: {
		WorkflowStatusRunning: true,
		WorkflowStatusFailed:  true,
	},
}

var validStepTransitions = map[StepStatus]map[StepStatus]bool{
	StepStatusRunning: {
		StepStatusCompleted: true,
		StepStatusFailed:    true,
	},
}

var validAgentTransitions = map[AgentState]map[AgentState]bool{
	AgentStateStopped: {AgentStateRunning: true},
	AgentStateRunning: {AgentStateStopped: true},
}

func IsWorkflowTerminal(s WorkflowStatus) bool {
	return terminalWorkflowStatuses[s]
}

func ValidateWorkflowTransition(from, to WorkflowStatus) error {
	if IsWorkflowTerminal(from) {
		return fmt.Errorf("cannot transition from terminal workflow status %q", from)
	}
	allowed, ok := validWorkflowTransitions[from]
	if !ok {
		return fmt.Errorf("unknown workflow status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid workflow transition: %q → %q", from, to)
	}
	return nil
}

func ValidateStepTransition(from, to StepStatus) error {
	allowed, ok := validStepTransitions[from]
	if !ok {
		return fmt.Errorf("cannot transition from step status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid step transition: %q → %q", from, to)
	}
	return nil
}

func ValidateAgentTransition(from, to AgentState) error {
	allowed, ok := validAgentTransitions[from]
	if !ok {
		return fmt.Errorf("unknown agent state %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("agent already %s", from)
	}
	return nil
}
