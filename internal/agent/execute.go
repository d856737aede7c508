package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/autopilot/internal/decision"
	"github.com/msageha/autopilot/internal/events"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/telemetry"
	"github.com/msageha/autopilot/internal/workflow"
)

// PredictAndExecute predicts the outcome of action, asks the decision engine
// whether it may run unattended and, if so, executes it. It never panics and
// never returns an error; failures are reported in the result.
func (a *AutonomousAgent) PredictAndExecute(ctx context.Context, action model.BusinessAction) model.ExecutionResult {
	start := time.Now()
	if !a.IsActive() {
		telemetry.RecordAction(telemetry.ActionRejected)
		return model.ExecutionResult{Error: ErrNotActive.Error(), ExecutionTime: time.Since(start)}
	}

	ctx, cancel := a.executionContext(ctx, action)
	defer cancel()

	agentID := a.ID()
	prediction := a.learning.Predict(ctx, action.Type)
	if err := ctx.Err(); err != nil {
		return a.failed(agentID, action, fmt.Errorf("prediction aborted: %w", err), start)
	}

	dc := decision.DecisionContext{
		Action:         action,
		Prediction:     &prediction,
		AutonomyLevel:  a.Config().AutonomyLevel,
		RiskTolerance:  a.riskTolerance,
		HistoricalData: a.historicalData(action.Type),
	}
	verdict := a.decisions.MakeDecision(ctx, dc)

	if !verdict.CanExecute {
		telemetry.RecordAction(telemetry.ActionApprovalRequired)
		a.logger.Infof("action %s needs approval decision=%s risk=%s confidence=%.3f",
			action.Type, verdict.DecisionID, verdict.RiskLevel, verdict.Confidence)
		a.publish(events.EventApprovalRequired, map[string]any{
			"agentId":           agentID,
			"action":            action,
			"prediction":        prediction,
			"reason":            strings.Join(verdict.Reasoning, "; "),
			"decisionId":        verdict.DecisionID,
			"riskLevel":         string(verdict.RiskLevel),
			"requiredApprovals": verdict.RequiredApprovals,
		})
		return model.ExecutionResult{
			RequiresApproval: true,
			Prediction:       &prediction,
			Confidence:       verdict.Confidence,
			DecisionID:       verdict.DecisionID,
			ExecutionTime:    time.Since(start),
		}
	}

	out, err := a.execute(ctx, action)
	if err != nil {
		return a.failed(agentID, action, err, start)
	}

	outcome := model.OutcomeFailure
	if out.Success {
		outcome = model.OutcomeSuccess
	}
	a.learning.RecordPredictionOutcome(action.Type, (prediction.ExpectedOutcome == model.OutcomeSuccess) == out.Success)
	if lerr := a.LearnFromInteraction(context.WithoutCancel(ctx), model.UserInteraction{
		UserID:    agentID,
		Action:    action.Type,
		Context:   action.Data,
		Timestamp: time.Now().UTC(),
		Outcome:   outcome,
	}); lerr != nil {
		a.logger.Warnf("implicit learning for %s: %v", action.Type, lerr)
	}

	result := model.ExecutionResult{
		Success:       out.Success,
		Data:          out.Data,
		Confidence:    verdict.Confidence,
		DecisionID:    verdict.DecisionID,
		ExecutionTime: time.Since(start),
		Error:         out.Error,
	}
	if !out.Success {
		telemetry.RecordAction(telemetry.ActionFailed)
		a.logger.Warnf("action %s failed workflow=%s: %s", action.Type, out.WorkflowID, out.Error)
		a.publish(events.EventActionFailed, map[string]any{
			"agentId":    agentID,
			"action":     action,
			"error":      out.Error,
			"workflowId": out.WorkflowID,
		})
		return result
	}

	telemetry.RecordAction(telemetry.ActionExecuted)
	a.logger.Infof("action %s executed workflow=%s in %s", action.Type, out.WorkflowID, result.ExecutionTime)
	a.publish(events.EventActionExecuted, map[string]any{
		"agentId":    agentID,
		"action":     action,
		"autonomous": true,
		"result":     result,
		"workflowId": out.WorkflowID,
	})
	return result
}

// execute runs the action on the workflow engine and gives up when ctx ends.
// The engine observes the same ctx and stops at its next step boundary.
func (a *AutonomousAgent) execute(ctx context.Context, action model.BusinessAction) (workflow.ExecutionOutcome, error) {
	done := make(chan workflow.ExecutionOutcome, 1)
	go func() {
		done <- a.workflows.Execute(ctx, action)
	}()
	select {
	case out := <-done:
		if err := ctx.Err(); err != nil && !out.Success {
			return out, fmt.Errorf("execution aborted: %w", err)
		}
		return out, nil
	case <-ctx.Done():
		return workflow.ExecutionOutcome{}, fmt.Errorf("execution aborted: %w", ctx.Err())
	}
}

func (a *AutonomousAgent) failed(agentID string, action model.BusinessAction, err error, start time.Time) model.ExecutionResult {
	telemetry.RecordAction(telemetry.ActionFailed)
	a.logger.Errorf("action %s: %v", action.Type, err)
	a.publish(events.EventActionFailed, map[string]any{
		"agentId": agentID,
		"action":  action,
		"error":   err.Error(),
	})
	return model.ExecutionResult{Error: err.Error(), ExecutionTime: time.Since(start)}
}

// executionContext bounds one action by the execution timeout and the
// action's own deadline, whichever comes first.
func (a *AutonomousAgent) executionContext(ctx context.Context, action model.BusinessAction) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	if action.Deadline == nil {
		return ctx, cancel
	}
	dctx, dcancel := context.WithDeadline(ctx, *action.Deadline)
	return dctx, func() {
		dcancel()
		cancel()
	}
}

// historicalData summarizes recent interactions with actionType: how many
// there were, how many succeeded, and every context flag seen set on them.
func (a *AutonomousAgent) historicalData(actionType string) map[string]any {
	recent := a.recentInteractions(a.analysisWindow)
	data := make(map[string]any)
	var n, ok int
	for _, i := range recent {
		if i.Action != actionType {
			continue
		}
		n++
		if i.Outcome == model.OutcomeSuccess {
			ok++
		}
		for k, v := range i.Context {
			if b, isBool := v.(bool); isBool && b {
				data[k] = true
			}
		}
	}
	data["interactions"] = n
	if n > 0 {
		data["successRate"] = float64(ok) / float64(n)
	}
	return data
}
