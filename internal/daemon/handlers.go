package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/autopilot/internal/agent"
	"github.com/msageha/autopilot/internal/uds"
	"github.com/msageha/autopilot/internal/workflow"
)

// WorkflowSummary is one entry of the workflows command response.
type WorkflowSummary struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities"`
	Steps        int               `json:"steps"`
	Metrics      *workflow.Metrics `json:"metrics,omitempty"`
}

type WorkflowsResponse struct {
	Workflows []WorkflowSummary `json:"workflows"`
	Chains    []workflow.Chain  `json:"chains"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CmdPing, d.handlePing)
	d.server.Handle(uds.CmdPredict, d.handlePredict)
	d.server.Handle(uds.CmdLearn, d.handleLearn)
	d.server.Handle(uds.CmdMetrics, d.handleMetrics)
	d.server.Handle(uds.CmdDecisionOutcome, d.handleDecisionOutcome)
	d.server.Handle(uds.CmdWorkflows, d.handleWorkflows)
	d.server.Handle(uds.CmdShutdown, func(context.Context, *uds.Request) *uds.Response {
		d.logger.Infof("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handlePing(context.Context, *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]string{
		"status":  "ok",
		"agentId": d.agent.ID(),
		"state":   string(d.agent.State()),
	})
}

func (d *Daemon) handlePredict(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.PredictParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if strings.TrimSpace(p.Action.Type) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "action.type is required")
	}
	res := d.agent.PredictAndExecute(ctx, p.Action)
	if res.Error == agent.ErrNotActive.Error() {
		return uds.ErrorResponse(uds.ErrCodeNotActive, res.Error)
	}
	return uds.SuccessResponse(res)
}

func (d *Daemon) handleLearn(ctx context.Context, req *uds.Request) *uds.Response {
	var p uds.LearnParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := d.agent.LearnFromInteraction(ctx, p.Interaction); err != nil {
		if errors.Is(err, agent.ErrNotActive) {
			return uds.ErrorResponse(uds.ErrCodeNotActive, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	return uds.SuccessResponse(map[string]any{"status": "learned", "interactions": d.agent.InteractionCount()})
}

func (d *Daemon) handleMetrics(context.Context, *uds.Request) *uds.Response {
	m := d.agent.Metrics()
	m["events"] = map[string]any{"dropped": d.bus.Dropped()}
	return uds.SuccessResponse(m)
}

func (d *Daemon) handleDecisionOutcome(_ context.Context, req *uds.Request) *uds.Response {
	var p uds.DecisionOutcomeParams
	if err := req.DecodeParams(&p); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if p.DecisionID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "decision_id is required")
	}
	if !d.agent.UpdateDecisionOutcome(p.DecisionID, p.WasCorrect, p.ActualOutcome) {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("decision %s not found", p.DecisionID))
	}
	return uds.SuccessResponse(map[string]string{"status": "updated", "decision_id": p.DecisionID})
}

func (d *Daemon) handleWorkflows(context.Context, *uds.Request) *uds.Response {
	defs := d.engine.Definitions()
	out := WorkflowsResponse{
		Workflows: make([]WorkflowSummary, 0, len(defs)),
		Chains:    d.engine.SuggestedChains(),
	}
	for _, def := range defs {
		s := WorkflowSummary{
			ID:           def.ID,
			Name:         def.Name,
			Capabilities: def.Capabilities,
			Steps:        len(def.Steps),
		}
		if m, ok := d.engine.WorkflowMetrics(def.ID); ok {
			s.Metrics = &m
		}
		out.Workflows = append(out.Workflows, s)
	}
	return uds.SuccessResponse(out)
}
