package workflow

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// ActionHandler performs one named operation. data is the execution's
// accumulated data and must not be modified.
type ActionHandler func(ctx context.Context, config map[string]any, data map[string]any) (map[string]any, error)

// echoConfig is the action used when a step names no operation.
func echoConfig(_ context.Context, config map[string]any, _ map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for k, v := range config {
		if k == "operation" {
			continue
		}
		out[k] = v
	}
	return out, nil
}

// runStep executes step and converts a panic into a step error.
func (e *Engine) runStep(ctx context.Context, step *Step, data map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("step %s panicked: %v\n%s", step.ID, r, debug.Stack())
			result, err = nil, fmt.Errorf("step %s panicked: %v", step.ID, r)
		}
	}()

	switch step.Type {
	case StepAction:
		return e.runAction(ctx, step.Config, data)
	case StepDecision:
		return runDecision(step.Config, data)
	case StepConditional:
		return runConditional(step.Config, data)
	case StepParallel:
		return e.runParallel(ctx, step.Config, data)
	default:
		return nil, fmt.Errorf("unsupported step type %q", step.Type)
	}
}

func (e *Engine) runAction(ctx context.Context, config, data map[string]any) (map[string]any, error) {
	op, _ := config["operation"].(string)
	if op == "" {
		return echoConfig(ctx, config, data)
	}
	handler, ok := e.handler(op)
	if !ok {
		return nil, fmt.Errorf("no handler registered for operation %q", op)
	}
	return handler(ctx, config, data)
}

// runDecision yields {decision, confidence}. With field/operator/value in the
// config the decision is approve or reject by that condition; otherwise the
// configured decision (default approve) is returned.
func runDecision(config, data map[string]any) (map[string]any, error) {
	confidence := 1.0
	if v, ok := config["confidence"]; ok {
		c, err := toFloat64(v)
		if err != nil {
			return nil, fmt.Errorf("decision confidence: %w", err)
		}
		confidence = c
	}

	decision := "approve"
	if d, ok := config["decision"].(string); ok && d != "" {
		decision = d
	}
	if _, ok := config["field"]; ok {
		cond := conditionFromConfig(config)
		matched, err := cond.Matches(data)
		if err != nil {
			return nil, err
		}
		if !matched {
			decision = "reject"
		}
	}
	return map[string]any{"decision": decision, "confidence": confidence}, nil
}

func runConditional(config, data map[string]any) (map[string]any, error) {
	cond := conditionFromConfig(config)
	matched, err := cond.Matches(data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": matched}, nil
}

func conditionFromConfig(config map[string]any) Condition {
	field, _ := config["field"].(string)
	op, _ := config["operator"].(string)
	if op == "" {
		op = string(OpEquals)
	}
	return Condition{Field: field, Operator: Operator(op), Value: config["value"]}
}

// branch is one operation of a parallel step.
type branch struct {
	operation string
	config    map[string]any
}

func parseBranches(config map[string]any) ([]branch, error) {
	raw, ok := config["branches"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("parallel step needs a non-empty branches list")
	}
	branches := make([]branch, 0, len(raw))
	for i, item := range raw {
		switch b := item.(type) {
		case string:
			branches = append(branches, branch{operation: b, config: map[string]any{"operation": b}})
		case map[string]any:
			op, _ := b["operation"].(string)
			branches = append(branches, branch{operation: op, config: b})
		default:
			return nil, fmt.Errorf("branches[%d]: expected operation name or map, got %T", i, item)
		}
	}
	return branches, nil
}

// runParallel runs every branch concurrently and merges the results in branch
// order. The first failing branch cancels the others.
func (e *Engine) runParallel(ctx context.Context, config, data map[string]any) (map[string]any, error) {
	branches, err := parseBranches(config)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, len(branches))
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range branches {
		i, b := i, b
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("branch %d panicked: %v", i, r)
				}
			}()
			res, err := e.runAction(gctx, b.config, data)
			if err != nil {
				return fmt.Errorf("branch %d (%s): %w", i, b.operation, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]any)
	for _, res := range results {
		for k, v := range res {
			merged[k] = v
		}
	}
	merged["branches"] = len(branches)
	return merged, nil
}

// nextStep picks the first condition matching the step result, then the first
// listed next step. An empty string ends the execution.
func nextStep(step *Step, result map[string]any) (string, error) {
	for i := range step.Conditions {
		c := &step.Conditions[i]
		matched, err := c.Matches(result)
		if err != nil {
			return "", fmt.Errorf("step %s condition %d: %w", step.ID, i, err)
		}
		if matched {
			return c.NextStep, nil
		}
	}
	if len(step.NextSteps) > 0 {
		return step.NextSteps[0], nil
	}
	return "", nil
}
