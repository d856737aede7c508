package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/msageha/autopilot/internal/learning"
	"github.com/msageha/autopilot/internal/logging"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/telemetry"
)

// DirectExecutor runs an action that no workflow claims.
type DirectExecutor interface {
	ExecuteDirect(ctx context.Context, action model.BusinessAction) (map[string]any, error)
}

type DirectExecutorFunc func(ctx context.Context, action model.BusinessAction) (map[string]any, error)

func (f DirectExecutorFunc) ExecuteDirect(ctx context.Context, action model.BusinessAction) (map[string]any, error) {
	return f(ctx, action)
}

// applyEffect is the default direct executor: the action's declared data is its effect.
func applyEffect(_ context.Context, action model.BusinessAction) (map[string]any, error) {
	out := make(map[string]any, len(action.Data)+1)
	for k, v := range action.Data {
		out[k] = v
	}
	out["action"] = action.Type
	return out, nil
}

const (
	successWeight = 0.7
	speedWeight   = 0.3
	directLabel   = "direct"
)

type Option func(*Engine)

func WithDirectExecutor(d DirectExecutor) Option {
	return func(e *Engine) { e.direct = d }
}

func WithMaxTransitions(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTransitions = n
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithHandler(operation string, h ActionHandler) Option {
	return func(e *Engine) { e.handlers[operation] = h }
}

// Engine is safe for concurrent use.
type Engine struct {
	direct         DirectExecutor
	maxTransitions int
	logger         *logging.Logger

	mu          sync.RWMutex
	definitions map[string]*Definition
	metrics     map[string]*Metrics
	active      map[string]*Execution
	handlers    map[string]ActionHandler
	// preference counts successful use per capability; it breaks ranking ties.
	preference map[string]int
	chains     map[string]map[string]int
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		maxTransitions: model.DefaultMaxTransitions,
		definitions:    make(map[string]*Definition),
		metrics:        make(map[string]*Metrics),
		active:         make(map[string]*Execution),
		handlers:       make(map[string]ActionHandler),
		preference:     make(map[string]int),
		chains:         make(map[string]map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.direct == nil {
		e.direct = DirectExecutorFunc(applyEffect)
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	return e
}

// RegisterHandler binds an operation name used by action steps.
func (e *Engine) RegisterHandler(operation string, h ActionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[operation] = h
}

func (e *Engine) handler(operation string) (ActionHandler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[operation]
	return h, ok
}

// Register validates def and adds or replaces it. Metrics survive replacement.
func (e *Engine) Register(def *Definition) error {
	if err := Validate(def); err != nil {
		return fmt.Errorf("workflow %q: %w", idOf(def), err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[def.ID] = def
	return nil
}

// Replace swaps the whole definition set, keeping metrics of surviving ids.
func (e *Engine) Replace(defs []*Definition) error {
	next := make(map[string]*Definition, len(defs))
	for _, def := range defs {
		if err := Validate(def); err != nil {
			return fmt.Errorf("workflow %q: %w", idOf(def), err)
		}
		if _, dup := next[def.ID]; dup {
			return fmt.Errorf("duplicate workflow id %q", def.ID)
		}
		next[def.ID] = def
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions = next
	return nil
}

func (e *Engine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.definitions, id)
}

// Definitions lists the registered definitions sorted by id.
func (e *Engine) Definitions() []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Definition, 0, len(e.definitions))
	for _, d := range e.definitions {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type candidate struct {
	def        *Definition
	hasMetrics bool
	score      float64
	preference int
}

// Candidates returns the workflows able to run actionType, best first.
func (e *Engine) Candidates(actionType string) []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var cands []candidate
	for _, def := range e.definitions {
		pref, ok := e.matchLocked(def, actionType)
		if !ok {
			continue
		}
		c := candidate{def: def, preference: pref}
		if m := e.metrics[def.ID]; m != nil && m.TotalExecutions > 0 {
			c.hasMetrics = true
			c.score = rankScore(m)
		}
		cands = append(cands, c)
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.hasMetrics != b.hasMetrics {
			return a.hasMetrics
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if a.preference != b.preference {
			return a.preference > b.preference
		}
		return a.def.ID < b.def.ID
	})

	out := make([]*Definition, len(cands))
	for i, c := range cands {
		out[i] = c.def
	}
	return out
}

// matchLocked reports whether def handles actionType and the preference of the
// best matching capability.
func (e *Engine) matchLocked(def *Definition, actionType string) (int, bool) {
	matched := false
	best := 0
	for _, capability := range def.Capabilities {
		if capability == "" || !strings.Contains(actionType, capability) {
			continue
		}
		matched = true
		if p := e.preference[capability]; p > best {
			best = p
		}
	}
	return best, matched
}

func rankScore(m *Metrics) float64 {
	secs := m.AvgExecutionTime.Seconds()
	if secs < 0.001 {
		secs = 0.001
	}
	return m.SuccessRate*successWeight + (1/secs)*speedWeight
}

// Execute runs action through the best-ranked workflow, or directly when no
// workflow claims it. It never panics.
func (e *Engine) Execute(ctx context.Context, action model.BusinessAction) ExecutionOutcome {
	cands := e.Candidates(action.Type)
	if len(cands) == 0 {
		return e.executeDirect(ctx, action)
	}
	def := cands[0]
	exec := e.run(ctx, def, action)

	return ExecutionOutcome{
		Success:    exec.Status == model.WorkflowStatusCompleted,
		Data:       exec.Data,
		WorkflowID: def.ID,
		Execution:  exec,
		Error:      exec.Error,
	}
}

func (e *Engine) executeDirect(ctx context.Context, action model.BusinessAction) (out ExecutionOutcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorf("direct execution of %s panicked: %v", action.Type, r)
			out = ExecutionOutcome{Error: fmt.Sprintf("direct execution panicked: %v", r)}
		}
		status := string(model.WorkflowStatusCompleted)
		if !out.Success {
			status = string(model.WorkflowStatusFailed)
		}
		telemetry.RecordWorkflowExecution(directLabel, status, time.Since(start).Seconds())
	}()

	if err := ctx.Err(); err != nil {
		return ExecutionOutcome{Error: err.Error()}
	}
	data, err := e.direct.ExecuteDirect(ctx, action)
	if err != nil {
		return ExecutionOutcome{Error: err.Error()}
	}
	return ExecutionOutcome{Success: true, Data: data}
}

func (e *Engine) run(ctx context.Context, def *Definition, action model.BusinessAction) *Execution {
	exec := &Execution{
		ID:         model.MustGenerateID(model.IDTypeExecution),
		WorkflowID: def.ID,
		ActionType: action.Type,
		Status:     model.WorkflowStatusRunning,
		StartTime:  time.Now(),
		Data:       make(map[string]any, len(action.Data)),
	}
	for k, v := range action.Data {
		exec.Data[k] = v
	}

	e.mu.Lock()
	e.active[exec.ID] = exec
	e.mu.Unlock()

	e.logger.Debugf("execution %s started workflow=%s action=%s", exec.ID, def.ID, action.Type)
	status, err := e.walk(ctx, def, exec)
	exec.EndTime = time.Now()
	e.finish(exec, status, err)

	duration := exec.EndTime.Sub(exec.StartTime)
	e.mu.Lock()
	delete(e.active, exec.ID)
	m := e.metrics[def.ID]
	if m == nil {
		m = &Metrics{}
		e.metrics[def.ID] = m
	}
	m.observe(exec.Status == model.WorkflowStatusCompleted, duration)
	e.mu.Unlock()

	telemetry.RecordWorkflowExecution(def.ID, string(exec.Status), duration.Seconds())
	e.logger.Infof("execution %s workflow=%s status=%s steps=%d duration=%s",
		exec.ID, def.ID, exec.Status, len(exec.Steps), duration)
	return exec
}

func (e *Engine) finish(exec *Execution, status model.WorkflowStatus, err error) {
	if verr := model.ValidateWorkflowTransition(exec.Status, status); verr != nil {
		e.logger.Warnf("execution %s: %v", exec.ID, verr)
		status = model.WorkflowStatusFailed
	}
	exec.Status = status
	if err != nil {
		exec.Error = err.Error()
	}
}

// walk drives the state machine from the entry point until a step has no
// successor, a step fails, or the transition cap is hit.
func (e *Engine) walk(ctx context.Context, def *Definition, exec *Execution) (model.WorkflowStatus, error) {
	current := def.EntryPoint
	for transitions := 0; ; transitions++ {
		if transitions >= e.maxTransitions {
			return model.WorkflowStatusFailed, fmt.Errorf("exceeded %d transitions", e.maxTransitions)
		}
		if err := ctx.Err(); err != nil {
			return model.WorkflowStatusFailed, fmt.Errorf("execution cancelled: %w", err)
		}
		step, ok := def.Steps[current]
		if !ok {
			return model.WorkflowStatusFailed, fmt.Errorf("%w: %q", ErrUnknownStep, current)
		}

		se := StepExecution{StepID: step.ID, StartTime: time.Now(), Status: model.StepStatusRunning}
		result, err := e.runStep(ctx, step, snapshot(exec.Data))
		se.EndTime = time.Now()
		if err != nil {
			se.Status = model.StepStatusFailed
			se.Error = err.Error()
			exec.Steps = append(exec.Steps, se)
			return model.WorkflowStatusFailed, fmt.Errorf("step %s: %w", step.ID, err)
		}
		if verr := model.ValidateStepTransition(se.Status, model.StepStatusCompleted); verr != nil {
			return model.WorkflowStatusFailed, verr
		}
		se.Status = model.StepStatusCompleted
		se.Result = result
		exec.Steps = append(exec.Steps, se)
		for k, v := range result {
			exec.Data[k] = v
		}

		next, err := nextStep(step, result)
		if err != nil {
			return model.WorkflowStatusFailed, err
		}
		if next == "" {
			return model.WorkflowStatusCompleted, nil
		}
		current = next
	}
}

func snapshot(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Optimize nudges capability preference toward workflows whose capabilities
// served a successful interaction.
func (e *Engine) Optimize(i model.UserInteraction) {
	if i.Outcome != model.OutcomeSuccess {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bumpLocked(i.Action, 1)
}

// OptimizePatterns folds analyzed patterns into preferences and suggested chains.
func (e *Engine) OptimizePatterns(a learning.Analysis) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for action, n := range a.ActionFrequency {
		e.bumpLocked(action, n)
	}
	for _, s := range a.Sequences {
		to := e.chains[s.From]
		if to == nil {
			to = make(map[string]int)
			e.chains[s.From] = to
		}
		to[s.To]++
	}
}

func (e *Engine) bumpLocked(action string, n int) {
	for _, def := range e.definitions {
		for _, capability := range def.Capabilities {
			if capability != "" && strings.Contains(action, capability) {
				e.preference[capability] += n
			}
		}
	}
}

// Chain is an observed follow-up between two actions.
type Chain struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// SuggestedChains lists observed action chains, most frequent first.
func (e *Engine) SuggestedChains() []Chain {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Chain
	for from, tos := range e.chains {
		for to, n := range tos {
			out = append(out, Chain{From: from, To: to, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// WorkflowMetrics returns a copy of the metrics of one workflow.
func (e *Engine) WorkflowMetrics(id string) (Metrics, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.metrics[id]
	if !ok {
		return Metrics{}, false
	}
	return *m, true
}

func (e *Engine) ActiveExecutions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

func (e *Engine) Metrics() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var total, ok, failed int
	var totalTime time.Duration
	per := make(map[string]Metrics, len(e.metrics))
	for id, m := range e.metrics {
		per[id] = *m
		total += m.TotalExecutions
		ok += m.SuccessfulExecutions
		failed += m.FailedExecutions
		totalTime += m.AvgExecutionTime * time.Duration(m.TotalExecutions)
	}
	out := map[string]any{
		"totalWorkflows":       len(e.definitions),
		"activeExecutions":     len(e.active),
		"totalExecutions":      total,
		"successfulExecutions": ok,
		"failedExecutions":     failed,
		"successRate":          0.0,
		"avgExecutionTime":     time.Duration(0),
		"workflows":            per,
	}
	if total > 0 {
		out["successRate"] = float64(ok) / float64(total)
		out["avgExecutionTime"] = totalTime / time.Duration(total)
	}
	return out
}
