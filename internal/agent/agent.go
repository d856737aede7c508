// Package agent hosts the autonomous agent: it owns the learning model, the
// decision engine and the workflow engine, and drives them for each action.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/msageha/autopilot/internal/decision"
	"github.com/msageha/autopilot/internal/events"
	"github.com/msageha/autopilot/internal/learning"
	"github.com/msageha/autopilot/internal/logging"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/store"
	"github.com/msageha/autopilot/internal/telemetry"
	"github.com/msageha/autopilot/internal/workflow"
)

// ErrNotActive is reported when an action arrives while the agent is stopped.
var ErrNotActive = errors.New("agent not active")

// Option configures an AutonomousAgent in New.
type Option func(*AutonomousAgent)

// WithStore persists learned patterns, decision history and tuned settings
// across Start/Stop. Without a store the agent starts cold every time.
func WithStore(s store.Store) Option {
	return func(a *AutonomousAgent) { a.store = s }
}

// WithBus sets where lifecycle, learning and execution events go.
func WithBus(p events.Publisher) Option {
	return func(a *AutonomousAgent) { a.bus = p }
}

// WithLogger sets the agent's logger. Components log through named children.
func WithLogger(l *logging.Logger) Option {
	return func(a *AutonomousAgent) { a.logger = l }
}

// WithWorkflowEngine replaces the default engine, which has no workflows and
// runs every action through its direct executor.
func WithWorkflowEngine(e *workflow.Engine) Option {
	return func(a *AutonomousAgent) { a.workflows = e }
}

// WithRiskRegistry overrides the built-in risk factors and mitigations.
func WithRiskRegistry(r *decision.Registry) Option {
	return func(a *AutonomousAgent) { a.registry = r }
}

// WithConfidenceThreshold sets the minimum prediction confidence for
// autonomous execution.
func WithConfidenceThreshold(t float64) Option {
	return func(a *AutonomousAgent) { a.threshold = t }
}

// WithRiskTolerance sets the highest risk level executed without approval.
func WithRiskTolerance(r model.RiskLevel) Option {
	return func(a *AutonomousAgent) { a.riskTolerance = r }
}

// WithExecutionTimeout bounds a single action's execution. Non-positive
// values keep the default.
func WithExecutionTimeout(d time.Duration) Option {
	return func(a *AutonomousAgent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithTuning sets the self-tuning interval and thresholds. Zero fields take
// their defaults.
func WithTuning(cfg model.TuningConfig) Option {
	return func(a *AutonomousAgent) { a.tuning = cfg }
}

// WithInteractionCap bounds the interaction history. When the cap is
// exceeded the newest half is kept.
func WithInteractionCap(n int) Option {
	return func(a *AutonomousAgent) {
		if n > 1 {
			a.interactionCap = n
		}
	}
}

// WithDecisionHistoryCap bounds the decision history.
func WithDecisionHistoryCap(n int) Option {
	return func(a *AutonomousAgent) { a.decisionCap = n }
}

// WithAnalysisWindow sets how many recent interactions a tuning pass analyzes.
func WithAnalysisWindow(n int) Option {
	return func(a *AutonomousAgent) {
		if n > 0 {
			a.analysisWindow = n
		}
	}
}

// WithSequenceWindow sets how close two actions must be to count as a sequence.
func WithSequenceWindow(d time.Duration) Option {
	return func(a *AutonomousAgent) { a.sequenceWindow = d }
}

// OptionsFromConfig maps the non-agent sections of cfg onto options.
func OptionsFromConfig(cfg model.Config) []Option {
	return []Option{
		WithConfidenceThreshold(cfg.Decision.ConfidenceThreshold),
		WithRiskTolerance(cfg.Decision.RiskTolerance),
		WithDecisionHistoryCap(cfg.Decision.HistoryCap),
		WithInteractionCap(cfg.Learning.HistoryCap),
		WithAnalysisWindow(cfg.Learning.AnalysisWindow),
		WithSequenceWindow(time.Duration(cfg.Learning.SequenceWindowSec) * time.Second),
		WithTuning(cfg.Tuning),
		WithExecutionTimeout(time.Duration(cfg.Workflow.ExecutionTimeoutSec) * time.Second),
	}
}

// AutonomousAgent is safe for concurrent use. PredictAndExecute and
// LearnFromInteraction may run concurrently with each other and with tuning.
type AutonomousAgent struct {
	store          store.Store
	bus            events.Publisher
	logger         *logging.Logger
	registry       *decision.Registry
	threshold      float64
	riskTolerance  model.RiskLevel
	timeout        time.Duration
	tuning         model.TuningConfig
	interactionCap int
	decisionCap    int
	analysisWindow int
	sequenceWindow time.Duration

	learning  *learning.Model
	decisions *decision.Engine
	workflows *workflow.Engine

	cfgMu sync.RWMutex
	cfg   model.AgentConfig

	// lifecycleMu serializes Start and Stop end to end, including the wait
	// for the tuning loop and the final save.
	lifecycleMu sync.Mutex

	stateMu sync.Mutex
	state   model.AgentState
	cancel  context.CancelFunc
	done    chan struct{}

	historyMu    sync.RWMutex
	interactions []model.UserInteraction
}

// New builds a stopped agent. A missing agent id is generated.
func New(cfg model.AgentConfig, opts ...Option) (*AutonomousAgent, error) {
	if cfg.ID == "" {
		cfg.ID = model.NewAgentID()
	}
	if err := model.ValidateAgentID(cfg.ID); err != nil {
		return nil, fmt.Errorf("new agent: %w", err)
	}
	if cfg.AutonomyLevel == "" {
		cfg.AutonomyLevel = model.AutonomySupervised
	}
	if !cfg.AutonomyLevel.Valid() {
		return nil, fmt.Errorf("new agent: unknown autonomy level %q", cfg.AutonomyLevel)
	}
	if cfg.LearningRate <= 0 || cfg.LearningRate > 1 {
		cfg.LearningRate = 0.1
	}

	a := &AutonomousAgent{
		cfg:            cfg,
		state:          model.AgentStateStopped,
		threshold:      model.DefaultConfidenceThreshold,
		riskTolerance:  model.RiskMedium,
		timeout:        time.Duration(model.DefaultExecutionTimeoutSec) * time.Second,
		interactionCap: model.DefaultInteractionCap,
		decisionCap:    model.DefaultDecisionHistoryCap,
		analysisWindow: model.DefaultAnalysisWindow,
		sequenceWindow: time.Duration(model.DefaultSequenceWindowSec) * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	a.tuning = withTuningDefaults(a.tuning)

	a.learning = learning.New(cfg.ID,
		learning.WithStore(a.store),
		learning.WithLogger(a.logger.With("learning")),
		learning.WithSequenceWindow(a.sequenceWindow),
		learning.WithDomains(cfg.Domains),
		learning.WithLearningRate(cfg.LearningRate),
	)
	a.decisions = decision.NewEngine(
		decision.WithThreshold(a.threshold),
		decision.WithHistoryCap(a.decisionCap),
		decision.WithRegistry(a.registry),
		decision.WithLogger(a.logger.With("decision")),
	)
	if a.workflows == nil {
		a.workflows = workflow.NewEngine(workflow.WithLogger(a.logger.With("workflow")))
	}
	return a, nil
}

func (a *AutonomousAgent) ID() string {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg.ID
}

// Config returns a copy of the current, possibly self-tuned, configuration.
func (a *AutonomousAgent) Config() model.AgentConfig {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	c := a.cfg
	c.Capabilities = append([]string(nil), a.cfg.Capabilities...)
	c.Domains = append([]string(nil), a.cfg.Domains...)
	return c
}

func (a *AutonomousAgent) State() model.AgentState {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

func (a *AutonomousAgent) IsActive() bool {
	return a.State() == model.AgentStateRunning
}

func (a *AutonomousAgent) Workflows() *workflow.Engine { return a.workflows }

// Start restores persisted state and begins periodic self-tuning. Tuning stops
// with Stop, not with ctx.
func (a *AutonomousAgent) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	if err := model.ValidateAgentTransition(a.State(), model.AgentStateRunning); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	a.load(ctx)

	tctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.stateMu.Lock()
	a.cancel = cancel
	a.done = done
	a.state = model.AgentStateRunning
	a.stateMu.Unlock()
	go a.tuningLoop(tctx, done)

	cfg := a.Config()
	telemetry.SetAgentTuning(cfg.ID, cfg.AutonomyLevel.Score(), cfg.LearningRate)
	a.logger.Infof("agent %s started autonomy=%s", cfg.ID, cfg.AutonomyLevel)
	a.publish(events.EventAgentStarted, map[string]any{"agentId": cfg.ID})
	return nil
}

// Stop halts self-tuning and persists state. In-flight actions are not
// cancelled. A save failure is returned after the agent has stopped.
func (a *AutonomousAgent) Stop(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()

	a.stateMu.Lock()
	if err := model.ValidateAgentTransition(a.state, model.AgentStateStopped); err != nil {
		a.stateMu.Unlock()
		return fmt.Errorf("stop agent: %w", err)
	}
	a.state = model.AgentStateStopped
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.stateMu.Unlock()

	cancel()
	<-done

	id := a.ID()
	err := a.save(ctx)
	a.logger.Infof("agent %s stopped", id)
	a.publish(events.EventAgentStopped, map[string]any{"agentId": id})
	return err
}

// load restores the learning model from the store and hands the remaining
// sections of the same state to their owners.
func (a *AutonomousAgent) load(ctx context.Context) {
	state := a.learning.Load(ctx)
	if state == nil {
		return
	}
	a.decisions.Restore(state)
	if state.Agent != nil {
		a.cfgMu.Lock()
		if state.Agent.AutonomyLevel.Valid() {
			a.cfg.AutonomyLevel = state.Agent.AutonomyLevel
		}
		if state.Agent.LearningRate > 0 && state.Agent.LearningRate <= 1 {
			a.cfg.LearningRate = state.Agent.LearningRate
		}
		rate := a.cfg.LearningRate
		a.cfgMu.Unlock()
		a.learning.SetLearningRate(rate)
	}
	a.logger.Infof("restored agent %s decisions=%d", a.ID(), len(state.Decisions))
}

// save writes the learning model, decision history and tuned configuration
// in one store update.
func (a *AutonomousAgent) save(ctx context.Context) error {
	cfg := a.Config()
	err := a.learning.Save(ctx, a.decisions.Snapshot, func(s *store.ModelState) {
		s.Agent = &cfg
	})
	if err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	return nil
}

func (a *AutonomousAgent) publish(t events.EventType, data map[string]any) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(t, data)
}

// LearnFromInteraction records an observed interaction and trains on it. A
// stopped agent rejects it with ErrNotActive and learns nothing.
func (a *AutonomousAgent) LearnFromInteraction(ctx context.Context, i model.UserInteraction) error {
	if !a.IsActive() {
		return ErrNotActive
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if i.Action == "" {
		return fmt.Errorf("interaction action is required")
	}
	if !i.Outcome.Valid() {
		return fmt.Errorf("interaction outcome %q is not one of success, failure, partial", i.Outcome)
	}
	if i.Timestamp.IsZero() {
		i.Timestamp = time.Now().UTC()
	}

	a.appendInteraction(i)
	a.learning.Train(i)
	a.workflows.Optimize(i)

	a.publish(events.EventLearningCompleted, map[string]any{
		"agentId":     a.ID(),
		"interaction": i,
		"timestamp":   time.Now().UTC(),
	})
	return nil
}

func (a *AutonomousAgent) appendInteraction(i model.UserInteraction) {
	a.historyMu.Lock()
	defer a.historyMu.Unlock()
	a.interactions = append(a.interactions, i)
	if len(a.interactions) > a.interactionCap {
		keep := a.interactionCap / 2
		a.interactions = append([]model.UserInteraction(nil), a.interactions[len(a.interactions)-keep:]...)
	}
}

// recentInteractions returns a copy of at most n of the newest interactions.
func (a *AutonomousAgent) recentInteractions(n int) []model.UserInteraction {
	a.historyMu.RLock()
	defer a.historyMu.RUnlock()
	start := 0
	if len(a.interactions) > n {
		start = len(a.interactions) - n
	}
	return append([]model.UserInteraction(nil), a.interactions[start:]...)
}

func (a *AutonomousAgent) InteractionCount() int {
	a.historyMu.RLock()
	defer a.historyMu.RUnlock()
	return len(a.interactions)
}

// UpdateDecisionOutcome grades an earlier decision with ground truth.
func (a *AutonomousAgent) UpdateDecisionOutcome(id string, wasCorrect bool, actualOutcome string) bool {
	return a.decisions.UpdateDecisionOutcome(id, wasCorrect, actualOutcome)
}

// Decision returns a recorded decision by id.
func (a *AutonomousAgent) Decision(id string) (decision.DecisionRecord, bool) {
	return a.decisions.Get(id)
}

// Predict exposes the learning model's prediction without deciding or executing.
func (a *AutonomousAgent) Predict(ctx context.Context, action string) model.PredictionResult {
	return a.learning.Predict(ctx, action)
}

func (a *AutonomousAgent) Metrics() map[string]any {
	cfg := a.Config()
	return map[string]any{
		"agent": map[string]any{
			"id":            cfg.ID,
			"name":          cfg.Name,
			"state":         string(a.State()),
			"autonomyLevel": string(cfg.AutonomyLevel),
			"learningRate":  cfg.LearningRate,
			"capabilities":  cfg.Capabilities,
			"domains":       cfg.Domains,
		},
		"interactions": a.InteractionCount(),
		"learning":     a.learning.Metrics(),
		"decisions":    a.decisions.Metrics(),
		"workflows":    a.workflows.Metrics(),
	}
}
