// Package learning keeps per-(action, context) outcome statistics and turns them
// into outcome predictions.
package learning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/autopilot/internal/logging"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/store"
	"github.com/msageha/autopilot/internal/telemetry"
)

const (
	// fullConfidenceSamples is the sample count at which volume stops discounting confidence.
	fullConfidenceSamples = 100
	expectSuccessAbove    = 0.7
	// minAccuracySamples is the number of confirmed predictions before accuracy is reported.
	minAccuracySamples = 10

	untrainedConfidence = 0.5
	untrainedReasoning  = "model not trained"
)

// Option configures a Model in New.
type Option func(*Model)

// WithStore sets the store used by Load and Save.
func WithStore(s store.Store) Option {
	return func(m *Model) { m.store = s }
}

// WithLogger sets the logger for load and save messages.
func WithLogger(l *logging.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// WithSequenceWindow sets the longest gap between two actions that still
// counts as a sequence.
func WithSequenceWindow(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.sequenceWindow = d
		}
	}
}

// WithDomains records the business domains reported by Metrics.
func WithDomains(domains []string) Option {
	return func(m *Model) { m.domains = append([]string(nil), domains...) }
}

// WithLearningRate sets the initial learning rate reported by Metrics.
func WithLearningRate(rate float64) Option {
	return func(m *Model) { m.learningRate = rate }
}

// Model is safe for concurrent use.
type Model struct {
	agentID        string
	store          store.Store
	logger         *logging.Logger
	sequenceWindow time.Duration
	domains        []string

	mu           sync.RWMutex
	patterns     map[string]*PatternData
	outcomes     map[string]store.OutcomeTally
	learningRate float64
	lastAvgRate  float64
	observed     bool

	predictions singleflight.Group
}

// New returns an untrained model for agentID.
func New(agentID string, opts ...Option) *Model {
	m := &Model{
		agentID:        agentID,
		sequenceWindow: time.Duration(model.DefaultSequenceWindowSec) * time.Second,
		patterns:       make(map[string]*PatternData),
		outcomes:       make(map[string]store.OutcomeTally),
		learningRate:   0.1,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	return m
}

// Train folds one interaction into its pattern. It never fails.
func (m *Model) Train(i model.UserInteraction) {
	hash := ContextHash(i.Context)
	key := PatternKey(i.Action, hash)

	m.mu.Lock()
	p, ok := m.patterns[key]
	if !ok {
		p = &PatternData{
			Action:      i.Action,
			ContextHash: hash,
			SubPatterns: make(map[string]map[model.Outcome]int),
		}
		m.patterns[key] = p
	}
	p.observe(i)
	m.mu.Unlock()

	telemetry.RecordInteraction(string(i.Outcome))
	m.logger.Debugf("trained action=%s pattern=%s outcome=%s", i.Action, key, i.Outcome)
}

// Predict estimates the outcome of action from every pattern recorded for it.
// Concurrent calls for the same action share one computation.
func (m *Model) Predict(ctx context.Context, action string) model.PredictionResult {
	ch := m.predictions.DoChan(action, func() (any, error) {
		return m.predict(action), nil
	})
	select {
	case res := <-ch:
		return copyPrediction(res.Val.(model.PredictionResult))
	case <-ctx.Done():
		return model.PredictionResult{
			Confidence:      untrainedConfidence,
			ExpectedOutcome: model.OutcomeFailure,
			Reasoning:       fmt.Sprintf("prediction cancelled: %v", ctx.Err()),
		}
	}
}

func (m *Model) predict(action string) model.PredictionResult {
	prefix := action + ":"

	m.mu.RLock()
	var (
		matched  int
		samples  int
		rateSum  float64
		accuracy *float64
	)
	for key, p := range m.patterns {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		matched++
		samples += p.Count
		rateSum += p.SuccessRate()
	}
	if t := m.outcomes[action]; t.Total >= minAccuracySamples {
		acc := float64(t.Correct) / float64(t.Total)
		accuracy = &acc
	}
	m.mu.RUnlock()

	if matched == 0 {
		return model.PredictionResult{
			Confidence:         untrainedConfidence,
			ExpectedOutcome:    model.OutcomeFailure,
			Alternatives:       []string{},
			Reasoning:          untrainedReasoning,
			HistoricalAccuracy: accuracy,
		}
	}

	avgRate := rateSum / float64(matched)
	confidence := clamp01(math.Min(float64(samples)/fullConfidenceSamples, 1) * avgRate)
	expected := model.OutcomeFailure
	if avgRate > expectSuccessAbove {
		expected = model.OutcomeSuccess
	}
	telemetry.RecordPrediction(confidence)

	return model.PredictionResult{
		Confidence:      confidence,
		ExpectedOutcome: expected,
		Alternatives:    alternativeOutcomes(expected),
		Reasoning: fmt.Sprintf("%d samples across %d patterns, average success rate %.2f",
			samples, matched, avgRate),
		HistoricalAccuracy: accuracy,
	}
}

func alternativeOutcomes(expected model.Outcome) []string {
	var out []string
	for _, o := range []model.Outcome{model.OutcomeSuccess, model.OutcomeFailure, model.OutcomePartial} {
		if o != expected {
			out = append(out, string(o))
		}
	}
	return out
}

func copyPrediction(p model.PredictionResult) model.PredictionResult {
	p.Alternatives = append([]string{}, p.Alternatives...)
	if p.HistoricalAccuracy != nil {
		v := *p.HistoricalAccuracy
		p.HistoricalAccuracy = &v
	}
	if p.Uncertainty != nil {
		v := *p.Uncertainty
		p.Uncertainty = &v
	}
	return p
}

// RecordPredictionOutcome confirms or refutes an earlier prediction for action.
func (m *Model) RecordPredictionOutcome(action string, correct bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.outcomes[action]
	t.Total++
	if correct {
		t.Correct++
	}
	m.outcomes[action] = t
}

// ConvergenceRate reports how far the average pattern success rate moved since
// the previous call. The first call returns 1.
func (m *Model) ConvergenceRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	avg := m.averageSuccessRateLocked()
	if !m.observed {
		m.observed = true
		m.lastAvgRate = avg
		return 1.0
	}
	drift := math.Abs(avg - m.lastAvgRate)
	m.lastAvgRate = avg
	return drift
}

func (m *Model) averageSuccessRateLocked() float64 {
	if len(m.patterns) == 0 {
		return 0
	}
	var sum float64
	for _, p := range m.patterns {
		sum += p.SuccessRate()
	}
	return sum / float64(len(m.patterns))
}

// SetLearningRate records the tuned learning rate.
func (m *Model) SetLearningRate(rate float64) {
	m.mu.Lock()
	m.learningRate = rate
	m.mu.Unlock()
}

// Pattern returns a copy of the pattern stored under key.
func (m *Model) Pattern(key string) (PatternData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patterns[key]
	if !ok {
		return PatternData{}, false
	}
	return *p.clone(), true
}

// Snapshot copies the model's persistent state into s.
func (m *Model) Snapshot(s *store.ModelState) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s.Patterns = make(map[string]store.PatternState, len(m.patterns))
	for k, p := range m.patterns {
		s.Patterns[k] = p.state()
	}
	s.PredictionOutcomes = make(map[string]store.OutcomeTally, len(m.outcomes))
	for k, t := range m.outcomes {
		s.PredictionOutcomes[k] = t
	}
}

// Restore replaces the model's patterns and prediction tallies with those in s.
func (m *Model) Restore(s *store.ModelState) {
	patterns := make(map[string]*PatternData, len(s.Patterns))
	for k, ps := range s.Patterns {
		patterns[k] = patternFromState(ps)
	}
	outcomes := make(map[string]store.OutcomeTally, len(s.PredictionOutcomes))
	for k, t := range s.PredictionOutcomes {
		outcomes[k] = t
	}

	m.mu.Lock()
	m.patterns = patterns
	m.outcomes = outcomes
	m.mu.Unlock()
}

// Load restores persisted state and returns it so the caller can restore the
// sections it owns. Failures are logged, the model starts cold and Load
// returns nil.
func (m *Model) Load(ctx context.Context) *store.ModelState {
	if m.store == nil {
		return nil
	}
	state, err := m.store.Load(ctx, m.agentID)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Infof("no saved model for agent=%s, starting cold", m.agentID)
		return nil
	}
	if err != nil {
		m.logger.Warnf("load model agent=%s: %v", m.agentID, err)
		return nil
	}
	m.Restore(state)
	m.logger.Infof("loaded model agent=%s patterns=%d", m.agentID, len(state.Patterns))
	return state
}

// Save persists patterns and prediction tallies. Each snapshot in also writes
// its section into the same update. Sections nobody writes are left untouched.
func (m *Model) Save(ctx context.Context, also ...func(*store.ModelState)) error {
	if m.store == nil {
		return nil
	}
	err := store.Update(ctx, m.store, m.agentID, func(s *store.ModelState) {
		m.Snapshot(s)
		for _, fn := range also {
			fn(s)
		}
	})
	if err != nil {
		m.logger.Errorf("save model agent=%s: %v", m.agentID, err)
		return fmt.Errorf("save learning model: %w", err)
	}
	return nil
}

// Metrics summarizes the model for the metrics command.
func (m *Model) Metrics() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	confirmed := 0
	for _, t := range m.outcomes {
		confirmed += t.Total
	}
	return map[string]any{
		"patterns":             len(m.patterns),
		"averageSuccessRate":   m.averageSuccessRateLocked(),
		"trained":              len(m.patterns) > 0,
		"learningRate":         m.learningRate,
		"domains":              append([]string{}, m.domains...),
		"confirmedPredictions": confirmed,
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
