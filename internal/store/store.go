// Package store persists learned model state between agent runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/autopilot/internal/lock"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/yaml"
)

// ErrNotFound is returned by Load when no state exists for the agent.
var ErrNotFound = errors.New("model state not found")

// Store loads and saves the model state of one agent.
type Store interface {
	Load(ctx context.Context, agentID string) (*ModelState, error)
	Save(ctx context.Context, agentID string, state *ModelState) error
}

// Updater is implemented by stores that serialize read-modify-write cycles per agent.
type Updater interface {
	Update(ctx context.Context, agentID string, fn func(*ModelState)) error
}

// ModelState is everything an agent needs to resume where it stopped.
type ModelState struct {
	yaml.Header `yaml:",inline"`

	AgentID string             `json:"agent_id" yaml:"agent_id"`
	SavedAt time.Time          `json:"saved_at" yaml:"saved_at"`
	Agent   *model.AgentConfig `json:"agent,omitempty" yaml:"agent,omitempty"`

	Patterns           map[string]PatternState `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	PredictionOutcomes map[string]OutcomeTally `json:"prediction_outcomes,omitempty" yaml:"prediction_outcomes,omitempty"`
	Decisions          []DecisionState         `json:"decisions,omitempty" yaml:"decisions,omitempty"`
}

type PatternState struct {
	Action          string                           `json:"action" yaml:"action"`
	ContextHash     string                           `json:"context_hash" yaml:"context_hash"`
	Count           int                              `json:"count" yaml:"count"`
	Successes       int                              `json:"successes" yaml:"successes"`
	Failures        int                              `json:"failures" yaml:"failures"`
	AvgFeedback     float64                          `json:"avg_feedback" yaml:"avg_feedback"`
	FeedbackSamples int                              `json:"feedback_samples" yaml:"feedback_samples"`
	LastSeen        time.Time                        `json:"last_seen" yaml:"last_seen"`
	SubPatterns     map[string]map[model.Outcome]int `json:"sub_patterns,omitempty" yaml:"sub_patterns,omitempty"`
}

// OutcomeTally counts confirmed predictions for one action.
type OutcomeTally struct {
	Total   int `json:"total" yaml:"total"`
	Correct int `json:"correct" yaml:"correct"`
}

type DecisionState struct {
	ID            string          `json:"id" yaml:"id"`
	Timestamp     time.Time       `json:"timestamp" yaml:"timestamp"`
	ActionType    string          `json:"action_type" yaml:"action_type"`
	RiskLevel     model.RiskLevel `json:"risk_level" yaml:"risk_level"`
	CanExecute    bool            `json:"can_execute" yaml:"can_execute"`
	Confidence    float64         `json:"confidence" yaml:"confidence"`
	WasCorrect    *bool           `json:"was_correct,omitempty" yaml:"was_correct,omitempty"`
	ActualOutcome string          `json:"actual_outcome,omitempty" yaml:"actual_outcome,omitempty"`
}

// NewModelState returns an empty state for agentID.
func NewModelState(agentID string) *ModelState {
	return &ModelState{
		AgentID:            agentID,
		Patterns:           make(map[string]PatternState),
		PredictionOutcomes: make(map[string]OutcomeTally),
	}
}

// Update runs a read-modify-write cycle against s. Stores implementing Updater
// serialize concurrent cycles for the same agent.
func Update(ctx context.Context, s Store, agentID string, fn func(*ModelState)) error {
	if u, ok := s.(Updater); ok {
		return u.Update(ctx, agentID, fn)
	}
	return update(ctx, s, agentID, fn)
}

func update(ctx context.Context, s Store, agentID string, fn func(*ModelState)) error {
	state, err := s.Load(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		state = NewModelState(agentID)
	} else if err != nil {
		return fmt.Errorf("load model state: %w", err)
	}
	fn(state)
	state.AgentID = agentID
	state.SavedAt = time.Now().UTC()
	if err := s.Save(ctx, agentID, state); err != nil {
		return fmt.Errorf("save model state: %w", err)
	}
	return nil
}

// guard serializes Update cycles per agent id for the embedding store.
type guard struct {
	locks *lock.KeyedMutex
}

func newGuard() guard {
	return guard{locks: lock.NewKeyedMutex()}
}

func (g guard) run(ctx context.Context, s Store, agentID string, fn func(*ModelState)) error {
	return g.locks.Do(agentID, func() error {
		return update(ctx, s, agentID, fn)
	})
}

// Open builds the store selected by cfg.
func Open(cfg model.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Path), nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Close releases resources held by s, if any.
func Close(s Store) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
