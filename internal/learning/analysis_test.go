package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/autopilot/internal/model"
)

func TestAnalyzePatterns_Empty(t *testing.T) {
	a := New("agent-1").AnalyzePatterns(nil)
	assert.True(t, a.Empty())
}

func TestAnalyzePatterns_Frequency(t *testing.T) {
	m := New("agent-1")
	a := m.AnalyzePatterns([]model.UserInteraction{
		{UserID: "u1", Action: "view", Timestamp: t0},
		{UserID: "u2", Action: "view", Timestamp: t0},
		{UserID: "u3", Action: "buy", Timestamp: t0},
	})
	assert.Equal(t, map[string]int{"view": 2, "buy": 1}, a.ActionFrequency)
	assert.False(t, a.Empty())
}

func TestAnalyzePatterns_Sequences(t *testing.T) {
	m := New("agent-1")
	a := m.AnalyzePatterns([]model.UserInteraction{
		{UserID: "u1", Action: "view", Timestamp: t0},
		{UserID: "u2", Action: "view", Timestamp: t0.Add(10 * time.Second)},
		{UserID: "u1", Action: "cart", Timestamp: t0.Add(2 * time.Minute)},
		{UserID: "u1", Action: "buy", Timestamp: t0.Add(2*time.Minute + 5*time.Minute)},
		{UserID: "u1", Action: "review", Timestamp: t0.Add(20 * time.Minute)},
	})

	require.Len(t, a.Sequences, 2)
	assert.Equal(t, Sequence{UserID: "u1", From: "view", To: "cart", Gap: 2 * time.Minute}, a.Sequences[0])
	assert.Equal(t, Sequence{UserID: "u1", From: "cart", To: "buy", Gap: 5 * time.Minute}, a.Sequences[1])
}

func TestAnalyzePatterns_SequenceWindowOption(t *testing.T) {
	m := New("agent-1", WithSequenceWindow(30*time.Second))
	a := m.AnalyzePatterns([]model.UserInteraction{
		{UserID: "u1", Action: "view", Timestamp: t0},
		{UserID: "u1", Action: "cart", Timestamp: t0.Add(time.Minute)},
	})
	assert.Empty(t, a.Sequences)
}

func TestAnalyzePatterns_Correlations(t *testing.T) {
	var interactions []model.UserInteraction
	for i := 0; i < 6; i++ {
		outcome := model.OutcomeSuccess
		if i%3 == 0 {
			outcome = model.OutcomeFailure
		}
		interactions = append(interactions, model.UserInteraction{
			UserID: "u1", Action: "buy", Outcome: outcome, Timestamp: t0,
			Context: map[string]any{"coupon": true},
		})
	}
	// Five samples is not enough to report.
	for i := 0; i < 5; i++ {
		interactions = append(interactions, model.UserInteraction{
			UserID: "u2", Action: "buy", Outcome: model.OutcomeSuccess, Timestamp: t0,
			Context: map[string]any{"referral": "ad"},
		})
	}

	a := New("agent-1").AnalyzePatterns(interactions)
	require.Len(t, a.Correlations, 1)
	assert.Equal(t, "coupon", a.Correlations[0].Field)
	assert.Equal(t, 6, a.Correlations[0].SampleSize)
	assert.InDelta(t, 4.0/6.0, a.Correlations[0].SuccessRate, 1e-9)
}
