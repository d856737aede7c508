package learning

import (
	"sort"
	"time"

	"github.com/msageha/autopilot/internal/model"
)

// minCorrelationSamples is the sample size a field must exceed before it is reported.
const minCorrelationSamples = 5

// Sequence is one action directly followed by another from the same user.
type Sequence struct {
	UserID string        `json:"userId"`
	From   string        `json:"from"`
	To     string        `json:"to"`
	Gap    time.Duration `json:"gap"`
}

// Correlation is the success fraction of interactions carrying a context field.
type Correlation struct {
	Field       string  `json:"field"`
	SuccessRate float64 `json:"successRate"`
	SampleSize  int     `json:"sampleSize"`
}

// Analysis is the result of one AnalyzePatterns pass.
type Analysis struct {
	ActionFrequency map[string]int `json:"actionFrequency"`
	Sequences       []Sequence     `json:"sequences"`
	Correlations    []Correlation  `json:"correlations"`
}

// Empty reports whether the pass found no pattern of any kind.
func (a Analysis) Empty() bool {
	return len(a.ActionFrequency) == 0 && len(a.Sequences) == 0 && len(a.Correlations) == 0
}

// AnalyzePatterns derives frequency, sequence and correlation patterns from a
// window of interactions. Input order is not required to be chronological.
func (m *Model) AnalyzePatterns(interactions []model.UserInteraction) Analysis {
	a := Analysis{ActionFrequency: make(map[string]int)}
	if len(interactions) == 0 {
		return a
	}

	for _, i := range interactions {
		a.ActionFrequency[i.Action]++
	}

	sorted := make([]model.UserInteraction, len(interactions))
	copy(sorted, interactions)
	sort.SliceStable(sorted, func(x, y int) bool {
		return sorted[x].Timestamp.Before(sorted[y].Timestamp)
	})
	last := make(map[string]model.UserInteraction)
	for _, i := range sorted {
		if prev, ok := last[i.UserID]; ok {
			gap := i.Timestamp.Sub(prev.Timestamp)
			if gap <= m.sequenceWindow {
				a.Sequences = append(a.Sequences, Sequence{UserID: i.UserID, From: prev.Action, To: i.Action, Gap: gap})
			}
		}
		last[i.UserID] = i
	}

	type tally struct{ total, successes int }
	fields := make(map[string]*tally)
	for _, i := range interactions {
		for field := range i.Context {
			t := fields[field]
			if t == nil {
				t = &tally{}
				fields[field] = t
			}
			t.total++
			if i.Outcome == model.OutcomeSuccess {
				t.successes++
			}
		}
	}
	for field, t := range fields {
		if t.total <= minCorrelationSamples {
			continue
		}
		a.Correlations = append(a.Correlations, Correlation{
			Field:       field,
			SuccessRate: float64(t.successes) / float64(t.total),
			SampleSize:  t.total,
		})
	}
	sort.Slice(a.Correlations, func(x, y int) bool { return a.Correlations[x].Field < a.Correlations[y].Field })
	return a
}
