package learning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/store"
)

// PatternData aggregates every interaction sharing an action and context hash.
type PatternData struct {
	Action          string
	ContextHash     string
	Count           int
	Successes       int
	Failures        int
	AvgFeedback     float64
	FeedbackSamples int
	LastSeen        time.Time
	// SubPatterns buckets outcomes by "field=value" of the context fields seen.
	SubPatterns map[string]map[model.Outcome]int
}

func (p *PatternData) SuccessRate() float64 {
	if p.Count == 0 {
		return 0
	}
	return float64(p.Successes) / float64(p.Count)
}

func (p *PatternData) observe(i model.UserInteraction) {
	p.Count++
	switch i.Outcome {
	case model.OutcomeSuccess:
		p.Successes++
	case model.OutcomeFailure:
		p.Failures++
	}
	if i.Feedback != nil {
		p.FeedbackSamples++
		n := float64(p.FeedbackSamples)
		p.AvgFeedback = (p.AvgFeedback*(n-1) + *i.Feedback) / n
	}
	if i.Timestamp.After(p.LastSeen) {
		p.LastSeen = i.Timestamp
	}
	for field, value := range i.Context {
		key := fmt.Sprintf("%s=%v", field, value)
		bucket := p.SubPatterns[key]
		if bucket == nil {
			bucket = make(map[model.Outcome]int)
			p.SubPatterns[key] = bucket
		}
		bucket[i.Outcome]++
	}
}

func (p *PatternData) clone() *PatternData {
	c := *p
	c.SubPatterns = make(map[string]map[model.Outcome]int, len(p.SubPatterns))
	for k, bucket := range p.SubPatterns {
		b := make(map[model.Outcome]int, len(bucket))
		for o, n := range bucket {
			b[o] = n
		}
		c.SubPatterns[k] = b
	}
	return &c
}

func (p *PatternData) state() store.PatternState {
	c := p.clone()
	return store.PatternState{
		Action:          c.Action,
		ContextHash:     c.ContextHash,
		Count:           c.Count,
		Successes:       c.Successes,
		Failures:        c.Failures,
		AvgFeedback:     c.AvgFeedback,
		FeedbackSamples: c.FeedbackSamples,
		LastSeen:        c.LastSeen,
		SubPatterns:     c.SubPatterns,
	}
}

func patternFromState(s store.PatternState) *PatternData {
	p := &PatternData{
		Action:          s.Action,
		ContextHash:     s.ContextHash,
		Count:           s.Count,
		Successes:       s.Successes,
		Failures:        s.Failures,
		AvgFeedback:     s.AvgFeedback,
		FeedbackSamples: s.FeedbackSamples,
		LastSeen:        s.LastSeen,
		SubPatterns:     s.SubPatterns,
	}
	if p.SubPatterns == nil {
		p.SubPatterns = make(map[string]map[model.Outcome]int)
	}
	return p.clone()
}

// PatternKey joins an action and a context hash.
func PatternKey(action, contextHash string) string {
	return action + ":" + contextHash
}

// ContextHash fingerprints a context map independent of key order.
func ContextHash(ctx map[string]any) string {
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, ctx[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:6])
}
