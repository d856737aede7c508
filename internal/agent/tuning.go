package agent

import (
	"context"
	"time"

	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/telemetry"
)

func withTuningDefaults(t model.TuningConfig) model.TuningConfig {
	if t.IntervalSec <= 0 {
		t.IntervalSec = model.DefaultTuningIntervalSec
	}
	if t.AccuracyThreshold <= 0 {
		t.AccuracyThreshold = 0.95
	}
	if t.ConvergenceThreshold <= 0 {
		t.ConvergenceThreshold = 0.1
	}
	if t.LearningRateDecay <= 0 || t.LearningRateDecay >= 1 {
		t.LearningRateDecay = 0.9
	}
	if t.MinLearningRate <= 0 {
		t.MinLearningRate = 0.001
	}
	return t
}

// TuningReport describes one self-tuning pass.
type TuningReport struct {
	Analyzed        int                 `json:"analyzed"`
	Accuracy        float64             `json:"accuracy"`
	AccuracyKnown   bool                `json:"accuracyKnown"`
	ConvergenceRate float64             `json:"convergenceRate"`
	Promoted        bool                `json:"promoted"`
	AutonomyLevel   model.AutonomyLevel `json:"autonomyLevel"`
	LearningRate    float64             `json:"learningRate"`
}

// tuningLoop runs SelfTune on every tick and closes done when ctx ends.
func (a *AutonomousAgent) tuningLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Duration(a.tuning.IntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.SelfTune()
		}
	}
}

// SelfTune analyzes recent interactions, feeds the result to the workflow
// engine and adjusts autonomy and learning rate. Autonomy only ever moves from
// supervised to semi-autonomous.
func (a *AutonomousAgent) SelfTune() TuningReport {
	recent := a.recentInteractions(a.analysisWindow)
	analysis := a.learning.AnalyzePatterns(recent)
	if !analysis.Empty() {
		a.workflows.OptimizePatterns(analysis)
	}

	accuracy, known := a.decisions.Accuracy()
	convergence := a.learning.ConvergenceRate()

	report := TuningReport{
		Analyzed:        len(recent),
		Accuracy:        accuracy,
		AccuracyKnown:   known,
		ConvergenceRate: convergence,
	}

	a.cfgMu.Lock()
	if known && accuracy > a.tuning.AccuracyThreshold && a.cfg.AutonomyLevel == model.AutonomySupervised {
		a.cfg.AutonomyLevel = model.AutonomySemiAutonomous
		report.Promoted = true
	}
	rateChanged := false
	if convergence < a.tuning.ConvergenceThreshold {
		rate := a.cfg.LearningRate * a.tuning.LearningRateDecay
		if rate < a.tuning.MinLearningRate {
			rate = a.tuning.MinLearningRate
		}
		rateChanged = rate != a.cfg.LearningRate
		a.cfg.LearningRate = rate
	}
	report.AutonomyLevel = a.cfg.AutonomyLevel
	report.LearningRate = a.cfg.LearningRate
	id := a.cfg.ID
	a.cfgMu.Unlock()

	if rateChanged {
		a.learning.SetLearningRate(report.LearningRate)
	}
	telemetry.SetAgentTuning(id, report.AutonomyLevel.Score(), report.LearningRate)

	if report.Promoted {
		a.logger.Infof("agent %s promoted to %s accuracy=%.3f", id, report.AutonomyLevel, accuracy)
	}
	a.logger.Debugf("tuning agent=%s analyzed=%d accuracy=%.3f convergence=%.3f rate=%.4f",
		id, report.Analyzed, accuracy, convergence, report.LearningRate)
	return report
}
