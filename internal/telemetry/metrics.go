// Package telemetry exposes autopilot's Prometheus metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autopilot"

var (
	// interactionsTrained counts interactions folded into the learning model.
	// Labels: outcome (success, failure, partial)
	interactionsTrained = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "learning",
		Name:      "interactions_total",
		Help:      "Interactions trained into the learning model",
	}, []string{"outcome"})

	// predictionConfidence tracks the distribution of prediction confidences.
	predictionConfidence = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "learning",
		Name:      "prediction_confidence",
		Help:      "Distribution of prediction confidence scores",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0},
	})

	// decisions counts decisions by risk level and verdict.
	// Labels: risk (low, medium, high, critical), verdict (execute, escalate)
	decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decision",
		Name:      "decisions_total",
		Help:      "Decisions made by risk level and verdict",
	}, []string{"risk", "verdict"})

	// workflowExecutions counts workflow runs.
	// Labels: workflow (definition id, "direct" for fallback), status (completed, failed)
	workflowExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "executions_total",
		Help:      "Workflow executions by workflow and final status",
	}, []string{"workflow", "status"})

	workflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "execution_duration_seconds",
		Help:      "Workflow execution latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"workflow"})

	// actions counts PredictAndExecute outcomes.
	// Labels: result (executed, approval_required, failed, rejected)
	actions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "actions_total",
		Help:      "Business actions handled by the agent by result",
	}, []string{"result"})

	autonomyLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "autonomy_score",
		Help:      "Current autonomy score of the agent",
	}, []string{"agent"})

	learningRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "agent",
		Name:      "learning_rate",
		Help:      "Current learning rate of the agent",
	}, []string{"agent"})

	// controlRequests counts commands served on the control socket.
	// Labels: command, code (ok or the error code returned)
	controlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "requests_total",
		Help:      "Control socket requests by command and result code",
	}, []string{"command", "code"})

	controlLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "control",
		Name:      "request_duration_seconds",
		Help:      "Control socket request latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"command"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because a subscriber buffer was full",
	})
)

// Result labels for RecordAction.
const (
	ActionExecuted         = "executed"
	ActionApprovalRequired = "approval_required"
	ActionFailed           = "failed"
	ActionRejected         = "rejected"
)

func RecordInteraction(outcome string) {
	interactionsTrained.WithLabelValues(outcome).Inc()
}

func RecordPrediction(confidence float64) {
	predictionConfidence.Observe(confidence)
}

func RecordDecision(risk string, canExecute bool) {
	verdict := "escalate"
	if canExecute {
		verdict = "execute"
	}
	decisions.WithLabelValues(risk, verdict).Inc()
}

// RecordWorkflowExecution records one finished run of workflowID.
func RecordWorkflowExecution(workflowID, status string, durationSec float64) {
	workflowExecutions.WithLabelValues(workflowID, status).Inc()
	workflowDuration.WithLabelValues(workflowID).Observe(durationSec)
}

func RecordAction(result string) {
	actions.WithLabelValues(result).Inc()
}

func SetAgentTuning(agentID string, autonomyScore, rate float64) {
	autonomyLevel.WithLabelValues(agentID).Set(autonomyScore)
	learningRate.WithLabelValues(agentID).Set(rate)
}

// RecordControlRequest records one served control command. code is "ok"
// for successful responses.
func RecordControlRequest(command, code string, elapsed time.Duration) {
	controlRequests.WithLabelValues(command, code).Inc()
	controlLatency.WithLabelValues(command).Observe(elapsed.Seconds())
}

func AddEventsDropped(n int64) {
	if n > 0 {
		eventsDropped.Add(float64(n))
	}
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
