package telemetry

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordDecision(t *testing.T) {
	before := testutil.ToFloat64(decisions.WithLabelValues("critical", "escalate"))
	RecordDecision("critical", false)
	after := testutil.ToFloat64(decisions.WithLabelValues("critical", "escalate"))
	assert.Equal(t, before+1, after)

	before = testutil.ToFloat64(decisions.WithLabelValues("low", "execute"))
	RecordDecision("low", true)
	assert.Equal(t, before+1, testutil.ToFloat64(decisions.WithLabelValues("low", "execute")))
}

func TestRecordAction(t *testing.T) {
	before := testutil.ToFloat64(actions.WithLabelValues(ActionApprovalRequired))
	RecordAction(ActionApprovalRequired)
	RecordAction(ActionApprovalRequired)
	assert.Equal(t, before+2, testutil.ToFloat64(actions.WithLabelValues(ActionApprovalRequired)))
}

func TestRecordWorkflowExecution(t *testing.T) {
	before := testutil.ToFloat64(workflowExecutions.WithLabelValues("order-flow", "completed"))
	RecordWorkflowExecution("order-flow", "completed", 0.25)
	assert.Equal(t, before+1, testutil.ToFloat64(workflowExecutions.WithLabelValues("order-flow", "completed")))
}

func TestSetAgentTuning(t *testing.T) {
	SetAgentTuning("agent-test", 0.7, 0.09)
	assert.Equal(t, 0.7, testutil.ToFloat64(autonomyLevel.WithLabelValues("agent-test")))
	assert.Equal(t, 0.09, testutil.ToFloat64(learningRate.WithLabelValues("agent-test")))
}

func TestRecordControlRequest(t *testing.T) {
	before := testutil.ToFloat64(controlRequests.WithLabelValues("ping", "ok"))
	RecordControlRequest("ping", "ok", 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(controlRequests.WithLabelValues("ping", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(controlRequests.WithLabelValues("ping", "NOT_FOUND")))
}

func TestAddEventsDropped_IgnoresNonPositive(t *testing.T) {
	before := testutil.ToFloat64(eventsDropped)
	AddEventsDropped(0)
	AddEventsDropped(-3)
	AddEventsDropped(2)
	assert.Equal(t, before+2, testutil.ToFloat64(eventsDropped))
}

func TestHandler_ServesMetrics(t *testing.T) {
	RecordInteraction("success")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "autopilot_learning_interactions_total")
}
