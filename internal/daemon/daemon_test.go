package daemon

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/autopilot/internal/agent"
	"github.com/msageha/autopilot/internal/events"
	"github.com/msageha/autopilot/internal/lock"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/uds"
)

const invoiceWorkflow = `schema_version: 1
file_type: workflow_definition
workflows:
  - id: invoice-approval
    name: Invoice approval
    capabilities: [invoice]
    entry_point: check
    steps:
      check:
        type: conditional
        config:
          field: amount
          operator: greater
          value: 1000
        conditions:
          - field: result
            operator: equals
            value: true
            next_step: escalate
        next_steps: [approve]
      escalate:
        type: decision
        config:
          decision: escalate
      approve:
        type: action
        config:
          approved: true
`

func testConfig() model.Config {
	return model.Config{
		Agent: model.AgentConfig{
			ID:            "agent-1",
			AutonomyLevel: model.AutonomyFullyAutonomous,
		},
		Decision: model.DecisionConfig{ConfidenceThreshold: 0.1},
		Store:    model.StoreConfig{Driver: "file", Path: "state"},
		Daemon:   model.DaemonConfig{ShutdownTimeoutSec: 5},
		Logging:  model.LoggingConfig{Level: "debug"},
	}
}

func TestNewDaemon(t *testing.T) {
	var buf bytes.Buffer
	d, err := newDaemon("/tmp/test-autopilot", testConfig(), &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.dir != "/tmp/test-autopilot" {
		t.Errorf("dir: got %q, want %q", d.dir, "/tmp/test-autopilot")
	}
	if got := d.SocketPath(); got != "/tmp/test-autopilot/autopilot.sock" {
		t.Errorf("SocketPath: got %q", got)
	}
	if d.config.Workflow.MaxTransitions != model.DefaultMaxTransitions {
		t.Errorf("defaults not applied: max_transitions=%d", d.config.Workflow.MaxTransitions)
	}
}

func TestNewDaemon_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store = model.StoreConfig{Driver: "postgres"}
	if _, err := newDaemon(t.TempDir(), cfg, &bytes.Buffer{}, nil); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestNew_CreatesLogDir(t *testing.T) {
	dir := t.TempDir()
	d, err := New(dir, testConfig())
	require.NoError(t, err)
	defer d.Shutdown()

	_, err = os.Stat(filepath.Join(dir, "logs", "daemon.log"))
	assert.NoError(t, err)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		configured, fallback, want string
	}{
		{"", "logs/audit.jsonl", "/base/logs/audit.jsonl"},
		{"state", "", "/base/state"},
		{"/var/run/a.sock", "x", "/var/run/a.sock"},
	}
	for _, tt := range tests {
		if got := resolve("/base", tt.configured, tt.fallback); got != tt.want {
			t.Errorf("resolve(%q, %q) = %q, want %q", tt.configured, tt.fallback, got, tt.want)
		}
	}
}

func TestDaemonShutdownIdempotent(t *testing.T) {
	var buf bytes.Buffer
	d, err := newDaemon(t.TempDir(), testConfig(), &buf, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.Shutdown()
	d.Shutdown()

	if !strings.Contains(buf.String(), "daemon stopped") {
		t.Errorf("expected shutdown log, got %q", buf.String())
	}
}

func TestReportDropped(t *testing.T) {
	var buf bytes.Buffer
	d, err := newDaemon(t.TempDir(), testConfig(), &buf, nil)
	require.NoError(t, err)
	defer d.Shutdown()

	d.reportDropped()
	assert.Zero(t, d.lastDropped)
	assert.NotContains(t, buf.String(), "dropped")
}

func TestMetricsHandler(t *testing.T) {
	d, err := newDaemon(t.TempDir(), testConfig(), &bytes.Buffer{}, nil)
	require.NoError(t, err)
	defer d.Shutdown()
	h := d.metricsHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	a, err := agent.New(d.config.Agent)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(context.Background()) }()
	d.agent = a

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autopilot_")
}

func TestLearnHandler_StoppedAgent(t *testing.T) {
	d, err := newDaemon(t.TempDir(), testConfig(), &bytes.Buffer{}, nil)
	require.NoError(t, err)
	defer d.Shutdown()

	a, err := agent.New(d.config.Agent)
	require.NoError(t, err)
	d.agent = a

	req, err := uds.NewRequest(uds.CmdLearn, uds.LearnParams{Interaction: model.UserInteraction{
		Action:  "ship-order",
		Outcome: model.OutcomeSuccess,
	}})
	require.NoError(t, err)
	resp := d.handleLearn(context.Background(), req)
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, uds.ErrCodeNotActive, resp.Error.Code)
	assert.Zero(t, a.InteractionCount())
}

// startDaemon runs a daemon in dir and waits until its socket answers.
func startDaemon(t *testing.T, dir string, cfg model.Config) (*Daemon, *uds.Client, <-chan error) {
	t.Helper()
	var buf bytes.Buffer
	d, err := newDaemon(dir, cfg, &buf, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	client := uds.NewClient(d.SocketPath())
	client.SetTimeout(2 * time.Second)
	require.Eventually(t, func() bool {
		_, err := client.SendCommand(uds.CmdPing, nil)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "daemon did not come up")
	return d, client, done
}

func stopDaemon(t *testing.T, client *uds.Client, done <-chan error) {
	t.Helper()
	require.NoError(t, client.Call(uds.CmdShutdown, nil, nil))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestRun_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, DefaultWorkflowDir), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultWorkflowDir, "invoice.yaml"), []byte(invoiceWorkflow), 0644))

	_, client, done := startDaemon(t, dir, testConfig())

	var ping map[string]string
	require.NoError(t, client.Call(uds.CmdPing, nil, &ping))
	assert.Equal(t, "agent-1", ping["agentId"])
	assert.Equal(t, string(model.AgentStateRunning), ping["state"])

	var res model.ExecutionResult
	require.NoError(t, client.Call(uds.CmdPredict, uds.PredictParams{Action: model.BusinessAction{
		Type: "process-invoice",
		Data: map[string]any{"amount": 50},
	}}, &res))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, true, res.Data["approved"])
	require.NotEmpty(t, res.DecisionID)

	require.NoError(t, client.Call(uds.CmdDecisionOutcome, uds.DecisionOutcomeParams{
		DecisionID:    res.DecisionID,
		WasCorrect:    true,
		ActualOutcome: "paid",
	}, nil))
	err := client.Call(uds.CmdDecisionOutcome, uds.DecisionOutcomeParams{DecisionID: "missing"}, nil)
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeNotFound, detail.Code)

	require.NoError(t, client.Call(uds.CmdLearn, uds.LearnParams{Interaction: model.UserInteraction{
		Action:  "review-invoice",
		Outcome: model.OutcomeSuccess,
	}}, nil))
	err = client.Call(uds.CmdLearn, uds.LearnParams{}, nil)
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)

	err = client.Call(uds.CmdPredict, uds.PredictParams{}, nil)
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeValidation, detail.Code)

	var metrics map[string]any
	require.NoError(t, client.Call(uds.CmdMetrics, nil, &metrics))
	assert.Contains(t, metrics, "learning")
	assert.Contains(t, metrics, "events")
	assert.EqualValues(t, 2, metrics["interactions"])

	var wf WorkflowsResponse
	require.NoError(t, client.Call(uds.CmdWorkflows, nil, &wf))
	require.Len(t, wf.Workflows, 1)
	assert.Equal(t, "invoice-approval", wf.Workflows[0].ID)
	assert.Equal(t, 3, wf.Workflows[0].Steps)
	require.NotNil(t, wf.Workflows[0].Metrics)
	assert.Equal(t, 1, wf.Workflows[0].Metrics.SuccessfulExecutions)

	stopDaemon(t, client, done)

	_, err = os.Stat(filepath.Join(dir, "state", "agent-1.yaml"))
	assert.NoError(t, err, "model state persisted on shutdown")
	_, err = os.Stat(filepath.Join(dir, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err), "socket removed")

	total, valid, err := events.VerifyLogIntegrity(filepath.Join(dir, DefaultAuditLog))
	require.NoError(t, err)
	assert.Positive(t, total)
	assert.Equal(t, total, valid)
}

func TestRun_RestoresStateAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	_, client, done := startDaemon(t, dir, cfg)
	for i := 0; i < 3; i++ {
		require.NoError(t, client.Call(uds.CmdLearn, uds.LearnParams{Interaction: model.UserInteraction{
			Action:  "ship-order",
			Outcome: model.OutcomeSuccess,
		}}, nil))
	}
	stopDaemon(t, client, done)

	d, client, done := startDaemon(t, dir, cfg)
	pred := d.Agent().Predict(context.Background(), "ship-order")
	assert.Positive(t, pred.Confidence)
	assert.Equal(t, model.OutcomeSuccess, pred.ExpectedOutcome)
	stopDaemon(t, client, done)
}

func TestRun_SecondInstanceFailsLock(t *testing.T) {
	dir := t.TempDir()
	_, client, done := startDaemon(t, dir, testConfig())

	second, err := newDaemon(dir, testConfig(), &bytes.Buffer{}, nil)
	require.NoError(t, err)
	err = second.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon lock")
	assert.ErrorIs(t, err, lock.ErrLocked)

	_, err = client.SendCommand(uds.CmdPing, nil)
	assert.NoError(t, err, "first daemon keeps its socket")
	stopDaemon(t, client, done)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	d, err := newDaemon(dir, testConfig(), &bytes.Buffer{}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	client := uds.NewClient(d.SocketPath())
	require.Eventually(t, func() bool {
		_, err := client.SendCommand(uds.CmdPing, nil)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.Equal(t, model.AgentStateStopped, d.Agent().State())
}
