package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/setup"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "autopilot "+version+"\n", out)
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "init", dir, "--name", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, setup.DirName)

	cfg, err := model.LoadConfig(filepath.Join(dir, setup.DirName, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "ops", cfg.Agent.Name)

	_, err = execute(t, "init", dir)
	assert.Error(t, err, "second init must not overwrite")
}

func TestClientCommands_NoDaemon(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "init", dir)
	require.NoError(t, err)

	_, err = execute(t, "--dir", filepath.Join(dir, setup.DirName), "metrics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Is the daemon running?")
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "init", dir)
	require.NoError(t, err)

	out, err := execute(t, "--dir", filepath.Join(dir, setup.DirName), "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Daemon: stopped")
	assert.Contains(t, out, "orders.yaml")
}

func TestAutopilotDir_NotFound(t *testing.T) {
	g := &globals{}
	wd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(wd) })
	require.NoError(t, os.Chdir(t.TempDir()))

	_, err = g.autopilotDir()
	assert.Error(t, err)
}

func TestBuildAction(t *testing.T) {
	a, err := buildAction("process-order", `{"total": 42}`, 2, "2030-01-02T03:04:05Z")
	require.NoError(t, err)
	assert.Equal(t, "process-order", a.Type)
	assert.Equal(t, 2, a.Priority)
	assert.Equal(t, float64(42), a.Data["total"])
	require.NotNil(t, a.Deadline)
	assert.Equal(t, 2030, a.Deadline.Year())

	_, err = buildAction("", "", 0, "")
	assert.Error(t, err)
	_, err = buildAction("x", "[1,2]", 0, "")
	assert.Error(t, err)
	_, err = buildAction("x", "", 0, "tomorrow")
	assert.Error(t, err)
}

func TestBuildInteraction(t *testing.T) {
	fb := 0.5
	i, err := buildInteraction("ship", "partial", `{"carrier": "dhl"}`, "u-1", &fb)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomePartial, i.Outcome)
	assert.Equal(t, "dhl", i.Context["carrier"])
	assert.Equal(t, &fb, i.Feedback)

	_, err = buildInteraction("ship", "maybe", "", "", nil)
	assert.Error(t, err)
}
