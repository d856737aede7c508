package status

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/uds"
)

const validWorkflow = `schema_version: 1
file_type: workflow_definition
workflows:
  - id: ship
    name: Ship
    capabilities: [ship]
    entry_point: go
    steps:
      go:
        type: action
`

func TestCheckWorkflowFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "ship.yaml"), []byte(validWorkflow), 0644)
	os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("schema_version: 1\nworkflows: []\n"), 0644)
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)
	os.WriteFile(filepath.Join(dir, ".hidden.yaml"), []byte(":::"), 0644)

	files := checkWorkflowFiles(dir)
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d: %+v", len(files), files)
	}
	if files[0].Name != "bad.yaml" || files[0].Error == "" {
		t.Errorf("bad.yaml should report an error, got %+v", files[0])
	}
	if files[1].Name != "ship.yaml" || files[1].Error != "" {
		t.Errorf("ship.yaml should be valid, got %+v", files[1])
	}
	if len(files[1].Workflows) != 1 || files[1].Workflows[0] != "ship" {
		t.Errorf("ship.yaml workflows: got %v", files[1].Workflows)
	}
}

func TestCheckWorkflowFiles_NoDir(t *testing.T) {
	if files := checkWorkflowFiles(filepath.Join(t.TempDir(), "missing")); files != nil {
		t.Errorf("expected nil for missing dir, got %v", files)
	}
}

func TestCheckDaemon_NotRunning(t *testing.T) {
	dir := t.TempDir()
	st := checkDaemon(filepath.Join(dir, "none.sock"), filepath.Join(dir, "none.lock"))
	if st.Running {
		t.Error("expected daemon not running")
	}
	if st.Pid != 0 {
		t.Errorf("pid: got %d", st.Pid)
	}
}

func TestCheckDaemon_Running(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "a.sock")
	lockPath := filepath.Join(dir, "a.lock")
	os.WriteFile(lockPath, []byte("4242\n"), 0600)

	srv := uds.NewServer(sock, nil)
	srv.Handle(uds.CmdPing, func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"agentId": "agent-1", "state": "running"})
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Stop()

	st := checkDaemon(sock, lockPath)
	if !st.Running || st.Pid != 4242 || st.AgentID != "agent-1" || st.State != "running" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestPathsFor(t *testing.T) {
	cfg := model.Config{
		Daemon:   model.DaemonConfig{Socket: "/run/ap.sock"},
		Workflow: model.WorkflowConfig{DefinitionsDir: "defs"},
	}
	p := PathsFor("/base", cfg)
	if p.Socket != "/run/ap.sock" {
		t.Errorf("socket: got %q", p.Socket)
	}
	if p.LockFile != "/base/autopilot.lock" {
		t.Errorf("lock: got %q", p.LockFile)
	}
	if p.Workflows != "/base/defs" {
		t.Errorf("workflows: got %q", p.Workflows)
	}
}

func TestRun_Output(t *testing.T) {
	dir := t.TempDir()
	os.Mkdir(filepath.Join(dir, "workflows"), 0755)
	os.WriteFile(filepath.Join(dir, "workflows", "ship.yaml"), []byte(validWorkflow), 0644)
	p := PathsFor(dir, model.Config{})

	var buf bytes.Buffer
	if err := Run(&buf, p, false); err != nil {
		t.Fatalf("Run: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Daemon: stopped") || !strings.Contains(out, "ship.yaml") {
		t.Errorf("unexpected output:\n%s", out)
	}

	buf.Reset()
	if err := Run(&buf, p, true); err != nil {
		t.Fatalf("Run json: %v", err)
	}
	if !strings.Contains(buf.String(), `"running": false`) {
		t.Errorf("unexpected json:\n%s", buf.String())
	}
}
