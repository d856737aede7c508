// Package status reports whether the daemon is up and whether the workflow
// definition files it would load are valid, without needing the daemon.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/msageha/autopilot/internal/lock"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/uds"
	"github.com/msageha/autopilot/internal/workflow"
)

type Report struct {
	Daemon    DaemonStatus         `json:"daemon"`
	Workflows []WorkflowFileStatus `json:"workflows,omitempty"`
}

type DaemonStatus struct {
	Running bool   `json:"running"`
	Pid     int    `json:"pid,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	State   string `json:"state,omitempty"`
}

type WorkflowFileStatus struct {
	Name      string   `json:"name"`
	Workflows []string `json:"workflows,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Paths locates the files a status check inspects.
type Paths struct {
	Socket    string
	LockFile  string
	Workflows string
}

// PathsFor resolves the status paths for an autopilot directory.
func PathsFor(dir string, cfg model.Config) Paths {
	join := func(p, fallback string) string {
		if p == "" {
			p = fallback
		}
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	return Paths{
		Socket:    join(cfg.Daemon.Socket, uds.DefaultSocketName),
		LockFile:  join(cfg.Daemon.LockFile, "autopilot.lock"),
		Workflows: join(cfg.Workflow.DefinitionsDir, "workflows"),
	}
}

// Run checks the status and prints it to w.
func Run(w io.Writer, p Paths, jsonOutput bool) error {
	report := Check(p)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(w, report)
	return nil
}

func Check(p Paths) Report {
	return Report{
		Daemon:    checkDaemon(p.Socket, p.LockFile),
		Workflows: checkWorkflowFiles(p.Workflows),
	}
}

func checkDaemon(sockPath, lockPath string) DaemonStatus {
	var st DaemonStatus
	if pid, err := lock.ReadPID(lockPath); err == nil {
		st.Pid = pid
	}

	client := uds.NewClient(sockPath)
	var ping map[string]string
	if err := client.Call(uds.CmdPing, nil, &ping); err != nil {
		return st
	}
	st.Running = true
	st.AgentID = ping["agentId"]
	st.State = ping["state"]
	return st
}

// checkWorkflowFiles parses each definition file on its own so one bad file
// does not hide the others.
func checkWorkflowFiles(dir string) []WorkflowFileStatus {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var files []WorkflowFileStatus
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") ||
			!(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		fs := WorkflowFileStatus{Name: name}
		defs, err := workflow.LoadFile(filepath.Join(dir, name))
		if err != nil {
			fs.Error = err.Error()
		}
		for _, d := range defs {
			fs.Workflows = append(fs.Workflows, d.ID)
		}
		files = append(files, fs)
	}
	return files
}

func printReport(w io.Writer, r Report) {
	switch {
	case r.Daemon.Running:
		fmt.Fprintf(w, "Daemon: running (pid=%d agent=%s state=%s)\n", r.Daemon.Pid, r.Daemon.AgentID, r.Daemon.State)
	case r.Daemon.Pid > 0:
		fmt.Fprintf(w, "Daemon: not responding (lock held by pid=%d)\n", r.Daemon.Pid)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
	}

	if len(r.Workflows) == 0 {
		fmt.Fprintln(w, "\nWorkflows: none")
		return
	}
	fmt.Fprintln(w, "\nWorkflows:")
	for _, f := range r.Workflows {
		if f.Error != "" {
			fmt.Fprintf(w, "  %-24s  INVALID  %s\n", f.Name, f.Error)
			continue
		}
		fmt.Fprintf(w, "  %-24s  ok       %s\n", f.Name, strings.Join(f.Workflows, ", "))
	}
}
