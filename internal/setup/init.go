// Package setup handles autopilot project initialization.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/autopilot/internal/model"
	atomicyaml "github.com/msageha/autopilot/internal/yaml"
	"github.com/msageha/autopilot/templates"
)

// DirName is the per-project directory holding config, workflows and state.
const DirName = ".autopilot"

// Run initializes the .autopilot/ directory in projectDir. agentName overrides
// the agent name (defaults to the directory basename if empty).
func Run(projectDir, agentName string) (string, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}

	base := filepath.Join(absDir, DirName)
	if _, err := os.Stat(base); err == nil {
		return "", fmt.Errorf("%s already exists", base)
	}

	for _, d := range []string{"logs", "state", "workflows"} {
		if err := os.MkdirAll(filepath.Join(base, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, agentName)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return "", fmt.Errorf("generated config: %w", err)
	}
	if err := atomicyaml.Write(filepath.Join(base, "config.yaml"), cfg, atomicyaml.WithPerm(0600)); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}

	if err := copyWorkflows(filepath.Join(base, "workflows")); err != nil {
		return "", err
	}
	return base, nil
}

// copyWorkflows writes the embedded sample workflow definitions into dst.
func copyWorkflows(dst string) error {
	entries, err := fs.ReadDir(templates.FS, "workflows")
	if err != nil {
		return fmt.Errorf("read workflow templates: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := fs.ReadFile(templates.FS, "workflows/"+e.Name())
		if err != nil {
			return fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		if err := atomicyaml.WriteRaw(filepath.Join(dst, e.Name()), data); err != nil {
			return fmt.Errorf("write %s: %w", e.Name(), err)
		}
	}
	return nil
}

func generateConfig(projectDir, agentName string) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	if agentName != "" {
		cfg.Agent.Name = agentName
	} else {
		cfg.Agent.Name = filepath.Base(projectDir)
	}
	cfg.Agent.ID = model.NewAgentID()
	cfg.ApplyDefaults()
	return &cfg, nil
}

// FindDir walks up from start looking for a .autopilot/ directory.
func FindDir(start string) (string, bool) {
	dir := start
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
