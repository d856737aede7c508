// Package model defines autopilot's configuration and the records exchanged between the
// learning, decision and workflow components.
package model

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"
)

type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Decision DecisionConfig `yaml:"decision"`
	Learning LearningConfig `yaml:"learning"`
	Tuning   TuningConfig   `yaml:"tuning"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Events   EventsConfig   `yaml:"events"`
	Store    StoreConfig    `yaml:"store"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Notify   NotifyConfig   `yaml:"notify"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AgentConfig struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Capabilities  []string      `yaml:"capabilities"`
	LearningRate  float64       `yaml:"learning_rate"`
	AutonomyLevel AutonomyLevel `yaml:"autonomy_level"`
	Domains       []string      `yaml:"domains"`
}

type DecisionConfig struct {
	ConfidenceThreshold float64   `yaml:"confidence_threshold"`
	RiskTolerance       RiskLevel `yaml:"risk_tolerance"`
	HistoryCap          int       `yaml:"history_cap"`
}

type LearningConfig struct {
	HistoryCap        int `yaml:"history_cap"`
	AnalysisWindow    int `yaml:"analysis_window"`
	SequenceWindowSec int `yaml:"sequence_window_sec"`
}

type TuningConfig struct {
	IntervalSec          int     `yaml:"interval_sec"`
	AccuracyThreshold    float64 `yaml:"accuracy_threshold"`
	ConvergenceThreshold float64 `yaml:"convergence_threshold"`
	LearningRateDecay    float64 `yaml:"learning_rate_decay"`
	MinLearningRate      float64 `yaml:"min_learning_rate"`
}

type WorkflowConfig struct {
	DefinitionsDir      string `yaml:"definitions_dir"`
	Watch               bool   `yaml:"watch"`
	ExecutionTimeoutSec int    `yaml:"execution_timeout_sec"`
	MaxTransitions      int    `yaml:"max_transitions"`
}

type EventsConfig struct {
	BufferSize    int    `yaml:"buffer_size"`
	AuditLog      string `yaml:"audit_log"`
	AuditMaxBytes int64  `yaml:"audit_max_bytes"`
	AuditChecksum bool   `yaml:"audit_checksum"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory, file, sqlite
	Path   string `yaml:"path"`
}

type DaemonConfig struct {
	Socket             string `yaml:"socket"`
	LockFile           string `yaml:"lock_file"`
	MetricsAddr        string `yaml:"metrics_addr"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	MaxConnections     int    `yaml:"max_connections"`
}

type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

const (
	DefaultConfidenceThreshold = 0.85
	DefaultDecisionHistoryCap  = 1000
	DefaultInteractionCap      = 10000
	DefaultAnalysisWindow      = 100
	DefaultSequenceWindowSec   = 300
	DefaultTuningIntervalSec   = 300
	DefaultExecutionTimeoutSec = 30
	DefaultMaxTransitions      = 1000
	DefaultEventBufferSize     = 100
)

// LoadConfig reads a YAML config file and fills unset fields with defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Agent.Name == "" {
		c.Agent.Name = "autopilot"
	}
	if c.Agent.ID == "" {
		c.Agent.ID = NewAgentID()
	}
	if c.Agent.LearningRate == 0 {
		c.Agent.LearningRate = 0.1
	}
	if c.Agent.AutonomyLevel == "" {
		c.Agent.AutonomyLevel = AutonomySupervised
	}
	if c.Decision.ConfidenceThreshold == 0 {
		c.Decision.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.Decision.RiskTolerance == "" {
		c.Decision.RiskTolerance = RiskMedium
	}
	if c.Decision.HistoryCap <= 0 {
		c.Decision.HistoryCap = DefaultDecisionHistoryCap
	}
	if c.Learning.HistoryCap <= 0 {
		c.Learning.HistoryCap = DefaultInteractionCap
	}
	if c.Learning.AnalysisWindow <= 0 {
		c.Learning.AnalysisWindow = DefaultAnalysisWindow
	}
	if c.Learning.SequenceWindowSec <= 0 {
		c.Learning.SequenceWindowSec = DefaultSequenceWindowSec
	}
	if c.Tuning.IntervalSec <= 0 {
		c.Tuning.IntervalSec = DefaultTuningIntervalSec
	}
	if c.Tuning.AccuracyThreshold == 0 {
		c.Tuning.AccuracyThreshold = 0.95
	}
	if c.Tuning.ConvergenceThreshold == 0 {
		c.Tuning.ConvergenceThreshold = 0.1
	}
	if c.Tuning.LearningRateDecay == 0 {
		c.Tuning.LearningRateDecay = 0.9
	}
	if c.Tuning.MinLearningRate == 0 {
		c.Tuning.MinLearningRate = 0.001
	}
	if c.Workflow.ExecutionTimeoutSec <= 0 {
		c.Workflow.ExecutionTimeoutSec = DefaultExecutionTimeoutSec
	}
	if c.Workflow.MaxTransitions <= 0 {
		c.Workflow.MaxTransitions = DefaultMaxTransitions
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = DefaultEventBufferSize
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Daemon.Socket == "" {
		c.Daemon.Socket = "autopilot.sock"
	}
	if c.Daemon.LockFile == "" {
		c.Daemon.LockFile = "autopilot.lock"
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.MaxConnections <= 0 {
		c.Daemon.MaxConnections = 64
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if err := ValidateAgentID(c.Agent.ID); err != nil {
		return fmt.Errorf("agent.id: %w", err)
	}
	if c.Agent.LearningRate < 0 || c.Agent.LearningRate > 1 {
		return fmt.Errorf("agent.learning_rate must be within [0,1], got %v", c.Agent.LearningRate)
	}
	if !c.Agent.AutonomyLevel.Valid() {
		return fmt.Errorf("agent.autonomy_level: unknown level %q", c.Agent.AutonomyLevel)
	}
	if c.Decision.ConfidenceThreshold < 0 || c.Decision.ConfidenceThreshold > 1 {
		return fmt.Errorf("decision.confidence_threshold must be within [0,1], got %v", c.Decision.ConfidenceThreshold)
	}
	switch c.Decision.RiskTolerance {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("decision.risk_tolerance: unknown value %q", c.Decision.RiskTolerance)
	}
	switch c.Store.Driver {
	case "memory":
	case "file", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver)
	}
	return nil
}
