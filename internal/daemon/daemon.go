// Package daemon hosts a long-running autonomous agent behind the control
// socket, with workflow hot reload, an audit trail and a Prometheus endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/msageha/autopilot/internal/agent"
	"github.com/msageha/autopilot/internal/events"
	"github.com/msageha/autopilot/internal/lock"
	"github.com/msageha/autopilot/internal/logging"
	"github.com/msageha/autopilot/internal/model"
	"github.com/msageha/autopilot/internal/notify"
	"github.com/msageha/autopilot/internal/store"
	"github.com/msageha/autopilot/internal/telemetry"
	"github.com/msageha/autopilot/internal/uds"
	"github.com/msageha/autopilot/internal/workflow"
)

const (
	DefaultWorkflowDir = "workflows"
	DefaultAuditLog    = "logs/audit.jsonl"
	DefaultLogFile     = "logs/daemon.log"

	dropReportInterval = 10 * time.Second
)

// Daemon is the autopilot daemon process.
type Daemon struct {
	dir     string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	bus      *events.Bus
	audit    *events.AuditLogger
	store    store.Store
	agent    *agent.AutonomousAgent
	engine   *workflow.Engine
	watcher  *workflow.Watcher
	metrics  *http.Server
	ticker   *time.Ticker
	// sender overrides desktop notification delivery; nil uses notify.Send.
	sender notify.Sender

	lastDropped int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a daemon rooted at dir, logging to its log file.
func New(dir string, cfg model.Config) (*Daemon, error) {
	logPath := resolve(dir, cfg.Logging.File, DefaultLogFile)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.New(w, logging.ParseLevel(cfg.Logging.Level), "daemon")
	server := uds.NewServer(resolve(dir, cfg.Daemon.Socket, uds.DefaultSocketName), logger.With("uds"),
		uds.WithMaxConns(cfg.Daemon.MaxConnections),
		uds.WithObserver(telemetry.RecordControlRequest),
	)

	d := &Daemon{
		dir:      dir,
		config:   cfg,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(resolve(dir, cfg.Daemon.LockFile, "autopilot.lock")),
		server:   server,
		bus:      events.NewBus(cfg.Events.BufferSize),
		ticker:   time.NewTicker(dropReportInterval),
		ctx:      ctx,
		cancel:   cancel,
	}
	return d, nil
}

// resolve joins a configured path onto dir unless it is absolute.
func resolve(dir, configured, fallback string) string {
	p := configured
	if p == "" {
		p = fallback
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// SocketPath is where the control socket listens.
func (d *Daemon) SocketPath() string {
	return ResolveSocket(d.dir, d.config)
}

// ResolveSocket resolves the control socket of a daemon rooted at dir.
func ResolveSocket(dir string, cfg model.Config) string {
	return resolve(dir, cfg.Daemon.Socket, uds.DefaultSocketName)
}

// Agent is the hosted agent; nil until Run has built it.
func (d *Daemon) Agent() *agent.AutonomousAgent { return d.agent }

// Run starts the daemon and blocks until ctx ends, a signal arrives or a
// shutdown command is received. Shutdown has completed when Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.start(ctx); err != nil {
		d.Shutdown()
		return err
	}
	d.logger.Infof("daemon ready agent=%s", d.agent.ID())
	d.waitSignals(ctx)
	d.Shutdown()
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d dir=%s", os.Getpid(), d.dir)

	storeCfg := d.config.Store
	if storeCfg.Driver != "memory" {
		storeCfg.Path = resolve(d.dir, storeCfg.Path, "")
	}
	st, err := store.Open(storeCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	if err := d.attachSinks(); err != nil {
		return err
	}

	d.engine = workflow.NewEngine(
		workflow.WithLogger(d.logger.With("workflow")),
		workflow.WithMaxTransitions(d.config.Workflow.MaxTransitions),
	)
	d.watcher = workflow.NewWatcher(resolve(d.dir, d.config.Workflow.DefinitionsDir, DefaultWorkflowDir), d.engine, d.logger.With("watcher"))
	if d.config.Workflow.Watch {
		if err := d.watcher.Start(d.ctx); err != nil {
			return fmt.Errorf("watch workflows: %w", err)
		}
	} else if err := d.watcher.Reload(); err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}

	opts := append(agent.OptionsFromConfig(d.config),
		agent.WithStore(d.store),
		agent.WithBus(d.bus),
		agent.WithLogger(d.logger.With("agent")),
		agent.WithWorkflowEngine(d.engine),
	)
	a, err := agent.New(d.config.Agent, opts...)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	d.agent = a
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.startMetricsServer()

	d.wg.Add(1)
	go d.tickerLoop()
	return nil
}

// attachSinks subscribes the audit trail and desktop notifications to the bus.
func (d *Daemon) attachSinks() error {
	if d.config.Events.AuditLog != "-" {
		audit, err := events.NewAuditLogger(resolve(d.dir, d.config.Events.AuditLog, DefaultAuditLog), d.config.Events.AuditMaxBytes)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		audit.EnableChecksum(d.config.Events.AuditChecksum)
		audit.Attach(d.bus)
		d.audit = audit
	}
	if d.config.Notify.Enabled {
		notify.NewNotifier(d.sender, d.logger.With("notify")).Attach(d.bus)
	}
	return nil
}

func (d *Daemon) startMetricsServer() {
	if d.config.Daemon.MetricsAddr == "" {
		return
	}
	d.metrics = &http.Server{
		Addr:              d.config.Daemon.MetricsAddr,
		Handler:           d.metricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Infof("metrics listening on %s", d.config.Daemon.MetricsAddr)
		if err := d.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Errorf("metrics server: %v", err)
		}
	}()
}

// metricsHandler serves /metrics and a /healthz probe that fails while the
// agent is not running.
func (d *Daemon) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if d.agent == nil || !d.agent.IsActive() {
			http.Error(w, "agent not active", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// tickerLoop reports event deliveries dropped by slow subscribers.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.reportDropped()
		}
	}
}

func (d *Daemon) reportDropped() {
	total := d.bus.Dropped()
	if delta := total - d.lastDropped; delta > 0 {
		telemetry.AddEventsDropped(delta)
		d.logger.Warnf("event bus dropped %d deliveries", delta)
	}
	d.lastDropped = total
}

// waitSignals blocks until a shutdown signal, ctx cancellation or a shutdown command.
func (d *Daemon) waitSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
		go func() {
			if _, ok := <-sigCh; ok {
				d.logger.Warnf("received second signal, forcing exit")
				os.Exit(1)
			}
		}()
	case <-ctx.Done():
		d.logger.Infof("context cancelled, initiating graceful shutdown")
	case <-d.ctx.Done():
	}
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.fileLock.Held() {
			_ = d.server.Stop()
		}
		if d.watcher != nil {
			_ = d.watcher.Close()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if d.metrics != nil {
			if err := d.metrics.Shutdown(ctx); err != nil {
				d.logger.Warnf("metrics server shutdown: %v", err)
			}
		}
		if d.agent != nil && d.agent.IsActive() {
			if err := d.agent.Stop(ctx); err != nil {
				d.logger.Errorf("stop agent: %v", err)
			}
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Infof("all goroutines drained")
		case <-ctx.Done():
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.reportDropped()
		d.bus.Close()
		d.cleanup()
		d.logger.Infof("daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warnf("close audit log: %v", err)
		}
	}
	if d.store != nil {
		if err := store.Close(d.store); err != nil {
			d.logger.Warnf("close store: %v", err)
		}
	}
	if d.fileLock.Held() {
		_ = os.Remove(d.SocketPath())
		_ = d.fileLock.Unlock()
	}
	if d.logFile != nil {
		_ = d.logFile.Close()
	}
}
