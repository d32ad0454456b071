// Package svcplane is the public API for embedding the control plane: a
// Manager that launches worker units and tracks them over the envelope
// protocol, the unit runtime to write new kinds with, and helpers for the
// HTTP API and metrics.
package svcplane

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	cfg "github.com/loykin/svcplane/internal/config"
	"github.com/loykin/svcplane/internal/envelope"
	"github.com/loykin/svcplane/internal/history"
	"github.com/loykin/svcplane/internal/history/factory"
	"github.com/loykin/svcplane/internal/kinds"
	"github.com/loykin/svcplane/internal/launcher"
	"github.com/loykin/svcplane/internal/manager"
	"github.com/loykin/svcplane/internal/metrics"
	"github.com/loykin/svcplane/internal/schedule"
	iapi "github.com/loykin/svcplane/internal/server"
	"github.com/loykin/svcplane/internal/supervisor"
	"github.com/loykin/svcplane/internal/unit"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	Spec     = launcher.Spec
	Launcher = launcher.Launcher
	Handle   = launcher.Handle

	Unit       = unit.Unit
	Hooks      = unit.Hooks
	UnitBase   = unit.Base
	State      = unit.State
	Registry   = unit.Registry
	Params     = unit.Params
	Factory    = unit.Factory
	FaultError = unit.FaultError

	Envelope    = envelope.Envelope
	Destination = envelope.Destination
	RawMessage  = envelope.RawMessage

	Record      = manager.Record
	HistorySink = history.Sink
	Config      = cfg.Config

	Supervisor = supervisor.Supervisor
	UnitStatus = supervisor.UnitStatus
	Message    = supervisor.Message

	Scheduler      = schedule.Scheduler
	ScheduleSpec   = schedule.Spec
	ScheduleStatus = schedule.Status
)

const (
	StateInitial = unit.StateInitial
	StateActive  = unit.StateActive
)

var (
	ErrAddressInUse   = manager.ErrAddressInUse
	ErrUnknownService = manager.ErrUnknownService
)

// Manager is a thin facade over internal/manager.Manager. Like the inner
// type it must be driven from a single goroutine; wrap it with
// NewSupervisor to share it.
type Manager struct{ inner *manager.Manager }

// Options for New.
type Options struct {
	Logger         *slog.Logger
	History        []HistorySink
	StrictRegistry bool
}

func New(o Options) *Manager {
	return &Manager{inner: manager.New(
		manager.WithLogger(o.Logger),
		manager.WithHistory(o.History...),
		manager.WithStrictRegistry(o.StrictRegistry),
	)}
}

func (m *Manager) Start(bind string) error { return m.inner.Start(bind) }
func (m *Manager) Addr() string            { return m.inner.Addr() }
func (m *Manager) Launch(name string, l Launcher, s Spec) error {
	return m.inner.Launch(name, l, s)
}
func (m *Manager) StopService(name string) bool { return m.inner.StopService(name) }
func (m *Manager) StopAll() int                 { return m.inner.StopAll() }
func (m *Manager) HandleServicesCom(timeout time.Duration) (string, []byte, bool) {
	return m.inner.HandleServicesCom(timeout)
}
func (m *Manager) Next(timeout time.Duration) (Envelope, bool) { return m.inner.Next(timeout) }
func (m *Manager) SendToService(name string, payload any) error {
	return m.inner.SendToService(name, payload)
}
func (m *Manager) EnsureAllRunning() bool          { return m.inner.EnsureAllRunning() }
func (m *Manager) State(name string) (State, bool) { return m.inner.State(name) }
func (m *Manager) Records() []Record               { return m.inner.Records() }
func (m *Manager) Stop() error                     { return m.inner.Stop() }

// NewRegistry returns an empty kind registry.
func NewRegistry() *Registry { return unit.NewRegistry() }

// DefaultKinds returns a registry holding the built-in ticker, echo and
// faulty kinds.
func DefaultKinds() *Registry { return kinds.Default() }

// GoroutineLauncher runs units of reg inside this process.
func GoroutineLauncher(reg *Registry, l *slog.Logger) Launcher {
	return &launcher.Goroutine{Registry: reg, Logger: l}
}

// ProcessLauncher runs each unit as "path args... --name ... --addr ...".
// The binary must run the unit through RunWorker with the same kinds. env is
// the full child environment; nil inherits this process's.
func ProcessLauncher(path string, args []string, env []string, l *slog.Logger) Launcher {
	return &launcher.Process{Path: path, Args: args, Env: env, Logger: l}
}

// RunWorker parses the worker flags in args and runs the unit they describe
// until it stops or ctx is cancelled. It is the body of the command a
// ProcessLauncher executes.
func RunWorker(ctx context.Context, args []string, reg *Registry, l *slog.Logger) error {
	var wa launcher.WorkerArgs
	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	wa.Bind(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return launcher.RunWorker(ctx, wa, reg, l)
}

// Marshal and Unmarshal use the CBOR encoding of the wire protocol.
func Marshal(v any) ([]byte, error)      { return envelope.Marshal(v) }
func Unmarshal(data []byte, v any) error { return envelope.Unmarshal(data, v) }

type SupervisorOption = supervisor.Option

var (
	WithSupervisorLogger = supervisor.WithLogger
	WithPollTimeout      = supervisor.WithPollTimeout
	WithShutdownTimeout  = supervisor.WithShutdownTimeout
	WithMessageBuffer    = supervisor.WithMessageBuffer
	WithHandler          = supervisor.WithHandler
)

// NewSupervisor hands m, already started, to a Supervisor. Call Run on it and
// stop using m directly.
func NewSupervisor(m *Manager, o ...SupervisorOption) *Supervisor {
	return supervisor.New(m.inner, o...)
}

// NewScheduler drives s from cron schedules. Add specs, then Start it after
// s is running.
func NewScheduler(s *Supervisor, l *slog.Logger) *Scheduler { return schedule.New(s, l) }

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHistorySink opens a sink from a DSN such as "sqlite:///var/lib/h.db",
// "postgres://...", "clickhouse://...", "opensearch://host:9200/index" or
// "bolt:///var/lib/h.bolt".
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// NewHTTPServer serves the control API of s under basePath.
func NewHTTPServer(addr, basePath string, s *Supervisor) *http.Server {
	return iapi.NewServer(addr, iapi.NewRouter(s, basePath))
}

// MountEcho mounts the control API of s onto an existing Echo instance.
func MountEcho(e *echo.Echo, basePath string, s *Supervisor) {
	iapi.MountEcho(e, basePath, iapi.NewRouter(s, basePath).Handler())
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
