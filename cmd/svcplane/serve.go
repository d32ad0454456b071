package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/svcplane/internal/auth"
	"github.com/loykin/svcplane/internal/config"
	"github.com/loykin/svcplane/internal/history"
	"github.com/loykin/svcplane/internal/history/factory"
	"github.com/loykin/svcplane/internal/kinds"
	"github.com/loykin/svcplane/internal/launcher"
	"github.com/loykin/svcplane/internal/logger"
	"github.com/loykin/svcplane/internal/manager"
	"github.com/loykin/svcplane/internal/metrics"
	"github.com/loykin/svcplane/internal/schedule"
	"github.com/loykin/svcplane/internal/server"
	"github.com/loykin/svcplane/internal/supervisor"
	itls "github.com/loykin/svcplane/internal/tls"
)

const serverShutdownTimeout = 5 * time.Second

func createServeCommand(global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the manager and the units of a config file",
		Long: `Start the manager, launch every configured unit and serve the HTTP API
until SIGINT or SIGTERM. Units are asked to stop before the broker closes.

Examples:
  svcplane serve --config config.toml
  svcplane serve config.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := global.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.ErrOrStderr())
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, stderr io.Writer) error {
	d, err := newDaemon(cfg, stderr)
	if err != nil {
		return err
	}
	return d.run(ctx)
}

// daemon is everything serve wires together.
type daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	sup       *supervisor.Supervisor
	resources *metrics.ResourceCollector
	scheduler *schedule.Scheduler
	servers   map[string]*http.Server
}

func newDaemon(cfg *config.Config, stderr io.Writer) (*daemon, error) {
	l, logCloser, err := logger.New(cfg.Log, "svcplane", stderr)
	if err != nil {
		return nil, err
	}
	d := &daemon{
		cfg:       cfg,
		logger:    l,
		logCloser: logCloser,
		resources: metrics.NewResourceCollector(cfg.Metrics.Resources),
		servers:   make(map[string]*http.Server),
	}

	sinks, err := factory.NewSinks(cfg.History.Sinks)
	if err != nil {
		_ = logCloser.Close()
		return nil, fmt.Errorf("history: %w", err)
	}
	m := manager.New(
		manager.WithLogger(l),
		manager.WithHistory(sinks...),
		manager.WithStrictRegistry(cfg.Manager.StrictRegistry),
	)
	if err := m.Start(cfg.Manager.Bind); err != nil {
		closeSinks(sinks)
		_ = logCloser.Close()
		return nil, err
	}
	d.sup = supervisor.New(m,
		supervisor.WithLogger(l),
		supervisor.WithPollTimeout(cfg.Manager.PollTimeout),
		supervisor.WithHealthInterval(cfg.Manager.HealthInterval),
		supervisor.WithShutdownTimeout(cfg.Manager.ShutdownTimeout),
		supervisor.WithMessageBuffer(cfg.Manager.MessageBuffer),
	)

	if err := d.launchUnits(m); err != nil {
		_ = m.Stop()
		_ = logCloser.Close()
		return nil, err
	}
	d.scheduler = schedule.New(d.sup, l)
	for _, spec := range cfg.Schedules {
		if err := d.scheduler.Add(spec); err != nil {
			_ = m.Stop()
			_ = logCloser.Close()
			return nil, err
		}
	}
	if err := d.setupMetrics(); err != nil {
		_ = m.Stop()
		_ = logCloser.Close()
		return nil, err
	}
	if err := d.setupAPI(); err != nil {
		_ = m.Stop()
		_ = logCloser.Close()
		return nil, err
	}
	return d, nil
}

func (d *daemon) setupAPI() error {
	cfg := d.cfg.Server
	if !cfg.Enabled {
		return nil
	}
	opts := []server.RouterOption{server.WithSchedules(d.scheduler)}
	if d.resources.Enabled() {
		opts = append(opts, server.WithResources(d.resources))
	}
	if cfg.Auth.Enabled {
		svc, err := auth.New(cfg.Auth)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithAuth(svc))
	}
	srv := server.NewRouter(d.sup, cfg.BasePath, opts...).Server(cfg.Listen)
	tlsCfg, err := itls.Setup(cfg.TLS)
	if err != nil {
		return fmt.Errorf("api tls: %w", err)
	}
	srv.TLSConfig = tlsCfg
	d.servers["api"] = srv
	return nil
}

// launchUnits starts the configured units. It runs before the supervisor
// loop, so the manager is still owned by this goroutine.
func (d *daemon) launchUnits(m *manager.Manager) error {
	goroutines := &launcher.Goroutine{Registry: kinds.Default(), Logger: d.logger}
	var processes *launcher.Process
	for _, u := range d.cfg.Units {
		var l launcher.Launcher = goroutines
		if u.Mode == config.ModeProcess {
			if processes == nil {
				env, err := d.cfg.ProcessEnv()
				if err != nil {
					return fmt.Errorf("process env: %w", err)
				}
				processes = &launcher.Process{Env: env, Logger: d.logger}
			}
			l = processes
		}
		if err := m.Launch(u.Name, l, d.cfg.Spec(u)); err != nil {
			return err
		}
	}
	return nil
}

func (d *daemon) setupMetrics() error {
	if !d.cfg.Metrics.Enabled {
		return nil
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if d.resources.Enabled() {
		if err := d.resources.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	d.servers["metrics"] = &http.Server{
		Addr:              d.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// run blocks until ctx is cancelled or an HTTP server fails.
func (d *daemon) run(ctx context.Context) error {
	defer func() { _ = d.logCloser.Close() }()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, len(d.servers))
	for name, srv := range d.servers {
		go func() {
			d.logger.Info("http server listening", "server", name, "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("%s server: %w", name, err)
				cancel()
			}
		}()
	}
	if d.resources.Enabled() {
		d.resources.Start(ctx, d.sup.PIDs)
		defer d.resources.Stop()
	}

	d.scheduler.Start()
	err := d.sup.Run(ctx)

	sched, schedCancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	d.scheduler.Stop(sched)
	schedCancel()

	sctx, scancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer scancel()
	for name, srv := range d.servers {
		if serr := srv.Shutdown(sctx); serr != nil {
			d.logger.Warn("http server shutdown", "server", name, "err", serr)
		}
	}
	select {
	case serr := <-serveErr:
		return errors.Join(serr, err)
	default:
	}
	return err
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
