// Package supervisor hosts a Manager on a single goroutine. External callers
// (the HTTP API, the facade) talk to it through a control channel, so the
// Manager itself never needs a lock.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/svcplane/internal/envelope"
	"github.com/loykin/svcplane/internal/launcher"
	"github.com/loykin/svcplane/internal/manager"
	"github.com/loykin/svcplane/internal/unit"
)

const (
	DefaultPollTimeout     = 100 * time.Millisecond
	DefaultMessageBuffer   = 256
	DefaultShutdownTimeout = 3 * time.Second
	DefaultHealthInterval  = time.Second
)

var (
	ErrNotRunning  = errors.New("supervisor: not running")
	ErrUnknownUnit = errors.New("supervisor: unknown unit")
)

// Handler receives data-plane envelopes on the supervisor goroutine. It must
// not call back into the Supervisor.
type Handler func(env envelope.Envelope)

// UnitStatus is a snapshot of one registry record.
type UnitStatus struct {
	Name           string     `json:"name"`
	Kind           string     `json:"kind,omitempty"`
	State          unit.State `json:"state"`
	Alive          bool       `json:"alive"`
	PID            int        `json:"pid,omitempty"`
	StopRequested  bool       `json:"stop_requested"`
	AutoRegistered bool       `json:"auto_registered"`
	RegisteredAt   time.Time  `json:"registered_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func statusOf(r manager.Record) UnitStatus {
	return UnitStatus{
		Name:           r.Name,
		Kind:           r.Kind,
		State:          r.State,
		Alive:          r.Alive(),
		PID:            r.PID(),
		StopRequested:  r.StopRequested,
		AutoRegistered: r.AutoRegistered,
		RegisteredAt:   r.RegisteredAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type ctrlMsg struct {
	fn    func(m *manager.Manager)
	reply chan struct{}
}

// Supervisor owns a started Manager.
type Supervisor struct {
	m               *manager.Manager
	logger          *slog.Logger
	pollTimeout     time.Duration
	shutdownTimeout time.Duration
	healthInterval  time.Duration
	handler         Handler
	messages        *messageRing

	ctrl chan ctrlMsg
	done chan struct{}
}

type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPollTimeout sets how long one HandleServicesCom call may block, which
// is also the worst-case latency of a control request.
func WithPollTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.pollTimeout = d
		}
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithMessageBuffer sets how many recent data-plane envelopes Messages keeps.
func WithMessageBuffer(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.messages = newMessageRing(n)
		}
	}
}

// WithHealthInterval sets how often Run calls EnsureAllRunning so exited
// units are logged and recorded without an outside probe. Zero or negative
// disables the check.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.healthInterval = d }
}

func WithHandler(h Handler) Option {
	return func(s *Supervisor) { s.handler = h }
}

// New wraps m, which must already be started.
func New(m *manager.Manager, opts ...Option) *Supervisor {
	s := &Supervisor{
		m:               m,
		logger:          slog.Default(),
		pollTimeout:     DefaultPollTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		healthInterval:  DefaultHealthInterval,
		messages:        newMessageRing(DefaultMessageBuffer),
		ctrl:            make(chan ctrlMsg),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run drives the manager until ctx is cancelled, then stops every unit,
// waits up to the shutdown timeout for them to report INITIAL and stops the
// manager.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	lastCheck := time.Now()
	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		default:
		}
		s.drainCtrl()
		if s.healthInterval > 0 && time.Since(lastCheck) >= s.healthInterval {
			s.m.EnsureAllRunning()
			lastCheck = time.Now()
		}
		if env, ok := s.m.Next(s.pollTimeout); ok {
			s.deliver(env)
		}
	}
}

func (s *Supervisor) drainCtrl() {
	for {
		select {
		case c := <-s.ctrl:
			c.fn(s.m)
			close(c.reply)
		default:
			return
		}
	}
}

func (s *Supervisor) deliver(env envelope.Envelope) {
	s.messages.add(newMessage(env))
	if s.handler != nil {
		s.handler(env)
	}
}

func (s *Supervisor) shutdown() error {
	sent := s.m.StopAll()
	s.logger.Info("supervisor shutting down", "stop_requests", sent)
	deadline := time.Now().Add(s.shutdownTimeout)
	for time.Now().Before(deadline) && !s.settled() {
		if env, ok := s.m.Next(s.pollTimeout); ok {
			s.deliver(env)
		}
	}
	return s.m.Stop()
}

// settled reports whether every launched unit reported INITIAL or is gone.
func (s *Supervisor) settled() bool {
	for _, r := range s.m.Records() {
		if r.State != unit.StateInitial && r.Alive() {
			return false
		}
	}
	return true
}

// do runs fn on the supervisor goroutine.
func (s *Supervisor) do(ctx context.Context, fn func(m *manager.Manager)) error {
	c := ctrlMsg{fn: fn, reply: make(chan struct{})}
	select {
	case s.ctrl <- c:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.reply:
		return nil
	case <-s.done:
		return ErrNotRunning
	}
}

// Done is closed when Run has returned.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) Launch(ctx context.Context, name string, l launcher.Launcher, spec launcher.Spec) error {
	var err error
	if derr := s.do(ctx, func(m *manager.Manager) { err = m.Launch(name, l, spec) }); derr != nil {
		return derr
	}
	return err
}

func (s *Supervisor) Units(ctx context.Context) ([]UnitStatus, error) {
	var out []UnitStatus
	err := s.do(ctx, func(m *manager.Manager) {
		for _, r := range m.Records() {
			out = append(out, statusOf(r))
		}
	})
	return out, err
}

func (s *Supervisor) Unit(ctx context.Context, name string) (UnitStatus, error) {
	var (
		out   UnitStatus
		found bool
	)
	err := s.do(ctx, func(m *manager.Manager) {
		for _, r := range m.Records() {
			if r.Name == name {
				out, found = statusOf(r), true
				return
			}
		}
	})
	if err != nil {
		return UnitStatus{}, err
	}
	if !found {
		return UnitStatus{}, fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}
	return out, nil
}

// StopUnit sends a stop request. See manager.Manager.StopService for the
// latency of the stop itself.
func (s *Supervisor) StopUnit(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := s.do(ctx, func(m *manager.Manager) { ok = m.StopService(name) })
	return ok, err
}

func (s *Supervisor) StopAll(ctx context.Context) (int, error) {
	var n int
	err := s.do(ctx, func(m *manager.Manager) { n = m.StopAll() })
	return n, err
}

func (s *Supervisor) Send(ctx context.Context, name string, payload any) error {
	var err error
	if derr := s.do(ctx, func(m *manager.Manager) { err = m.SendToService(name, payload) }); derr != nil {
		return derr
	}
	if errors.Is(err, manager.ErrUnknownService) {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, name)
	}
	return err
}

// Healthy is Manager.EnsureAllRunning.
func (s *Supervisor) Healthy(ctx context.Context) (bool, error) {
	var ok bool
	err := s.do(ctx, func(m *manager.Manager) { ok = m.EnsureAllRunning() })
	return ok, err
}

// Messages returns the most recent data-plane envelopes, oldest first.
func (s *Supervisor) Messages(ctx context.Context) ([]Message, error) {
	var out []Message
	err := s.do(ctx, func(*manager.Manager) { out = s.messages.ordered() })
	return out, err
}

// PIDs maps running process units to their OS pid. It is the input of
// metrics.ResourceCollector.
func (s *Supervisor) PIDs() map[string]int32 {
	out := make(map[string]int32)
	_ = s.do(context.Background(), func(m *manager.Manager) {
		for _, r := range m.Records() {
			if pid := r.PID(); pid > 0 && r.Alive() {
				out[r.Name] = int32(pid)
			}
		}
	})
	return out
}
