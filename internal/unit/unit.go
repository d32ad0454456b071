// Package unit is the runtime of a worker unit: a named runner that owns a
// peer socket, runs a cooperative poll loop and reports its lifecycle to the
// manager through STATE envelopes.
//
// A unit reacts to two commands. SERVICE/STOP ends the loop at the top of the
// next iteration; IMPLEMENTATION payloads are handed to Hooks.HandleMessage.
// Stopping is cooperative only: a unit busy inside Main observes the request
// after Main returns, so the worst-case stop latency is one loop interval plus
// the duration of the in-flight Main call.
package unit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loykin/svcplane/internal/envelope"
	"github.com/loykin/svcplane/internal/transport"
)

const (
	DefaultInterval    = 100 * time.Millisecond
	DefaultDialTimeout = 5 * time.Second
)

var ErrNotConnected = errors.New("unit: not connected")

// State is the lifecycle state a unit reports to the manager.
type State string

const (
	StateInitial State = "INITIAL"
	StateActive  State = "ACTIVE"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool { return s == StateInitial || s == StateActive }

// FaultError is returned by Run when a hook failed. The unit did not report
// its final INITIAL state, so the manager keeps the last value it saw.
type FaultError struct {
	Unit string
	Err  error
}

func (e *FaultError) Error() string { return fmt.Sprintf("unit %s faulted: %v", e.Unit, e.Err) }
func (e *FaultError) Unwrap() error { return e.Err }

// Unit runs Hooks against a peer socket whose identity is the unit name.
type Unit struct {
	name        string
	addr        string
	hooks       Hooks
	interval    time.Duration
	dial        transport.DialFunc
	dialTimeout time.Duration
	logger      *slog.Logger

	state atomic.Value // State
	peer  transport.Peer
}

// Option configures a Unit.
type Option func(*Unit)

// WithInterval sets the loop interval, the longest a single Recv may block.
func WithInterval(d time.Duration) Option {
	return func(u *Unit) {
		if d > 0 {
			u.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(u *Unit) {
		if l != nil {
			u.logger = l
		}
	}
}

// WithDialer replaces transport.Dial.
func WithDialer(d transport.DialFunc) Option {
	return func(u *Unit) {
		if d != nil {
			u.dial = d
		}
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(u *Unit) {
		if d > 0 {
			u.dialTimeout = d
		}
	}
}

// New creates a unit that will connect to the broker at addr. If hooks
// implements Binder it is bound to the new unit.
func New(name, addr string, hooks Hooks, opts ...Option) *Unit {
	u := &Unit{
		name:        name,
		addr:        addr,
		hooks:       hooks,
		interval:    DefaultInterval,
		dial:        transport.Dial,
		dialTimeout: DefaultDialTimeout,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(u)
	}
	u.logger = u.logger.With("unit", name)
	u.state.Store(StateInitial)
	if b, ok := hooks.(Binder); ok {
		b.Bind(u)
	}
	return u
}

func (u *Unit) Name() string              { return u.name }
func (u *Unit) Interval() time.Duration   { return u.interval }
func (u *Unit) Logger() *slog.Logger      { return u.logger }
func (u *Unit) State() State              { return u.state.Load().(State) }
func (u *Unit) setState(s State)          { u.state.Store(s) }
func (u *Unit) connected() transport.Peer { return u.peer }

// Run connects the peer socket and runs the loop until a stop request arrives,
// ctx is cancelled, or a hook fails. It blocks; launchers call it on their
// own goroutine or as the body of a worker process.
//
// Errors returned by Main, HandleMessage or Stop end the loop immediately and
// are returned as *FaultError. Panics are not recovered here.
func (u *Unit) Run(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, u.dialTimeout)
	peer, err := u.dial(dctx, u.addr, u.name)
	cancel()
	if err != nil {
		return fmt.Errorf("unit %s: connect %s: %w", u.name, u.addr, err)
	}
	u.peer = peer
	defer func() { _ = peer.Close() }()

	u.setState(StateActive)
	if err := u.NotifyManager(envelope.TagState, StateActive); err != nil {
		u.logger.Warn("failed to report state", "state", StateActive, "err", err)
	}
	u.logger.Debug("loop started", "interval", u.interval)

	for {
		stop, err := u.tick(ctx)
		if err != nil {
			u.setState(StateInitial)
			u.logger.Error("unit faulted", "err", err)
			return &FaultError{Unit: u.name, Err: err}
		}
		if stop {
			break
		}
	}

	if err := u.hooks.Stop(ctx); err != nil {
		u.setState(StateInitial)
		u.logger.Error("stop hook failed", "err", err)
		return &FaultError{Unit: u.name, Err: fmt.Errorf("stop: %w", err)}
	}
	u.setState(StateInitial)
	if err := u.NotifyManager(envelope.TagState, StateInitial); err != nil {
		u.logger.Warn("failed to report state", "state", StateInitial, "err", err)
	}
	u.logger.Debug("loop exited")
	return nil
}

// tick is one loop iteration. It returns stop=true once a stop was requested.
func (u *Unit) tick(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return true, nil
	}
	events := 0
	frames, err := u.peer.Recv(u.interval)
	switch {
	case err == nil:
		events = 1
		cmd, perr := envelope.ParseCommand(frames)
		if perr != nil {
			u.logger.Warn("dropping message", "err", perr)
			break
		}
		switch cmd.Kind {
		case envelope.CommandStop:
			u.logger.Info("stop requested")
			return true, nil
		case envelope.CommandImplementation:
			if err := u.hooks.HandleMessage(ctx, cmd.Payload); err != nil {
				return false, fmt.Errorf("handle message: %w", err)
			}
		}
	case errors.Is(err, transport.ErrTimeout):
	default:
		return false, fmt.Errorf("receive: %w", err)
	}

	if !u.hooks.Poll() {
		return false, nil
	}
	if err := u.hooks.Main(ctx, events); err != nil {
		return false, fmt.Errorf("main: %w", err)
	}
	return false, nil
}

// NotifyManager sends [tag, value] to the manager's control plane.
func (u *Unit) NotifyManager(tag string, value any) error {
	return u.send(envelope.Manager(), []any{tag, value})
}

// NotifyOwner sends value to whatever embeds the manager. The manager does
// not interpret it; it is returned from HandleServicesCom as data-plane
// traffic.
func (u *Unit) NotifyOwner(value any) error {
	return u.send(envelope.Owner(), value)
}

func (u *Unit) send(dest envelope.Destination, payload any) error {
	peer := u.connected()
	if peer == nil {
		return ErrNotConnected
	}
	frames, err := envelope.Encode(dest, payload)
	if err != nil {
		return err
	}
	return peer.Send(frames...)
}
