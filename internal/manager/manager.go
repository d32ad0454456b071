// Package manager owns the broker socket and the registry of worker units.
//
// A Manager is driven by its embedding application: it never starts a
// goroutine of its own. The application calls HandleServicesCom in a loop to
// absorb control-plane traffic (STATE reports) and receive everything else,
// and calls the other methods from the same goroutine. Nothing in this
// package is safe for concurrent use; callers that share a Manager between
// goroutines must serialize access themselves (see internal/supervisor).
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loykin/svcplane/internal/envelope"
	"github.com/loykin/svcplane/internal/history"
	"github.com/loykin/svcplane/internal/launcher"
	"github.com/loykin/svcplane/internal/metrics"
	"github.com/loykin/svcplane/internal/transport"
	"github.com/loykin/svcplane/internal/unit"
)

var (
	// ErrAddressInUse means another broker is bound at the address. It points
	// to a deployment error and is never retried.
	ErrAddressInUse   = errors.New("manager: address already in use")
	ErrAlreadyStarted = errors.New("manager: already started")
	ErrNotStarted     = errors.New("manager: not started")
	ErrStopped        = errors.New("manager: stopped")
	ErrUnknownService = errors.New("manager: unknown service")
)

// DefaultSpawnTimeout bounds a single Launcher.Spawn call.
const DefaultSpawnTimeout = 10 * time.Second

type lifecycle int

const (
	unstarted lifecycle = iota
	active
	stopped
)

// Manager starts, stops and tracks worker units over a message transport.
type Manager struct {
	logger   *slog.Logger
	listen   transport.ListenFunc
	strict   bool
	sinks    []history.Sink
	recorder *history.Recorder

	phase   lifecycle
	broker  transport.Broker
	records map[string]*Record
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHistory exports registry transitions to sinks. Sinks are closed by Stop.
func WithHistory(sinks ...history.Sink) Option {
	return func(m *Manager) { m.sinks = append(m.sinks, sinks...) }
}

// WithStrictRegistry rejects STATE reports from senders that were never
// launched instead of registering them on the fly.
func WithStrictRegistry(strict bool) Option {
	return func(m *Manager) { m.strict = strict }
}

// WithListener replaces transport.Listen.
func WithListener(l transport.ListenFunc) Option {
	return func(m *Manager) {
		if l != nil {
			m.listen = l
		}
	}
}

func New(opts ...Option) *Manager {
	m := &Manager{
		logger:  slog.Default(),
		listen:  transport.Listen,
		records: make(map[string]*Record),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "manager")
	if len(m.sinks) > 0 {
		m.recorder = history.NewRecorder(m.logger, m.sinks...)
	}
	return m
}

// Start binds the broker socket. A Manager can be started once.
func (m *Manager) Start(bindAddress string) error {
	switch m.phase {
	case active:
		return ErrAlreadyStarted
	case stopped:
		return ErrStopped
	}
	b, err := m.listen(bindAddress)
	if err != nil {
		if errors.Is(err, transport.ErrAddressInUse) {
			return fmt.Errorf("%w: %s: %w", ErrAddressInUse, bindAddress, err)
		}
		return fmt.Errorf("manager: bind %s: %w", bindAddress, err)
	}
	m.broker = b
	m.phase = active
	m.logger.Info("broker bound", "addr", b.Addr())
	return nil
}

// Addr is the address units dial, empty before Start.
func (m *Manager) Addr() string {
	if m.broker == nil {
		return ""
	}
	return m.broker.Addr()
}

// Launch registers name in state INITIAL and starts it with l. spec.Name and
// spec.Addr are filled in from name and the broker address.
//
// Names are not checked for uniqueness: relaunching a registered name
// replaces its record, and the previous handle is no longer tracked.
func (m *Manager) Launch(name string, l launcher.Launcher, spec launcher.Spec) error {
	if err := m.ensureActive(); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("%w: empty unit name", launcher.ErrInvalidSpec)
	}
	spec.Name = name
	if spec.Addr == "" {
		spec.Addr = m.Addr()
	}
	prev, relaunch := m.records[name]
	if relaunch {
		m.logger.Warn("relaunching registered unit, last registration wins",
			"unit", name, "prev_state", prev.State, "prev_alive", prev.Alive())
	}

	// The record exists before the unit can report, so an early STATE is
	// never mistaken for an unknown sender.
	now := time.Now()
	rec := &Record{Name: name, Kind: spec.Kind, State: unit.StateInitial, RegisteredAt: now, UpdatedAt: now}
	m.records[name] = rec

	ctx, cancel := context.WithTimeout(context.Background(), DefaultSpawnTimeout)
	h, err := l.Spawn(ctx, spec)
	cancel()
	if err != nil {
		if relaunch {
			m.records[name] = prev
		} else {
			delete(m.records, name)
		}
		return fmt.Errorf("manager: launch %s: %w", name, err)
	}
	rec.Handle = h

	prevState := ""
	if relaunch {
		prevState = string(prev.State)
	}
	metrics.IncLaunch(name)
	metrics.RecordStateTransition(name, prevState, string(unit.StateInitial))
	metrics.SetRegistered(len(m.records))
	ev := history.NewEvent(history.EventLaunch, name, string(unit.StateInitial))
	ev.PrevState = prevState
	ev.Detail = spec.Kind
	m.recorder.Record(ev)
	m.logger.Info("unit launched", "unit", name, "kind", spec.Kind)
	return nil
}

// StopService asks a unit to stop. It returns false, after logging, when
// name is not registered or the request could not be delivered.
//
// Stopping is cooperative: the unit sees the request at the top of its next
// loop iteration, so it may keep running for up to one loop interval plus
// the duration of a Main call already in progress.
func (m *Manager) StopService(name string) bool {
	if m.phase != active {
		m.logger.Error("cannot stop service, manager is not active", "unit", name)
		return false
	}
	rec, ok := m.records[name]
	if !ok {
		m.logger.Error("cannot stop unknown service", "unit", name)
		return false
	}
	if err := m.broker.Send(name, envelope.StopFrames()...); err != nil {
		m.logger.Error("failed to send stop", "unit", name, "err", err)
		return false
	}
	rec.StopRequested = true
	metrics.IncCommand(name, envelope.TagStop)
	m.recorder.Record(history.NewEvent(history.EventStopRequested, name, string(rec.State)))
	m.logger.Debug("stop sent", "unit", name)
	return true
}

// StopAll calls StopService for every registered unit and returns how many
// stop requests were sent. Failures do not stop the iteration.
func (m *Manager) StopAll() int {
	sent := 0
	for _, name := range m.names() {
		if m.StopService(name) {
			sent++
		}
	}
	return sent
}

// HandleServicesCom waits up to timeout for one envelope on the broker socket.
//
// Control-plane envelopes (destination MANAGER) update the registry and are
// never returned. Any other envelope is returned as-is with ok=true for the
// caller to route. Idle ticks, malformed envelopes and a closed socket all
// yield ok=false.
func (m *Manager) HandleServicesCom(timeout time.Duration) (sender string, payload []byte, ok bool) {
	env, ok := m.Next(timeout)
	if !ok {
		return "", nil, false
	}
	return env.Sender, env.Payload, true
}

// Next is HandleServicesCom returning the whole envelope, destination
// included.
func (m *Manager) Next(timeout time.Duration) (envelope.Envelope, bool) {
	if m.phase != active {
		return envelope.Envelope{}, false
	}
	frames, err := m.broker.Recv(timeout)
	if err != nil {
		if !errors.Is(err, transport.ErrTimeout) {
			m.logger.Warn("broker receive failed", "err", err)
		}
		return envelope.Envelope{}, false
	}
	env, err := envelope.Decode(frames)
	if err != nil {
		metrics.IncDropped("frames")
		m.logger.Warn("dropping malformed envelope", "err", err)
		return envelope.Envelope{}, false
	}

	switch env.Destination.Kind {
	case envelope.KindManager:
		metrics.IncEnvelope(envelope.KindManager.String())
		m.handleControl(env)
		return envelope.Envelope{}, false
	case envelope.KindOwner, envelope.KindUnit:
		metrics.IncEnvelope(env.Destination.Kind.String())
		return env, true
	default:
		metrics.IncDropped("destination")
		m.logger.Warn("dropping envelope with unknown destination", "sender", env.Sender, "dest", env.Destination)
		return envelope.Envelope{}, false
	}
}

func (m *Manager) handleControl(env envelope.Envelope) {
	ctl, err := envelope.DecodeControl(env.Payload)
	if err != nil {
		metrics.IncDropped("payload")
		m.logger.Warn("dropping malformed control payload", "sender", env.Sender, "err", err)
		return
	}
	switch ctl.Tag {
	case envelope.TagState:
		var s unit.State
		if err := ctl.DecodeValue(&s); err != nil || !s.Valid() {
			metrics.IncDropped("state")
			m.logger.Warn("dropping invalid state report", "sender", env.Sender, "state", s, "err", err)
			return
		}
		m.updateState(env.Sender, s)
	default:
		metrics.IncDropped("tag")
		m.logger.Warn("dropping unknown control tag", "sender", env.Sender, "tag", ctl.Tag)
	}
}

func (m *Manager) updateState(name string, s unit.State) {
	rec, known := m.records[name]
	if !known {
		if m.strict {
			metrics.IncDropped("unknown_sender")
			m.logger.Warn("ignoring state from unregistered unit", "sender", name, "state", s)
			return
		}
		m.logger.Warn("registering unknown sender", "sender", name, "state", s)
		now := time.Now()
		rec = &Record{Name: name, State: unit.StateInitial, RegisteredAt: now, UpdatedAt: now, AutoRegistered: true}
		m.records[name] = rec
		metrics.SetRegistered(len(m.records))
	}
	prev := rec.State
	rec.State = s
	rec.UpdatedAt = time.Now()
	if known && prev == s {
		return
	}
	metrics.RecordStateTransition(name, string(prev), string(s))
	ev := history.NewEvent(history.EventState, name, string(s))
	ev.PrevState = string(prev)
	m.recorder.Record(ev)
	m.logger.Debug("unit state", "unit", name, "from", prev, "to", s)
}

// SendToService delivers payload to the HandleMessage hook of a unit.
// Delivery is not confirmed.
func (m *Manager) SendToService(name string, payload any) error {
	if err := m.ensureActive(); err != nil {
		return err
	}
	if _, ok := m.records[name]; !ok {
		m.logger.Error("cannot send to unknown service", "unit", name)
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	frames, err := envelope.ImplementationFrames(payload)
	if err != nil {
		return err
	}
	if err := m.broker.Send(name, frames...); err != nil {
		m.logger.Error("failed to send message", "unit", name, "err", err)
		return fmt.Errorf("manager: send to %s: %w", name, err)
	}
	metrics.IncCommand(name, envelope.TagImplementation)
	return nil
}

// EnsureAllRunning reports whether every launched unit is still alive. It
// takes no recovery action. Units registered from a STATE report without a
// launch have no handle and are skipped.
func (m *Manager) EnsureAllRunning() bool {
	all := true
	for _, name := range m.names() {
		rec := m.records[name]
		if rec.Handle == nil || rec.Handle.IsAlive() {
			continue
		}
		all = false
		if !rec.exitSeen {
			rec.exitSeen = true
			m.noteExit(rec)
		}
	}
	return all
}

// noteExit records why a dead unit ended. The registry state is left alone.
func (m *Manager) noteExit(rec *Record) {
	err := rec.Handle.Wait()
	var fe *unit.FaultError
	if errors.As(err, &fe) || (err != nil && !rec.StopRequested) {
		ev := history.NewEvent(history.EventFault, rec.Name, string(rec.State))
		ev.Detail = err.Error()
		m.recorder.Record(ev)
		m.logger.Warn("unit is not running", "unit", rec.Name, "state", rec.State, "err", err)
		return
	}
	m.logger.Info("unit exited", "unit", rec.Name, "state", rec.State)
}

// Stop closes the broker socket and clears the registry. Units are not
// drained: every unit not in INITIAL is logged and left to notice the closed
// socket on its own.
func (m *Manager) Stop() error {
	switch m.phase {
	case unstarted:
		return ErrNotStarted
	case stopped:
		return ErrStopped
	}
	for _, name := range m.names() {
		rec := m.records[name]
		if rec.State != unit.StateInitial {
			m.logger.Warn("stopping manager with unit not in INITIAL", "unit", name, "state", rec.State)
		}
		m.recorder.Record(history.NewEvent(history.EventTeardown, name, string(rec.State)))
		metrics.ForgetUnit(name)
	}
	err := m.broker.Close()
	m.records = make(map[string]*Record)
	m.phase = stopped
	metrics.SetRegistered(0)
	if cerr := m.recorder.Close(); cerr != nil {
		m.logger.Warn("closing history sinks", "err", cerr)
	}
	m.logger.Info("manager stopped")
	return err
}

// State returns the last reported state of name.
func (m *Manager) State(name string) (unit.State, bool) {
	rec, ok := m.records[name]
	if !ok {
		return "", false
	}
	return rec.State, true
}

// Records returns a copy of the registry sorted by name.
func (m *Manager) Records() []Record {
	out := make([]Record, 0, len(m.records))
	for _, name := range m.names() {
		out = append(out, *m.records[name])
	}
	return out
}

func (m *Manager) ensureActive() error {
	switch m.phase {
	case unstarted:
		return ErrNotStarted
	case stopped:
		return ErrStopped
	}
	return nil
}

func (m *Manager) names() []string {
	out := make([]string, 0, len(m.records))
	for n := range m.records {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
