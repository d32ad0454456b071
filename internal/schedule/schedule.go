// Package schedule sends commands to units on cron schedules: a periodic
// IMPLEMENTATION payload, or a stop request at a fixed time.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loykin/svcplane/internal/metrics"
)

// Actions a schedule can take.
const (
	ActionSend = "send"
	ActionStop = "stop"
)

// DefaultTimeout bounds one scheduled command.
const DefaultTimeout = 10 * time.Second

var (
	ErrInvalidSpec     = errors.New("schedule: invalid spec")
	ErrDuplicate       = errors.New("schedule: duplicate name")
	ErrUnknownSchedule = errors.New("schedule: unknown schedule")
	ErrNotDelivered    = errors.New("schedule: stop request not delivered")
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Spec is one [[schedules]] entry.
type Spec struct {
	Name     string `mapstructure:"name" json:"name"`
	Schedule string `mapstructure:"schedule" json:"schedule"` // cron expression or "@every 30s"
	Unit     string `mapstructure:"unit" json:"unit"`
	Action   string `mapstructure:"action" json:"action"`
	// Payload is the JSON value sent with ActionSend.
	Payload  string `mapstructure:"payload" json:"payload,omitempty"`
	TimeZone string `mapstructure:"time_zone" json:"time_zone,omitempty"`
	Suspend  bool   `mapstructure:"suspend" json:"suspend,omitempty"`
}

func (s Spec) expr() string {
	if s.TimeZone == "" {
		return s.Schedule
	}
	return "CRON_TZ=" + s.TimeZone + " " + s.Schedule
}

// Validate checks s without scheduling it.
func (s Spec) Validate() error {
	switch {
	case s.Name == "":
		return fmt.Errorf("%w: empty name", ErrInvalidSpec)
	case s.Unit == "":
		return fmt.Errorf("%w: %s: empty unit", ErrInvalidSpec, s.Name)
	case s.Schedule == "":
		return fmt.Errorf("%w: %s: empty schedule", ErrInvalidSpec, s.Name)
	}
	if _, err := parser.Parse(s.expr()); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSpec, s.Name, err)
	}
	switch s.Action {
	case ActionSend:
		if _, err := s.payload(); err != nil {
			return fmt.Errorf("%w: %s: payload: %w", ErrInvalidSpec, s.Name, err)
		}
	case ActionStop:
	default:
		return fmt.Errorf("%w: %s: unknown action %q", ErrInvalidSpec, s.Name, s.Action)
	}
	return nil
}

func (s Spec) payload() (any, error) {
	if s.Payload == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(s.Payload), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Controller is the part of the supervisor a schedule drives.
type Controller interface {
	StopUnit(ctx context.Context, name string) (bool, error)
	Send(ctx context.Context, name string, payload any) error
}

// Status reports one schedule.
type Status struct {
	Spec
	Runs      int        `json:"runs"`
	Failures  int        `json:"failures"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
}

type entry struct {
	spec    Spec
	payload any
	id      cron.EntryID
	status  Status
}

// Scheduler owns a cron runner. Add every schedule, then Start.
type Scheduler struct {
	ctl     Controller
	logger  *slog.Logger
	timeout time.Duration
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
}

func New(ctl Controller, l *slog.Logger) *Scheduler {
	if l == nil {
		l = slog.Default()
	}
	return &Scheduler{
		ctl:     ctl,
		logger:  l.With("component", "schedule"),
		timeout: DefaultTimeout,
		// a schedule whose previous run is still in flight skips the tick
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		entries: make(map[string]*entry),
	}
}

// Add validates and registers spec. A suspended spec is listed but never
// fires on its own; Trigger still runs it.
func (s *Scheduler) Add(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	payload, _ := spec.payload()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[spec.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, spec.Name)
	}
	e := &entry{spec: spec, payload: payload, status: Status{Spec: spec}}
	if !spec.Suspend {
		name := spec.Name
		id, err := s.cron.AddFunc(spec.expr(), func() { _ = s.run(context.Background(), name) })
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidSpec, spec.Name, err)
		}
		e.id = id
	}
	s.entries[spec.Name] = e
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	for _, e := range s.entries {
		s.publishNext(e)
	}
	s.mu.Unlock()
	s.logger.Info("scheduler started", "schedules", len(s.entries))
}

// Stop prevents new runs and waits for running ones, at most until ctx is
// done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Trigger runs the named schedule now.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.run(ctx, name)
}

func (s *Scheduler) run(ctx context.Context, name string) error {
	s.mu.Lock()
	e := s.entries[name]
	spec, payload := e.spec, e.payload
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var err error
	switch spec.Action {
	case ActionSend:
		err = s.ctl.Send(ctx, spec.Unit, payload)
	case ActionStop:
		var ok bool
		ok, err = s.ctl.StopUnit(ctx, spec.Unit)
		if err == nil && !ok {
			err = fmt.Errorf("%w: %s", ErrNotDelivered, spec.Unit)
		}
	}

	now := time.Now()
	result := "ok"
	s.mu.Lock()
	e.status.Runs++
	e.status.LastRun = &now
	e.status.LastError = ""
	if err != nil {
		result = "error"
		e.status.Failures++
		e.status.LastError = err.Error()
	}
	s.publishNext(e)
	s.mu.Unlock()

	metrics.IncScheduleRun(name, result)
	if err != nil {
		s.logger.Warn("scheduled command failed", "schedule", name, "unit", spec.Unit, "action", spec.Action, "err", err)
	} else {
		s.logger.Debug("scheduled command sent", "schedule", name, "unit", spec.Unit, "action", spec.Action)
	}
	return err
}

// publishNext must be called with s.mu held.
func (s *Scheduler) publishNext(e *entry) {
	if e.id == 0 {
		return
	}
	next := s.cron.Entry(e.id).Next
	if next.IsZero() {
		return
	}
	e.status.NextRun = &next
	metrics.SetScheduleNext(e.spec.Name, float64(next.Unix()))
}

// Statuses returns every schedule sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st := e.status
		if e.id != 0 {
			if next := s.cron.Entry(e.id).Next; !next.IsZero() {
				st.NextRun = &next
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
