// Package history exports unit lifecycle events to external systems. It is an
// audit trail only: nothing is read back to restore manager state.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventLaunch        EventType = "launch"
	EventState         EventType = "state"
	EventStopRequested EventType = "stop_requested"
	EventFault         EventType = "fault"
	EventTeardown      EventType = "teardown"
)

// Event represents a lifecycle event of one unit.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Unit       string    `json:"unit"`
	State      string    `json:"state"`
	PrevState  string    `json:"prev_state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// NewEvent stamps a new event with a random ID and the current UTC time.
func NewEvent(t EventType, unit, state string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Unit:       unit,
		State:      state,
	}
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 5 * time.Second
)

// Recorder delivers events to sinks from a background goroutine so that a
// slow sink never stalls the caller. Events are dropped, with a warning, when
// the queue is full.
type Recorder struct {
	sinks   []Sink
	queue   chan Event
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewRecorder(logger *slog.Logger, sinks ...Sink) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		sinks:   append([]Sink(nil), sinks...),
		queue:   make(chan Event, DefaultQueueSize),
		timeout: DefaultSendTimeout,
		logger:  logger,
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record queues e. It never blocks.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping event", "type", e.Type, "unit", e.Unit)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		for _, s := range r.sinks {
			if err := s.Send(ctx, e); err != nil {
				r.logger.Warn("history sink failed", "type", e.Type, "unit", e.Unit, "err", err)
			}
		}
		cancel()
	}
}

// Close flushes queued events and closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()

	var errs []error
	for _, s := range r.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
