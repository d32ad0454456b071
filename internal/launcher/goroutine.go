package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/loykin/svcplane/internal/transport"
	"github.com/loykin/svcplane/internal/unit"
)

// Goroutine runs units inside the current process.
type Goroutine struct {
	Registry *unit.Registry
	Logger   *slog.Logger
	// Dialer overrides transport.Dial, mostly for tests.
	Dialer transport.DialFunc
}

func (g *Goroutine) Spawn(_ context.Context, spec Spec) (Handle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	var opts []unit.Option
	if g.Dialer != nil {
		opts = append(opts, unit.WithDialer(g.Dialer))
	}
	u, err := build(g.Registry, spec, g.Logger, opts...)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &goroutineHandle{name: spec.Name, cancel: cancel, done: make(chan struct{})}
	go h.run(ctx, u)
	return h, nil
}

type goroutineHandle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error // written before done is closed
}

// run recovers a panicking unit so that only the unit dies, not the process
// hosting the manager.
func (h *goroutineHandle) run(ctx context.Context, u *unit.Unit) {
	defer close(h.done)
	defer h.cancel()
	defer func() {
		if r := recover(); r != nil {
			u.Logger().Error("unit panicked", "panic", r, "stack", string(debug.Stack()))
			h.err = &unit.FaultError{Unit: h.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	h.err = u.Run(ctx)
}

func (h *goroutineHandle) IsAlive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *goroutineHandle) Wait() error {
	<-h.done
	return h.err
}

// Kill cancels the unit's context. A goroutine cannot be preempted, so the
// unit ends at the top of its next loop iteration, running its Stop hook.
func (h *goroutineHandle) Kill() error {
	h.cancel()
	return nil
}
