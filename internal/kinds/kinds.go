// Package kinds holds the unit kinds built into the svcplane binary.
package kinds

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/svcplane/internal/envelope"
	"github.com/loykin/svcplane/internal/unit"
)

const (
	Ticker = "ticker"
	Echo   = "echo"
	Faulty = "faulty"
)

// Default returns a registry with every built-in kind.
func Default() *unit.Registry {
	r := unit.NewRegistry()
	for kind, f := range map[string]unit.Factory{
		Ticker: NewTicker,
		Echo:   NewEcho,
		Faulty: NewFaulty,
	} {
		if err := r.Register(kind, f); err != nil {
			panic(err)
		}
	}
	return r
}

// TickReport is what a ticker sends to its owner.
type TickReport struct {
	Unit  string `cbor:"unit" json:"unit"`
	Ticks int    `cbor:"ticks" json:"ticks"`
}

// TickerUnit counts loop ticks and reports every N of them.
type TickerUnit struct {
	unit.Base
	every int
	ticks int
}

// NewTicker reads param "every" (default 10).
func NewTicker(p unit.Params) (unit.Hooks, error) {
	every, err := p.Int("every", 10)
	if err != nil {
		return nil, err
	}
	if every <= 0 {
		return nil, fmt.Errorf("every must be positive, got %d", every)
	}
	return &TickerUnit{every: every}, nil
}

func (t *TickerUnit) Main(context.Context, int) error {
	t.ticks++
	if t.ticks%t.every != 0 {
		return nil
	}
	u := t.Unit()
	if err := u.NotifyOwner(TickReport{Unit: u.Name(), Ticks: t.ticks}); err != nil {
		u.Logger().Warn("tick report failed", "err", err)
	}
	return nil
}

func (t *TickerUnit) Stop(context.Context) error {
	t.Unit().Logger().Info("ticker stopped", "ticks", t.ticks)
	return nil
}

// EchoUnit forwards every message it receives back to the owner unchanged.
type EchoUnit struct {
	unit.Base
}

func NewEcho(unit.Params) (unit.Hooks, error) {
	return &EchoUnit{}, nil
}

func (e *EchoUnit) HandleMessage(_ context.Context, payload []byte) error {
	return e.Unit().NotifyOwner(envelope.RawMessage(payload))
}

// ErrInjected is the failure raised by FaultyUnit.
var ErrInjected = errors.New("injected fault")

// FaultyUnit runs normally for a number of ticks and then fails, either by
// returning ErrInjected or by panicking.
type FaultyUnit struct {
	unit.Base
	after int
	panic bool
	ticks int
}

// NewFaulty reads params "after" (default 3) and "mode" ("error" or "panic").
func NewFaulty(p unit.Params) (unit.Hooks, error) {
	after, err := p.Int("after", 3)
	if err != nil {
		return nil, err
	}
	f := &FaultyUnit{after: after}
	switch mode := p.String("mode", "error"); mode {
	case "error":
	case "panic":
		f.panic = true
	default:
		return nil, fmt.Errorf("unknown mode %q", mode)
	}
	return f, nil
}

func (f *FaultyUnit) Main(context.Context, int) error {
	f.ticks++
	if f.ticks < f.after {
		return nil
	}
	if f.panic {
		panic(fmt.Sprintf("%s: tick %d", ErrInjected, f.ticks))
	}
	return fmt.Errorf("%w at tick %d", ErrInjected, f.ticks)
}
