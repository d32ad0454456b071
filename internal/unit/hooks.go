package unit

import "context"

// Hooks are the override points of a unit's loop.
type Hooks interface {
	// Poll gates whether Main runs this tick. Returning false skips the
	// tick's work without error or retry.
	Poll() bool
	// Main is the periodic work. events is the number of socket messages
	// seen this tick (0 or 1).
	Main(ctx context.Context, events int) error
	// HandleMessage receives the CBOR payload of an IMPLEMENTATION message.
	HandleMessage(ctx context.Context, payload []byte) error
	// Stop runs once after the loop exits normally, before the unit reports
	// INITIAL.
	Stop(ctx context.Context) error
}

// Binder is implemented by hooks that want a handle on their unit, typically
// to call NotifyOwner or NotifyManager.
type Binder interface {
	Bind(u *Unit)
}

// Base supplies default hooks: always poll, do nothing. Embed it and override
// what the unit needs.
type Base struct {
	unit *Unit
}

func (b *Base) Bind(u *Unit) { b.unit = u }

// Unit returns the bound unit, nil before New.
func (b *Base) Unit() *Unit { return b.unit }

func (b *Base) Poll() bool                                  { return true }
func (b *Base) Main(context.Context, int) error             { return nil }
func (b *Base) HandleMessage(context.Context, []byte) error { return nil }
func (b *Base) Stop(context.Context) error                  { return nil }
