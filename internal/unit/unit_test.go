package unit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcplane/internal/envelope"
	"github.com/loykin/svcplane/internal/transport"
)

type recorder struct {
	Base
	mu       sync.Mutex
	messages []string
	mains    atomic.Int32
	events   atomic.Int32
	gate     atomic.Bool
	stops    atomic.Int32
	mainErr  error
	stopErr  error
}

func newRecorder() *recorder {
	r := &recorder{}
	r.gate.Store(true)
	return r
}

func (r *recorder) Poll() bool { return r.gate.Load() }

func (r *recorder) Main(_ context.Context, events int) error {
	r.mains.Add(1)
	r.events.Add(int32(events))
	return r.mainErr
}

func (r *recorder) HandleMessage(_ context.Context, payload []byte) error {
	var s string
	if err := envelope.Unmarshal(payload, &s); err != nil {
		return err
	}
	r.mu.Lock()
	r.messages = append(r.messages, s)
	r.mu.Unlock()
	if s == "boom" {
		return errors.New("boom")
	}
	return nil
}

func (r *recorder) Stop(context.Context) error {
	r.stops.Add(1)
	return r.stopErr
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func listen(t *testing.T) transport.Broker {
	t.Helper()
	b, err := transport.Listen("inproc://" + t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func start(t *testing.T, u *Unit) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- u.Run(context.Background()) }()
	return errCh
}

// expectState reads the next broker message and checks it is a STATE report.
func expectState(t *testing.T, b transport.Broker, sender string, want State) {
	t.Helper()
	frames, err := b.Recv(2 * time.Second)
	require.NoError(t, err)
	env, err := envelope.Decode(frames)
	require.NoError(t, err)
	assert.Equal(t, sender, env.Sender)
	assert.Equal(t, envelope.KindManager, env.Destination.Kind)
	ctl, err := envelope.DecodeControl(env.Payload)
	require.NoError(t, err)
	assert.Equal(t, envelope.TagState, ctl.Tag)
	var got State
	require.NoError(t, ctl.DecodeValue(&got))
	assert.Equal(t, want, got)
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("unit did not exit")
		return nil
	}
}

func TestRunReportsLifecycle(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	u := New("svc", b.Addr(), h, WithInterval(10*time.Millisecond))
	assert.Equal(t, StateInitial, u.State())

	errCh := start(t, u)
	expectState(t, b, "svc", StateActive)
	assert.Equal(t, StateActive, u.State())
	// idle ticks run Main
	require.Eventually(t, func() bool { return h.mains.Load() > 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.Send("svc", envelope.StopFrames()...))
	require.NoError(t, waitErr(t, errCh))
	expectState(t, b, "svc", StateInitial)
	assert.Equal(t, StateInitial, u.State())
	assert.EqualValues(t, 1, h.stops.Load())
}

func TestHandleMessageInOrder(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	u := New("ordered", b.Addr(), h, WithInterval(5*time.Millisecond))
	errCh := start(t, u)
	expectState(t, b, "ordered", StateActive)

	want := []string{"one", "two", "three", "four"}
	for _, m := range want {
		frames, err := envelope.ImplementationFrames(m)
		require.NoError(t, err)
		require.NoError(t, b.Send("ordered", frames...))
	}
	require.Eventually(t, func() bool { return len(h.seen()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, h.seen())
	assert.GreaterOrEqual(t, h.events.Load(), int32(len(want)))

	require.NoError(t, b.Send("ordered", envelope.StopFrames()...))
	require.NoError(t, waitErr(t, errCh))
}

func TestPollGatesMain(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	h.gate.Store(false)
	u := New("gated", b.Addr(), h, WithInterval(5*time.Millisecond))
	errCh := start(t, u)
	expectState(t, b, "gated", StateActive)

	// messages are still handled while polling is off
	frames, err := envelope.ImplementationFrames("hello")
	require.NoError(t, err)
	require.NoError(t, b.Send("gated", frames...))
	require.Eventually(t, func() bool { return len(h.seen()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.mains.Load())

	h.gate.Store(true)
	require.Eventually(t, func() bool { return h.mains.Load() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Send("gated", envelope.StopFrames()...))
	require.NoError(t, waitErr(t, errCh))
}

func TestStopSkipsRemainingTick(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	h.gate.Store(false)
	u := New("quick", b.Addr(), h, WithInterval(5*time.Millisecond))
	errCh := start(t, u)
	expectState(t, b, "quick", StateActive)

	h.gate.Store(true)
	require.Eventually(t, func() bool { return h.mains.Load() > 0 }, time.Second, time.Millisecond)
	before := h.mains.Load()
	require.NoError(t, b.Send("quick", envelope.StopFrames()...))
	require.NoError(t, waitErr(t, errCh))
	// only a tick already past Recv may still run Main
	assert.LessOrEqual(t, h.mains.Load()-before, int32(1))
	assert.EqualValues(t, 1, h.stops.Load())
}

func TestMalformedCommandIsDropped(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	u := New("robust", b.Addr(), h, WithInterval(5*time.Millisecond))
	errCh := start(t, u)
	expectState(t, b, "robust", StateActive)

	require.NoError(t, b.Send("robust", []byte("SERVICE"), []byte("DANCE")))
	require.NoError(t, b.Send("robust", []byte("WHAT")))
	frames, err := envelope.ImplementationFrames("after")
	require.NoError(t, err)
	require.NoError(t, b.Send("robust", frames...))
	require.Eventually(t, func() bool { return len(h.seen()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Send("robust", envelope.StopFrames()...))
	require.NoError(t, waitErr(t, errCh))
}

func TestHandleMessageFaultLeavesStateUnreported(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	u := New("fragile", b.Addr(), h, WithInterval(5*time.Millisecond))
	errCh := start(t, u)
	expectState(t, b, "fragile", StateActive)

	frames, err := envelope.ImplementationFrames("boom")
	require.NoError(t, err)
	require.NoError(t, b.Send("fragile", frames...))

	err = waitErr(t, errCh)
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "fragile", fault.Unit)
	assert.EqualError(t, errors.Unwrap(fault), "handle message: boom")
	assert.Zero(t, h.stops.Load(), "stop hook must not run after a fault")
	assert.Equal(t, StateInitial, u.State())

	_, err = b.Recv(50 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout, "no INITIAL report after a fault")
}

func TestMainFault(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	h.mainErr = errors.New("disk full")
	u := New("main-fault", b.Addr(), h, WithInterval(5*time.Millisecond))
	err := waitErr(t, start(t, u))
	var fault *FaultError
	require.ErrorAs(t, err, &fault)
	assert.ErrorIs(t, err, h.mainErr)
}

func TestStopHookFault(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	h.stopErr = errors.New("flush failed")
	u := New("stop-fault", b.Addr(), h, WithInterval(5*time.Millisecond))
	errCh := start(t, u)
	expectState(t, b, "stop-fault", StateActive)

	require.NoError(t, b.Send("stop-fault", envelope.StopFrames()...))
	err := waitErr(t, errCh)
	assert.ErrorIs(t, err, h.stopErr)
	_, err = b.Recv(50 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestContextCancelStopsGracefully(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	u := New("ctx", b.Addr(), h, WithInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- u.Run(ctx) }()
	expectState(t, b, "ctx", StateActive)

	cancel()
	require.NoError(t, waitErr(t, errCh))
	expectState(t, b, "ctx", StateInitial)
	assert.EqualValues(t, 1, h.stops.Load())
}

func TestNotifyOwner(t *testing.T) {
	b := listen(t)
	h := newRecorder()
	u := New("talker", b.Addr(), h, WithInterval(5*time.Millisecond))
	assert.ErrorIs(t, u.NotifyOwner("early"), ErrNotConnected)
	assert.Same(t, u, h.Unit())

	errCh := start(t, u)
	expectState(t, b, "talker", StateActive)
	require.NoError(t, u.NotifyOwner(map[string]any{"n": 1}))

	frames, err := b.Recv(time.Second)
	require.NoError(t, err)
	env, err := envelope.Decode(frames)
	require.NoError(t, err)
	assert.Equal(t, envelope.KindOwner, env.Destination.Kind)
	var got map[string]int
	require.NoError(t, envelope.Unmarshal(env.Payload, &got))
	assert.Equal(t, 1, got["n"])

	require.NoError(t, b.Send("talker", envelope.StopFrames()...))
	require.NoError(t, waitErr(t, errCh))
}

func TestRunWithoutBroker(t *testing.T) {
	u := New("lonely", "inproc://"+t.Name(), newRecorder())
	err := u.Run(context.Background())
	assert.ErrorIs(t, err, transport.ErrNoListener)
}

func TestBrokerCloseEndsLoop(t *testing.T) {
	b, err := transport.Listen("inproc://" + t.Name())
	require.NoError(t, err)
	h := newRecorder()
	u := New("orphan", b.Addr(), h, WithInterval(5*time.Millisecond))
	errCh := start(t, u)
	expectState(t, b, "orphan", StateActive)

	require.NoError(t, b.Close())
	err = waitErr(t, errCh)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("rec", func(p Params) (Hooks, error) { return newRecorder(), nil }))
	require.NoError(t, r.Register("bad", func(p Params) (Hooks, error) { return nil, errors.New("nope") }))
	assert.ErrorIs(t, r.Register("rec", func(Params) (Hooks, error) { return nil, nil }), ErrDuplicateKind)
	assert.Equal(t, []string{"bad", "rec"}, r.Kinds())

	h, err := r.New("rec", Params{Name: "x"})
	require.NoError(t, err)
	assert.NotNil(t, h)

	_, err = r.New("missing", Params{Name: "x"})
	assert.ErrorIs(t, err, ErrUnknownKind)
	_, err = r.New("bad", Params{Name: "x"})
	assert.EqualError(t, err, "unit: build x (bad): nope")
}

func TestParams(t *testing.T) {
	p := Params{Values: map[string]string{"n": "3", "d": "250ms", "bad": "x", "s": "v"}}
	n, err := p.Int("n", 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = p.Int("absent", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	_, err = p.Int("bad", 0)
	assert.Error(t, err)

	d, err := p.Duration("d", 0)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	assert.Equal(t, "v", p.String("s", "def"))
	assert.Equal(t, "def", p.String("nope", "def"))
}
