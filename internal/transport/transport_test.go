package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAddr(t *testing.T) {
	scheme, rest, err := SplitAddr("tcp://127.0.0.1:5560")
	require.NoError(t, err)
	assert.Equal(t, "tcp", scheme)
	assert.Equal(t, "127.0.0.1:5560", rest)

	_, _, err = SplitAddr("ipc:///tmp/sock")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
	_, _, err = SplitAddr("127.0.0.1:5560")
	assert.ErrorIs(t, err, ErrUnsupportedScheme)
	_, _, err = SplitAddr("inproc://")
	assert.Error(t, err)
}

// exercise runs the same conversation over any broker/peer pair.
func exercise(t *testing.T, b Broker, dial func(identity string) (Peer, error)) {
	t.Helper()
	p, err := dial("unit-a")
	require.NoError(t, err)
	defer func() { _ = p.Close() }()
	assert.Equal(t, "unit-a", p.Identity())

	require.NoError(t, p.Send([]byte("MANAGER"), []byte("payload")))
	msg, err := b.Recv(2 * time.Second)
	require.NoError(t, err)
	require.Len(t, msg, 3)
	assert.Equal(t, "unit-a", string(msg[0]))
	assert.Equal(t, "MANAGER", string(msg[1]))
	assert.Equal(t, "payload", string(msg[2]))

	require.NoError(t, b.Send("unit-a", []byte("SERVICE"), []byte("STOP")))
	msg, err = p.Recv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("SERVICE"), []byte("STOP")}, msg)

	err = b.Send("nobody", []byte("x"))
	assert.ErrorIs(t, err, ErrUnroutable)

	start := time.Now()
	_, err = b.Recv(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestInprocRoundTrip(t *testing.T) {
	b, err := Listen("inproc://round-trip")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	assert.Equal(t, "inproc://round-trip", b.Addr())

	exercise(t, b, func(id string) (Peer, error) {
		return Dial(context.Background(), b.Addr(), id)
	})
}

func TestInprocAddressInUse(t *testing.T) {
	b, err := Listen("inproc://dup")
	require.NoError(t, err)

	_, err = Listen("inproc://dup")
	assert.ErrorIs(t, err, ErrAddressInUse)

	require.NoError(t, b.Close())
	b2, err := Listen("inproc://dup")
	require.NoError(t, err, "address must be reusable after close")
	_ = b2.Close()
}

func TestInprocDialWithoutListener(t *testing.T) {
	_, err := Dial(context.Background(), "inproc://nowhere", "a")
	assert.ErrorIs(t, err, ErrNoListener)
}

func TestInprocPeerCloseUnroutes(t *testing.T) {
	b, err := Listen("inproc://unroute")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	p, err := Dial(context.Background(), b.Addr(), "gone")
	require.NoError(t, err)
	require.NoError(t, p.Close())

	assert.ErrorIs(t, b.Send("gone", []byte("x")), ErrUnroutable)
	assert.ErrorIs(t, p.Send([]byte("x")), ErrClosed)
}

func TestInprocIdentityHandover(t *testing.T) {
	b, err := Listen("inproc://handover")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	first, err := Dial(context.Background(), b.Addr(), "same")
	require.NoError(t, err)
	second, err := Dial(context.Background(), b.Addr(), "same")
	require.NoError(t, err)

	require.NoError(t, b.Send("same", []byte("hello")))
	_, err = second.Recv(time.Second)
	require.NoError(t, err)
	_, err = first.Recv(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// closing the stale peer must not drop the live route
	require.NoError(t, first.Close())
	assert.NoError(t, b.Send("same", []byte("again")))
}

func TestInprocPreservesOrder(t *testing.T) {
	b, err := Listen("inproc://order")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	p, err := Dial(context.Background(), b.Addr(), "o")
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.NoError(t, p.Send([]byte(fmt.Sprint(i))))
	}
	for i := 0; i < 100; i++ {
		msg, err := b.Recv(time.Second)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(msg[1]))
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	b, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()
	assert.NotEqual(t, "tcp://127.0.0.1:0", b.Addr())

	exercise(t, b, func(id string) (Peer, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return Dial(ctx, b.Addr(), id)
	})
}

func TestGRPCAddressInUse(t *testing.T) {
	b, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = Listen(b.Addr())
	assert.ErrorIs(t, err, ErrAddressInUse)
}

func TestGRPCCloseFlushesLastMessage(t *testing.T) {
	b, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := Dial(ctx, b.Addr(), "closer")
	require.NoError(t, err)

	require.NoError(t, p.Send([]byte("MANAGER"), []byte("bye")))
	require.NoError(t, p.Close())

	msg, err := b.Recv(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(msg[2]))
}

func TestGRPCPeerSeesBrokerClose(t *testing.T) {
	b, err := Listen("tcp://127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := Dial(ctx, b.Addr(), "orphan")
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	// make sure the broker registered the stream before closing it
	require.NoError(t, p.Send([]byte("MANAGER"), []byte("hi")))
	_, err = b.Recv(2 * time.Second)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		_, err := p.Recv(10 * time.Millisecond)
		return err == ErrClosed
	}, 3*time.Second, 20*time.Millisecond)
}
