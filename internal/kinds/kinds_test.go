package kinds

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/svcplane/internal/envelope"
	"github.com/loykin/svcplane/internal/transport"
	"github.com/loykin/svcplane/internal/unit"
)

func TestDefaultRegistry(t *testing.T) {
	assert.Equal(t, []string{Echo, Faulty, Ticker}, Default().Kinds())
}

func TestFactoriesValidateParams(t *testing.T) {
	r := Default()
	_, err := r.New(Ticker, unit.Params{Name: "t", Values: map[string]string{"every": "0"}})
	assert.Error(t, err)
	_, err = r.New(Ticker, unit.Params{Name: "t", Values: map[string]string{"every": "x"}})
	assert.Error(t, err)
	_, err = r.New(Faulty, unit.Params{Name: "f", Values: map[string]string{"mode": "explode"}})
	assert.Error(t, err)
}

// run starts a unit of kind on its own broker and returns the broker, the
// unit and its exit channel. The ACTIVE report is consumed.
func run(t *testing.T, kind string, values map[string]string) (transport.Broker, *unit.Unit, <-chan error) {
	t.Helper()
	b, err := transport.Listen("inproc://" + t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	h, err := Default().New(kind, unit.Params{Name: kind, Values: values})
	require.NoError(t, err)
	u := unit.New(kind, b.Addr(), h, unit.WithInterval(time.Millisecond))
	errCh := make(chan error, 1)
	go func() { errCh <- u.Run(context.Background()) }()

	_, err = b.Recv(2 * time.Second)
	require.NoError(t, err)
	return b, u, errCh
}

func nextOwnerMessage(t *testing.T, b transport.Broker) envelope.Envelope {
	t.Helper()
	for {
		frames, err := b.Recv(2 * time.Second)
		require.NoError(t, err)
		env, err := envelope.Decode(frames)
		require.NoError(t, err)
		if env.Destination.Kind == envelope.KindOwner {
			return env
		}
	}
}

func TestTickerReports(t *testing.T) {
	b, u, errCh := run(t, Ticker, map[string]string{"every": "3"})

	env := nextOwnerMessage(t, b)
	var rep TickReport
	require.NoError(t, envelope.Unmarshal(env.Payload, &rep))
	assert.Equal(t, TickReport{Unit: Ticker, Ticks: 3}, rep)

	require.NoError(t, b.Send(u.Name(), envelope.StopFrames()...))
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ticker did not stop")
	}
}

func TestEchoForwardsPayload(t *testing.T) {
	b, u, errCh := run(t, Echo, nil)

	frames, err := envelope.ImplementationFrames(map[string]any{"ping": "pong"})
	require.NoError(t, err)
	require.NoError(t, b.Send(u.Name(), frames...))

	env := nextOwnerMessage(t, b)
	assert.Equal(t, Echo, env.Sender)
	var got map[string]string
	require.NoError(t, envelope.Unmarshal(env.Payload, &got))
	assert.Equal(t, "pong", got["ping"])

	require.NoError(t, b.Send(u.Name(), envelope.StopFrames()...))
	assert.NoError(t, <-errCh)
}

func TestFaultyFails(t *testing.T) {
	_, _, errCh := run(t, Faulty, map[string]string{"after": "2"})
	select {
	case err := <-errCh:
		var fault *unit.FaultError
		require.ErrorAs(t, err, &fault)
		assert.ErrorIs(t, err, ErrInjected)
	case <-time.After(2 * time.Second):
		t.Fatal("faulty unit kept running")
	}
}

func TestFaultyPanics(t *testing.T) {
	h, err := NewFaulty(unit.Params{Values: map[string]string{"after": "1", "mode": "panic"}})
	require.NoError(t, err)
	assert.Panics(t, func() { _ = h.Main(context.Background(), 0) })
}
