package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	action  string
	unit    string
	payload any
}

type fakeController struct {
	mu      sync.Mutex
	calls   []call
	stopOK  bool
	sendErr error
}

func (f *fakeController) StopUnit(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{action: ActionStop, unit: name})
	return f.stopOK, nil
}

func (f *fakeController) Send(_ context.Context, name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{action: ActionSend, unit: name, payload: payload})
	return f.sendErr
}

func (f *fakeController) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestSpecValidate(t *testing.T) {
	ok := Spec{Name: "s", Unit: "u", Schedule: "*/5 * * * *", Action: ActionStop}
	require.NoError(t, ok.Validate())

	cases := map[string]Spec{
		"no name":      {Unit: "u", Schedule: "@every 1s", Action: ActionStop},
		"no unit":      {Name: "s", Schedule: "@every 1s", Action: ActionStop},
		"no schedule":  {Name: "s", Unit: "u", Action: ActionStop},
		"bad schedule": {Name: "s", Unit: "u", Schedule: "every minute", Action: ActionStop},
		"bad action":   {Name: "s", Unit: "u", Schedule: "@every 1s", Action: "restart"},
		"bad payload":  {Name: "s", Unit: "u", Schedule: "@every 1s", Action: ActionSend, Payload: "{"},
		"bad zone":     {Name: "s", Unit: "u", Schedule: "0 3 * * *", Action: ActionStop, TimeZone: "Mars/Olympus"},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, spec.Validate(), ErrInvalidSpec)
		})
	}

	zoned := Spec{Name: "s", Unit: "u", Schedule: "0 3 * * *", Action: ActionStop, TimeZone: "Asia/Seoul"}
	assert.NoError(t, zoned.Validate())
}

func TestTriggerSendAndStop(t *testing.T) {
	ctl := &fakeController{}
	s := New(ctl, nil)
	require.NoError(t, s.Add(Spec{Name: "ping", Unit: "echo-1", Schedule: "@hourly", Action: ActionSend, Payload: `{"n":1}`}))
	require.NoError(t, s.Add(Spec{Name: "nightly-stop", Unit: "echo-1", Schedule: "0 3 * * *", Action: ActionStop}))
	require.ErrorIs(t, s.Add(Spec{Name: "ping", Unit: "x", Schedule: "@hourly", Action: ActionStop}), ErrDuplicate)

	require.NoError(t, s.Trigger(context.Background(), "ping"))
	err := s.Trigger(context.Background(), "nightly-stop")
	require.ErrorIs(t, err, ErrNotDelivered)
	require.ErrorIs(t, s.Trigger(context.Background(), "missing"), ErrUnknownSchedule)

	require.Len(t, ctl.calls, 2)
	assert.Equal(t, call{action: ActionSend, unit: "echo-1", payload: map[string]any{"n": float64(1)}}, ctl.calls[0])
	assert.Equal(t, ActionStop, ctl.calls[1].action)

	st := s.Statuses()
	require.Len(t, st, 2)
	assert.Equal(t, "nightly-stop", st[0].Name)
	assert.Equal(t, 1, st[0].Runs)
	assert.Equal(t, 1, st[0].Failures)
	assert.NotEmpty(t, st[0].LastError)
	assert.Equal(t, "ping", st[1].Name)
	assert.Equal(t, 0, st[1].Failures)
	assert.NotNil(t, st[1].LastRun)
}

func TestSchedulerFires(t *testing.T) {
	ctl := &fakeController{sendErr: errors.New("unit gone")}
	s := New(ctl, nil)
	require.NoError(t, s.Add(Spec{Name: "tick", Unit: "u", Schedule: "@every 1s", Action: ActionSend}))
	require.NoError(t, s.Add(Spec{Name: "paused", Unit: "u", Schedule: "@every 1s", Action: ActionStop, Suspend: true}))
	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	require.Eventually(t, func() bool { return ctl.count() >= 1 }, 3*time.Second, 20*time.Millisecond)

	for _, st := range s.Statuses() {
		switch st.Name {
		case "tick":
			assert.NotNil(t, st.NextRun)
		case "paused":
			assert.Nil(t, st.NextRun)
			assert.Zero(t, st.Runs)
		}
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	for _, c := range ctl.calls {
		assert.Equal(t, ActionSend, c.action)
	}
}
