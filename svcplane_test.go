package svcplane

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

type counterUnit struct {
	UnitBase
	n int
}

func (c *counterUnit) Main(context.Context, int) error {
	c.n++
	if c.n == 3 {
		return c.Unit().NotifyOwner(c.n)
	}
	return nil
}

func counterRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register("counter", func(Params) (Hooks, error) { return &counterUnit{}, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestManagerFacadeCustomKind(t *testing.T) {
	m := New(Options{})
	if err := m.Start("inproc://facade-custom"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Launch("c1", GoroutineLauncher(counterRegistry(t), nil), Spec{Kind: "counter", Interval: 10 * time.Millisecond}); err != nil {
		t.Fatalf("launch: %v", err)
	}

	var got int
	deadline := time.Now().Add(3 * time.Second)
	for got == 0 && time.Now().Before(deadline) {
		sender, payload, ok := m.HandleServicesCom(20 * time.Millisecond)
		if !ok {
			continue
		}
		if sender != "c1" {
			t.Fatalf("unexpected sender %q", sender)
		}
		if err := Unmarshal(payload, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
	}
	if got != 3 {
		t.Fatalf("expected owner report 3, got %d", got)
	}
	if st, ok := m.State("c1"); !ok || st != StateActive {
		t.Fatalf("expected ACTIVE, got %q (known=%v)", st, ok)
	}

	if !m.StopService("c1") {
		t.Fatal("stop request not delivered")
	}
	for time.Now().Before(deadline) {
		m.HandleServicesCom(20 * time.Millisecond)
		if st, _ := m.State("c1"); st == StateInitial {
			break
		}
	}
	if st, _ := m.State("c1"); st != StateInitial {
		t.Fatalf("expected INITIAL after stop, got %q", st)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSupervisorFacadeOverEcho(t *testing.T) {
	m := New(Options{})
	if err := m.Start("inproc://facade-echo"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Launch("e1", GoroutineLauncher(DefaultKinds(), nil), Spec{Kind: "echo", Interval: 10 * time.Millisecond}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	sup := NewSupervisor(m, WithPollTimeout(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sup.Run(ctx) }()
	defer func() {
		cancel()
		<-sup.Done()
	}()

	e := echo.New()
	MountEcho(e, "/api", sup)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d: %s", rec.Code, rec.Body.String())
	}

	units, err := sup.Units(ctx)
	if err != nil || len(units) != 1 || units[0].Name != "e1" {
		t.Fatalf("unexpected units %+v (err=%v)", units, err)
	}

	sched := NewScheduler(sup, nil)
	if err := sched.Add(ScheduleSpec{Name: "poke", Unit: "e1", Schedule: "@hourly", Action: "send", Payload: `"poked"`, Suspend: true}); err != nil {
		t.Fatalf("add schedule: %v", err)
	}
	if err := sched.Trigger(ctx, "poke"); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		msgs, err := sup.Messages(ctx)
		if err != nil {
			t.Fatalf("messages: %v", err)
		}
		found := false
		for _, m := range msgs {
			if m.Sender == "e1" && strings.Contains(m.Diagnostic, "poked") {
				found = true
			}
		}
		if found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("echoed payload not seen in %+v", msgs)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestRunWorkerRejectsBadFlags(t *testing.T) {
	if err := RunWorker(context.Background(), []string{"--bogus"}, DefaultKinds(), nil); err == nil {
		t.Fatal("expected flag error")
	}
	if err := RunWorker(context.Background(), []string{"--name", "w"}, DefaultKinds(), nil); err == nil {
		t.Fatal("expected invalid spec error")
	}
}

func TestRegisterMetricsWithCustomRegistry(t *testing.T) {
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func TestNewHistorySinkUnsupported(t *testing.T) {
	if _, err := NewHistorySink("kafka://localhost:9092"); err == nil {
		t.Fatal("expected unsupported DSN error")
	}
}
