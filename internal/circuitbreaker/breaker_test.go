package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := New(threshold, cooldown)
	b.now = clk.now
	return b, clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("read")
	b.RecordFailure("read")
	if !b.Allow("read") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("read")
	if b.Allow("read") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("read") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("read"))
	}
	if b.State("write") != StateClosed {
		t.Fatal("keys are independent")
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Minute)
	b.RecordFailure("read")
	b.RecordFailure("read")

	clk.advance(59 * time.Second)
	if b.Allow("read") {
		t.Fatal("should stay open during cooldown")
	}

	clk.advance(time.Second)
	if !b.Allow("read") {
		t.Fatal("should allow one probe after cooldown")
	}
	if b.Allow("read") {
		t.Fatal("should reject a second call while probing")
	}

	b.RecordFailure("read")
	if b.State("read") != StateOpen {
		t.Fatalf("failed probe should reopen, got %v", b.State("read"))
	}

	clk.advance(time.Minute)
	if !b.Allow("read") {
		t.Fatal("should probe again")
	}
	b.RecordSuccess("read")
	if b.State("read") != StateClosed {
		t.Fatalf("successful probe should close, got %v", b.State("read"))
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	b.RecordFailure("read")
	b.RecordSuccess("read")
	b.RecordFailure("read")
	if b.State("read") != StateClosed {
		t.Fatal("non-consecutive failures should not trip")
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	rpcDown := errors.New("connection refused")
	reverted := errors.New("reverted")
	countable := func(err error) bool { return !errors.Is(err, reverted) }

	for i := 0; i < 5; i++ {
		if err := b.Do("write", func() error { return reverted }, countable); !errors.Is(err, reverted) {
			t.Fatalf("expected pass-through error, got %v", err)
		}
	}
	if b.State("write") != StateClosed {
		t.Fatal("uncounted errors must not trip the circuit")
	}

	_ = b.Do("write", func() error { return rpcDown }, countable)
	_ = b.Do("write", func() error { return rpcDown }, countable)

	called := false
	err := b.Do("write", func() error { called = true; return nil }, countable)
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	var got []string
	b.OnTransition(func(key string, from, to State) {
		got = append(got, key+":"+from.String()+"->"+to.String())
	})

	b.RecordFailure("read")
	if len(got) != 1 || got[0] != "read:closed->open" {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half_open",
		State(99):     "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestBreaker_CountsTransitions(t *testing.T) {
	stateTransitions.Reset()
	b, clk := newTestBreaker(1, time.Second)

	b.RecordFailure("token_read")
	clk.advance(time.Second)
	b.Allow("token_read")
	b.RecordSuccess("token_read")

	for _, tr := range [][2]State{{StateClosed, StateOpen}, {StateOpen, StateHalfOpen}, {StateHalfOpen, StateClosed}} {
		counter, err := stateTransitions.GetMetricWithLabelValues("token_read", tr[0].String(), tr[1].String())
		if err != nil {
			t.Fatalf("GetMetricWithLabelValues failed: %v", err)
		}
		m := &dto.Metric{}
		_ = counter.Write(m)
		if m.Counter.GetValue() != 1.0 {
			t.Errorf("%v->%v: expected 1 transition, got %f", tr[0], tr[1], m.Counter.GetValue())
		}
	}
}
