package scheduler

import (
	"testing"
	"time"
)

func TestSchedulerFiresAtCadence(t *testing.T) {
	current := time.Unix(0, 0).UTC()
	s := New(WithNow(func() time.Time { return current }))

	fired := 0
	s.Register([]ActivitySpec{
		{Name: "sender", Cadence: 50 * time.Millisecond, Fire: func(time.Time) { fired++ }},
	})

	current = current.Add(40 * time.Millisecond)
	s.Tick(current)
	if fired != 0 {
		t.Fatalf("fired before cadence elapsed")
	}

	current = current.Add(10 * time.Millisecond)
	s.Tick(current)
	if fired != 1 {
		t.Fatalf("expected 1 firing, got %d", fired)
	}

	current = current.Add(60 * time.Millisecond)
	s.Tick(current)
	if fired != 2 {
		t.Fatalf("expected 2 firings after reschedule, got %d", fired)
	}
}

func TestSchedulerIndependentCadences(t *testing.T) {
	current := time.Unix(0, 0).UTC()
	s := New(WithNow(func() time.Time { return current }))

	var fast, slow int
	s.Register([]ActivitySpec{
		{Name: "fast", Cadence: 10 * time.Millisecond, Fire: func(time.Time) { fast++ }},
		{Name: "slow", Cadence: 25 * time.Millisecond, Fire: func(time.Time) { slow++ }},
	})

	for i := 0; i < 5; i++ {
		current = current.Add(10 * time.Millisecond)
		s.Tick(current)
	}
	if fast != 5 {
		t.Fatalf("expected fast to fire 5 times, got %d", fast)
	}
	if slow != 2 {
		t.Fatalf("expected slow to fire 2 times, got %d", slow)
	}
}

func TestSchedulerStopIsAtomic(t *testing.T) {
	current := time.Unix(0, 0).UTC()
	s := New(WithNow(func() time.Time { return current }))

	fired := 0
	s.Register([]ActivitySpec{
		{Name: "a", Cadence: 10 * time.Millisecond, Fire: func(time.Time) {
			fired++
			s.Stop()
		}},
		{Name: "b", Cadence: 10 * time.Millisecond, Fire: func(time.Time) { fired++ }},
	})

	current = current.Add(10 * time.Millisecond)
	s.Tick(current)
	if fired != 1 {
		t.Fatalf("expected the first due activity to stop the rest, got %d firings", fired)
	}

	current = current.Add(50 * time.Millisecond)
	s.Tick(current)
	if fired != 1 {
		t.Fatalf("activity fired after Stop")
	}
}

func TestSchedulerRegisterReplaces(t *testing.T) {
	current := time.Unix(0, 0).UTC()
	s := New(WithNow(func() time.Time { return current }))

	var old, fresh int
	s.Register([]ActivitySpec{
		{Name: "old", Cadence: 10 * time.Millisecond, Fire: func(time.Time) { old++ }},
	})
	s.Register([]ActivitySpec{
		{Name: "fresh", Cadence: 10 * time.Millisecond, Fire: func(time.Time) { fresh++ }},
	})

	current = current.Add(20 * time.Millisecond)
	s.Tick(current)
	if old != 0 {
		t.Fatalf("replaced activity still fired")
	}
	if fresh != 1 {
		t.Fatalf("expected replacement activity to fire once, got %d", fresh)
	}
}
