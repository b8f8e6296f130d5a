package llm

import (
	"sync"
	"testing"
	"time"
)

func newTestLedger(clock *fakeClock) *ModelLedger {
	return NewModelLedger("groq", LedgerOptions{Observer: nopObserver{}, Now: clock.Now})
}

func TestLedgerMinuteWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)
	k := Key{Index: 0}
	m := ModelSpec{ID: "llama", RPM: 2}

	for i := 0; i < 2; i++ {
		if !l.Available(k, m) {
			t.Fatalf("request %d should be available", i)
		}
		l.RecordUsage(k, m.ID)
	}
	if l.Available(k, m) {
		t.Fatal("model should be at its minute limit")
	}

	clock.Advance(59 * time.Second)
	if l.Available(k, m) {
		t.Fatal("minute window should not roll before 60s")
	}
	clock.Advance(time.Second)
	if !l.Available(k, m) {
		t.Fatal("minute window should roll at 60s")
	}
}

func TestLedgerDayWindow(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)
	k := Key{Index: 0}
	m := ModelSpec{ID: "llama", RPM: 100, RPD: 3}

	for i := 0; i < 3; i++ {
		l.RecordUsage(k, m.ID)
		clock.Advance(2 * time.Minute)
	}
	if l.Available(k, m) {
		t.Fatal("model should be at its day limit")
	}

	clock.Advance(24 * time.Hour)
	if !l.Available(k, m) {
		t.Fatal("day window should roll after 24h")
	}
}

func TestLedgerPickModelOrder(t *testing.T) {
	clock := newFakeClock()
	l := newTestLedger(clock)
	k := Key{Index: 0}
	models := []ModelSpec{
		{ID: "big", Priority: 1, RPM: 1},
		{ID: "small", Priority: 2, RPM: 1},
	}

	got, ok := l.PickModel(k, models)
	if !ok || got.ID != "big" {
		t.Fatalf("first pick: got %v/%v, want big", got.ID, ok)
	}
	l.RecordUsage(k, "big")

	got, ok = l.PickModel(k, models)
	if !ok || got.ID != "small" {
		t.Fatalf("second pick: got %v/%v, want small", got.ID, ok)
	}
	l.RecordUsage(k, "small")

	if _, ok := l.PickModel(k, models); ok {
		t.Fatal("all models exhausted, PickModel should report false")
	}

	// A different key has its own counters
	if got, ok := l.PickModel(Key{Index: 1}, models); !ok || got.ID != "big" {
		t.Errorf("other key: got %v/%v, want big", got.ID, ok)
	}
}

func TestLedgerRecordError(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		cooldown time.Duration
	}{
		{KindRateLimited, 60 * time.Second},
		{KindTransient, 15 * time.Second},
		{KindTimeout, 15 * time.Second},
		{KindAuth, 0},
		{KindFatal, 0},
		{KindMalformed, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			clock := newFakeClock()
			l := newTestLedger(clock)
			k := Key{Index: 0}
			m := ModelSpec{ID: "llama"}

			l.RecordError(k, m.ID, tt.kind)

			if tt.cooldown == 0 {
				if !l.Available(k, m) {
					t.Fatalf("%s should not cool the pair down", tt.kind)
				}
				return
			}
			if l.Available(k, m) {
				t.Fatalf("%s should cool the pair down", tt.kind)
			}
			if !l.Available(Key{Index: 1}, m) {
				t.Error("cooldown must be scoped to the (key, model) pair")
			}
			clock.Advance(tt.cooldown)
			if !l.Available(k, m) {
				t.Errorf("pair should be available after %v", tt.cooldown)
			}
		})
	}
}

func TestLedgerConcurrentUsage(t *testing.T) {
	l := newTestLedger(newFakeClock())
	k := Key{Index: 0}

	var wg sync.WaitGroup
	for g := 0; g < 25; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 40; i++ {
				l.RecordUsage(k, "llama")
			}
		}()
	}
	wg.Wait()

	snap := l.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one slot, got %d", len(snap))
	}
	if snap[0].DayCount != 1000 || snap[0].MinuteCount != 1000 {
		t.Errorf("lost updates: day=%d minute=%d, want 1000", snap[0].DayCount, snap[0].MinuteCount)
	}
}
