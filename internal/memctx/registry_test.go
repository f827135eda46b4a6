package memctx

import (
	"context"
	"testing"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := DefaultConfig()
	cfg.InitialBlockSize = 4096
	cfg.MmapThreshold = 1 << 20
	r, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

// S1: create a context with a 1 MiB limit, allocate 256B then 1024B, then
// attempt a 2 MiB allocation expecting PressureCritical.
func TestAllocate_S1Scenario(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.CreateContext("q1", KindQuery, r.RootID(), 1<<20); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	if _, err := r.Allocate("q1", 256, 8); err != nil {
		t.Fatalf("allocate 256: %v", err)
	}
	if _, err := r.Allocate("q1", 1024, 16); err != nil {
		t.Fatalf("allocate 1024: %v", err)
	}

	ctx, _ := r.Get("q1")
	if got := ctx.bytesAllocated.Load(); got != 1280 {
		t.Fatalf("bytes_allocated = %d, want 1280", got)
	}

	_, err := r.Allocate("q1", 2<<20, 8)
	if err == nil {
		t.Fatalf("expected PressureCritical, got nil error")
	}
	me, ok := err.(*Error)
	if !ok || me.Kind != "PressureCritical" {
		t.Fatalf("expected PressureCritical, got %v", err)
	}
}

func TestAllocate_AlignmentInvariant(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.CreateContext("q2", KindQuery, r.RootID(), 0); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	for _, align := range []int{8, 16, 32, 64} {
		a, err := r.Allocate("q2", 100, align)
		if err != nil {
			t.Fatalf("allocate align=%d: %v", align, err)
		}
		if a.Addr%uintptr(align) != 0 {
			t.Fatalf("address 0x%x not aligned to %d", a.Addr, align)
		}
	}
}

func TestAllocate_RejectsInvalidInputs(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.CreateContext("q3", KindQuery, r.RootID(), 0); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	if _, err := r.Allocate("q3", 0, 8); err == nil {
		t.Fatalf("expected InvalidSize error")
	}
	if _, err := r.Allocate("q3", 100, 3); err == nil {
		t.Fatalf("expected InvalidAlignment error")
	}
	if _, err := r.Allocate("missing", 100, 8); err == nil {
		t.Fatalf("expected ContextNotFound error")
	}
}

// Invariant 3 & round-trip 10: reset zeroes bytes_allocated and every
// block's cursor, and repeated allocation sequences replay identically.
func TestReset_ZeroesCursorsAndBytes(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.CreateContext("q4", KindQuery, r.RootID(), 0); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}

	var firstRun []uintptr
	for i := 0; i < 5; i++ {
		a, err := r.Allocate("q4", 64, 8)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		firstRun = append(firstRun, a.Addr)
	}

	if err := r.Reset("q4"); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	ctx, _ := r.Get("q4")
	if got := ctx.bytesAllocated.Load(); got != 0 {
		t.Fatalf("bytes_allocated after reset = %d, want 0", got)
	}
	if got := ctx.resetCount.Load(); got != 1 {
		t.Fatalf("reset_count = %d, want 1", got)
	}

	for i := 0; i < 5; i++ {
		a, err := r.Allocate("q4", 64, 8)
		if err != nil {
			t.Fatalf("allocate after reset: %v", err)
		}
		if a.Addr != firstRun[i] {
			t.Fatalf("allocation %d after reset = 0x%x, want 0x%x (matching first run)", i, a.Addr, firstRun[i])
		}
	}
}

// Invariant 2: destroying a context invalidates every descendant.
func TestDestroy_InvalidatesDescendants(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.CreateContext("parent", KindTransaction, r.RootID(), 0); err != nil {
		t.Fatalf("CreateContext parent: %v", err)
	}
	if _, err := r.CreateContext("child", KindQuery, "parent", 0); err != nil {
		t.Fatalf("CreateContext child: %v", err)
	}

	if err := r.Destroy("parent"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := r.Get("parent"); err == nil {
		t.Fatalf("expected parent to be gone")
	}
	if _, err := r.Get("child"); err == nil {
		t.Fatalf("expected child to be gone")
	}

	// Idempotent: destroying again returns ContextNotFound, not a panic.
	if err := r.Destroy("parent"); err == nil {
		t.Fatalf("expected ContextNotFound on double destroy")
	}
}

func TestCreateContext_DuplicateAndCap(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.CreateContext("dup", KindQuery, r.RootID(), 0); err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if _, err := r.CreateContext("dup", KindQuery, r.RootID(), 0); err == nil {
		t.Fatalf("expected ErrContextExists")
	}

	r.cfg.MaxContexts = 2 // root + one more only
	if _, err := r.CreateContext("overflow", KindQuery, r.RootID(), 0); err == nil {
		t.Fatalf("expected ErrTooManyContexts")
	}
}

// S2-style pressure scenario: 9 GiB used of 10 GiB (ratio 0.9) against
// thresholds {0.75, 0.85, 0.95} is Critical, and a Warning-level callback
// with priority 5 and one with priority 50 both fire in ascending priority
// order.
func TestPressureMonitor_S2Scenario(t *testing.T) {
	m := NewPressureMonitor()
	m.SetThresholds(Thresholds{Warning: 0.75, Critical: 0.85, Emergency: 0.95})

	var order []int
	m.RegisterCallback(Callback{Level: LevelWarning, Priority: 50, Name: "b", Fn: func(context.Context) (int64, error) {
		order = append(order, 50)
		return 0, nil
	}})
	m.RegisterCallback(Callback{Level: LevelWarning, Priority: 5, Name: "a", Fn: func(context.Context) (int64, error) {
		order = append(order, 5)
		return 0, nil
	}})

	level := m.Sample(10<<30, 9<<30, 1<<30, 0)
	if level != LevelCritical {
		t.Fatalf("level = %v, want Critical", level)
	}
	if len(order) != 2 || order[0] != 5 || order[1] != 50 {
		t.Fatalf("callback order = %v, want [5 50]", order)
	}

	hist := m.History()
	if len(hist) != 1 {
		t.Fatalf("history len = %d, want 1", len(hist))
	}
}

func TestPressureMonitor_WarningStopsOnFirstFreed(t *testing.T) {
	m := NewPressureMonitor()
	m.SetThresholds(Thresholds{Warning: 0.5, Critical: 0.9, Emergency: 0.99})

	var calls int
	m.RegisterCallback(Callback{Level: LevelWarning, Priority: 1, Fn: func(context.Context) (int64, error) {
		calls++
		return 100, nil
	}})
	m.RegisterCallback(Callback{Level: LevelWarning, Priority: 2, Fn: func(context.Context) (int64, error) {
		calls++
		return 0, nil
	}})

	m.Sample(100, 60, 40, 0)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (chain should stop after first non-zero free at Warning)", calls)
	}
}
