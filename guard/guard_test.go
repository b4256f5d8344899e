package guard

import (
	"testing"
	"time"
)

// fakeClock drives the guard's injected now func.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newGuard(cfg Config) (*Guard, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
	return New(cfg, clk.now), clk
}

func TestCheckAfterRegisterIsDuplicate(t *testing.T) {
	g, _ := newGuard(DefaultConfig())

	if r := g.Check(`{"order":"1"}`, "s1"); r.Duplicate {
		t.Fatalf("fresh payload reported duplicate: %+v", r)
	}

	g.Register(`{"order":"1"}`, "s1")

	r := g.Check(`{"order":"1"}`, "s1")
	if !r.Duplicate || r.Scope != ScopeGlobal {
		t.Fatalf("got %+v, want global duplicate", r)
	}
	if r.Remaining <= 0 || r.Remaining > 5*time.Minute {
		t.Fatalf("remaining %v out of range", r.Remaining)
	}
}

func TestGlobalCooldownExpires(t *testing.T) {
	g, clk := newGuard(DefaultConfig())
	g.Register("payload", "s1")

	clk.advance(6 * time.Minute)

	// Past the global cooldown a different session sees it fresh.
	if r := g.Check("payload", "s2"); r.Duplicate {
		t.Fatalf("got %+v, want not-duplicate after global cooldown", r)
	}
}

func TestSessionScopeOutlivesGlobal(t *testing.T) {
	g, clk := newGuard(DefaultConfig())
	g.Register("payload", "s1")

	clk.advance(6 * time.Minute)

	r := g.Check("payload", "s1")
	if !r.Duplicate || r.Scope != ScopeSession {
		t.Fatalf("got %+v, want session-scope duplicate", r)
	}
	if want := time.Hour - 6*time.Minute; r.Remaining != want {
		t.Fatalf("remaining %v, want %v", r.Remaining, want)
	}
}

func TestClearSessionLeavesGlobalScope(t *testing.T) {
	g, clk := newGuard(DefaultConfig())
	g.Register("payload", "s1")

	g.ClearSession("s1")

	// Global scope still blocks inside its cooldown.
	if r := g.Check("payload", "s1"); !r.Duplicate || r.Scope != ScopeGlobal {
		t.Fatalf("got %+v, want global duplicate after session clear", r)
	}

	// Once global expires nothing is left: the session entry is gone.
	clk.advance(6 * time.Minute)
	if r := g.Check("payload", "s1"); r.Duplicate {
		t.Fatalf("got %+v, want not-duplicate", r)
	}
}

func TestDisabledGuardNeverBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Disabled = true
	g, _ := newGuard(cfg)

	g.Register("payload", "s1")
	if r := g.Check("payload", "s1"); r.Duplicate {
		t.Fatalf("disabled guard reported duplicate: %+v", r)
	}
	if s := g.Snapshot(); s.GlobalEntries != 0 || s.Enabled {
		t.Fatalf("disabled guard recorded entries: %+v", s)
	}
}

func TestNoSessionIDSkipsSessionScope(t *testing.T) {
	g, clk := newGuard(DefaultConfig())
	g.Register("payload", "")

	clk.advance(6 * time.Minute)
	if r := g.Check("payload", ""); r.Duplicate {
		t.Fatalf("got %+v, want not-duplicate without session scope", r)
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	g, clk := newGuard(DefaultConfig())
	g.Register("old", "s1")

	// Past both cooldowns and the cleanup interval; the next Check sweeps.
	clk.advance(2 * time.Hour)
	g.Check("unrelated", "s2")

	s := g.Snapshot()
	if s.GlobalEntries != 0 || s.Sessions != 0 || s.SessionEntries != 0 {
		t.Fatalf("sweep left entries behind: %+v", s)
	}
}

func TestSweepIsRateLimited(t *testing.T) {
	g, clk := newGuard(DefaultConfig())
	g.Register("old", "s1")

	// Entry expired but cleanup interval not yet reached: entry stays, and
	// the expiry check still answers correctly.
	clk.advance(6 * time.Minute)
	if r := g.Check("old", "s2"); r.Duplicate {
		t.Fatalf("got %+v, want not-duplicate for expired global entry", r)
	}
	if s := g.Snapshot(); s.GlobalEntries != 1 {
		t.Fatalf("entry swept too early: %+v", s)
	}
}

func TestSnapshotCounts(t *testing.T) {
	g, _ := newGuard(DefaultConfig())
	g.Register("a", "s1")
	g.Register("b", "s1")
	g.Register("c", "s2")

	s := g.Snapshot()
	if s.GlobalEntries != 3 || s.Sessions != 2 || s.SessionEntries != 3 || !s.Enabled {
		t.Fatalf("unexpected stats: %+v", s)
	}
}
