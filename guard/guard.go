// Package guard suppresses re-processing of recently seen QR payloads.
//
// Two independent scopes are kept: a global one shared by every session
// (short cooldown, catches accidental immediate re-scans anywhere in the
// room) and a per-session one (long cooldown, stops the same package being
// booked twice onto one user). Entries expire; an opportunistic sweep on
// Check bounds memory without a timer goroutine.
package guard

import (
	"sync"
	"time"
)

// Scopes reported in a duplicate Result.
const (
	ScopeGlobal  = "global"
	ScopeSession = "session"
)

// Config holds the guard tuning knobs.
type Config struct {
	GlobalCooldown  time.Duration // default 5min
	SessionCooldown time.Duration // default 1h
	CleanupInterval time.Duration // default 10min
	Disabled        bool          // short-circuits every check to "not a duplicate"
}

// DefaultConfig returns the stock cooldowns.
func DefaultConfig() Config {
	return Config{
		GlobalCooldown:  5 * time.Minute,
		SessionCooldown: time.Hour,
		CleanupInterval: 10 * time.Minute,
	}
}

// Result is the answer to a duplicate check.
type Result struct {
	Duplicate bool
	Scope     string        // ScopeGlobal or ScopeSession when Duplicate
	Remaining time.Duration // time left on the blocking cooldown
	LastSeen  time.Time     // when the blocking entry was recorded
}

// Stats is a point-in-time snapshot of guard occupancy.
type Stats struct {
	GlobalEntries  int
	Sessions       int
	SessionEntries int
	Enabled        bool
}

// Guard is the two-scope duplicate cache. Safe for concurrent use.
type Guard struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	global    map[string]time.Time            // payload -> last accepted
	sessions  map[string]map[string]time.Time // sessionID -> payload -> last accepted
	lastSweep time.Time
}

// New creates a Guard. A nil now func uses time.Now.
func New(cfg Config, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	if cfg.GlobalCooldown <= 0 {
		cfg.GlobalCooldown = DefaultConfig().GlobalCooldown
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	return &Guard{
		cfg:       cfg,
		now:       now,
		global:    make(map[string]time.Time),
		sessions:  make(map[string]map[string]time.Time),
		lastSweep: now(),
	}
}

// Check reports whether payload counts as a duplicate. The global scope is
// consulted first; the session scope only when sessionID is non-empty and a
// session cooldown is configured. Absence of data means "not a duplicate".
func (g *Guard) Check(payload, sessionID string) Result {
	if g.cfg.Disabled {
		return Result{}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.sweepLocked(now)

	if seen, ok := g.global[payload]; ok {
		if age := now.Sub(seen); age < g.cfg.GlobalCooldown {
			return Result{
				Duplicate: true,
				Scope:     ScopeGlobal,
				Remaining: g.cfg.GlobalCooldown - age,
				LastSeen:  seen,
			}
		}
	}

	if sessionID != "" && g.cfg.SessionCooldown > 0 {
		if seen, ok := g.sessions[sessionID][payload]; ok {
			if age := now.Sub(seen); age < g.cfg.SessionCooldown {
				return Result{
					Duplicate: true,
					Scope:     ScopeSession,
					Remaining: g.cfg.SessionCooldown - age,
					LastSeen:  seen,
				}
			}
		}
	}

	return Result{}
}

// Register records an accepted payload in both scopes. Call only after the
// scan has been durably recorded; registering first would let a failed
// persist block a legitimate retry.
func (g *Guard) Register(payload, sessionID string) {
	if g.cfg.Disabled {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.global[payload] = now
	if sessionID != "" {
		m := g.sessions[sessionID]
		if m == nil {
			m = make(map[string]time.Time)
			g.sessions[sessionID] = m
		}
		m[payload] = now
	}
}

// ClearSession drops the per-session scope for sessionID. The global scope
// is untouched. Called on logout so a re-login starts clean.
func (g *Guard) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}

// Snapshot returns current occupancy, for the status feed.
func (g *Guard) Snapshot() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Stats{
		GlobalEntries: len(g.global),
		Sessions:      len(g.sessions),
		Enabled:       !g.cfg.Disabled,
	}
	for _, m := range g.sessions {
		s.SessionEntries += len(m)
	}
	return s
}

// sweepLocked removes expired entries. Runs at most once per
// CleanupInterval; callers hold g.mu.
func (g *Guard) sweepLocked(now time.Time) {
	if now.Sub(g.lastSweep) < g.cfg.CleanupInterval {
		return
	}
	g.lastSweep = now

	for payload, seen := range g.global {
		if now.Sub(seen) > g.cfg.GlobalCooldown {
			delete(g.global, payload)
		}
	}
	for id, m := range g.sessions {
		for payload, seen := range m {
			if now.Sub(seen) > g.cfg.SessionCooldown {
				delete(m, payload)
			}
		}
		if len(m) == 0 {
			delete(g.sessions, id)
		}
	}
}
