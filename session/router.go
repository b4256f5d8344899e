// Package session tracks which users are logged in at the kiosk and decides
// which of them receives the next scan. It is a pure in-memory state
// machine: persistence and event publishing happen in the kiosk package,
// strictly before the corresponding mutation here.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Mode selects how the next scan is attributed.
type Mode string

const (
	// ModeLastLogin assigns scans to the most recently current user.
	ModeLastLogin Mode = "last_login"
	// ModeLastRFID is the badge-driven variant of ModeLastLogin: whoever
	// tapped last is current. The router treats both identically; the
	// distinction is which UI surface may also move the pointer.
	ModeLastRFID Mode = "last_rfid"
	// ModeRoundRobin rotates through active sessions in login order.
	ModeRoundRobin Mode = "round_robin"
	// ModeManual only ever follows explicit SetCurrent calls.
	ModeManual Mode = "manual"
)

// ParseMode validates a configured mode string, falling back to last_login.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeLastLogin, ModeLastRFID, ModeRoundRobin, ModeManual:
		return Mode(s)
	default:
		return ModeLastLogin
	}
}

// Session is one user's presence from login to logout.
type Session struct {
	ID        string
	UserID    int64
	StartedAt time.Time
}

// Snapshot is a read-only copy of the router state for the status feed.
type Snapshot struct {
	Mode          Mode
	Sessions      []Session // login order
	CurrentUserID int64     // 0 when nobody is current
}

// Router owns the active-session set and the current-user pointer.
// Safe for concurrent use; every mutation holds the one lock, so tag events
// are applied strictly in arrival order.
type Router struct {
	log zerolog.Logger

	mu       sync.Mutex
	mode     Mode
	sessions map[int64]Session
	order    []int64 // login order, drives round-robin and successor election
	current  int64   // 0 = none
	cursor   int     // round-robin position within order
}

// New creates a Router in the given mode.
func New(mode Mode, log zerolog.Logger) *Router {
	return &Router{
		log:      log,
		mode:     mode,
		sessions: make(map[int64]Session),
	}
}

// Login inserts a session for a user not currently logged in and makes the
// user current (tapping a badge means "I'm next"). In manual mode the
// pointer only moves when nobody was current, so an operator's explicit
// choice is never overridden by someone logging in.
func (r *Router) Login(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.UserID]; ok {
		// Re-login without logout: replace the session record in place.
		r.sessions[s.UserID] = s
		return
	}

	r.sessions[s.UserID] = s
	r.order = append(r.order, s.UserID)

	if r.mode != ModeManual || r.current == 0 {
		r.current = s.UserID
	}
}

// Active returns the session for userID, if logged in.
func (r *Router) Active(userID int64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// SetCurrent points the next scan at userID. Reports false when the user is
// not logged in.
func (r *Router) SetCurrent(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[userID]; !ok {
		return false
	}
	r.current = userID
	return true
}

// Logout removes a user's session and returns it. When the departing user
// was current, the first remaining user in login order becomes current, or
// the pointer clears if the kiosk is now empty.
func (r *Router) Logout(userID int64) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[userID]
	if !ok {
		return Session{}, false
	}
	delete(r.sessions, userID)

	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			if r.cursor > i {
				r.cursor--
			}
			break
		}
	}
	if len(r.order) > 0 {
		r.cursor = r.cursor % len(r.order)
	} else {
		r.cursor = 0
	}

	if r.current == userID {
		if len(r.order) > 0 {
			r.current = r.order[0]
		} else {
			r.current = 0
		}
	}
	return s, true
}

// ResolveTarget picks the session that should receive the next scan.
// Reports false when nobody is logged in (the scan is unattributed and the
// caller must say so, not drop it silently).
func (r *Router) ResolveTarget() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) == 0 {
		return Session{}, false
	}

	if r.mode == ModeRoundRobin {
		return r.sessions[r.order[r.cursor%len(r.order)]], true
	}

	if r.current == 0 {
		return Session{}, false
	}
	s, ok := r.sessions[r.current]
	if !ok {
		// Should be unreachable: every mutation keeps the pointer inside
		// the session set. Self-heal instead of crashing the kiosk.
		r.log.Error().Int64("user_id", r.current).Msg("current user has no session, clearing")
		r.current = 0
		return Session{}, false
	}
	return s, true
}

// ScanAccepted tells the router a scan was durably recorded. In round-robin
// mode this advances the rotation; rejected or failed scans do not consume
// the user's turn.
func (r *Router) ScanAccepted() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == ModeRoundRobin && len(r.order) > 0 {
		r.cursor = (r.cursor + 1) % len(r.order)
	}
}

// State returns a copy of the router state in login order.
func (r *Router) State() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{Mode: r.mode, CurrentUserID: r.current}
	for _, id := range r.order {
		snap.Sessions = append(snap.Sessions, r.sessions[id])
	}
	return snap
}
