// Package kiosk wires the tag decoder, session router and duplicate guard
// around the persistence layer. It owns the one correctness rule the rest
// of the system depends on: nothing in memory may claim a state that was
// not durably recorded first. Sessions are created before the router learns
// about them, scans are persisted before the guard registers them, and a
// failed persistence call leaves every cache exactly as it was.
package kiosk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gointake/guard"
	"gointake/session"
)

// User is the persistence layer's view of a badge holder.
type User struct {
	ID          int64
	DisplayName string
	BadgeTag    string
}

// Store is the synchronous persistence collaborator. Calls may block; the
// orchestrator is only ever driven from background event pumps, never from
// the input-delivery path itself.
type Store interface {
	GetUserByTag(ctx context.Context, tag string) (User, bool, error)
	CreateUser(ctx context.Context, displayName, badgeTag string) (User, error)
	CreateSession(ctx context.Context, userID int64) (session.Session, error)
	EndSession(ctx context.Context, sessionID string) error
	RecordScan(ctx context.Context, sessionID, payload string) error
}

// Events is the fire-and-forget presentation surface. Implementations must
// not block; the MQTT publisher hands off to paho's internal queue.
type Events interface {
	UserLoggedIn(u User, s session.Session)
	UserBecameActive(userID int64)
	UserLoggedOut(userID int64)
	TagRejectedUnknown(tag string)
	ScanAccepted(userID int64, payload string, at time.Time)
	ScanRejectedDuplicate(payload, scope string, remaining time.Duration)
	ScanRejectedNoActiveUser(payload string)
	ScanPersistenceFailed(payload string, err error)
}

// RetapPolicy decides what a badge tap means for an already-logged-in user.
type RetapPolicy string

const (
	// RetapLogout ends the session, the original kiosk behavior.
	RetapLogout RetapPolicy = "logout"
	// RetapMarkActive promotes the user to current without logging out.
	RetapMarkActive RetapPolicy = "mark_active"
)

// ParseRetapPolicy validates a configured policy, falling back to logout.
func ParseRetapPolicy(s string) RetapPolicy {
	if RetapPolicy(s) == RetapMarkActive {
		return RetapMarkActive
	}
	return RetapLogout
}

// Config holds orchestrator behavior switches.
type Config struct {
	Retap RetapPolicy
	// AutoProvision creates a user on first-ever tap of an unknown tag
	// instead of rejecting it. Off by default; most sites import their
	// staff list out of band.
	AutoProvision bool
}

// Orchestrator sequences tag and payload events across the router, guard
// and store. One mutex serializes all event handling, so a rapid
// login+logout burst cannot interleave.
type Orchestrator struct {
	cfg    Config
	store  Store
	events Events
	router *session.Router
	guard  *guard.Guard
	log    zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	counts map[string]int // sessionID -> accepted scans
	users  map[int64]User // logged-in users, for the status feed
}

// New creates an Orchestrator. A nil now func uses time.Now.
func New(cfg Config, store Store, events Events, router *session.Router, g *guard.Guard, log zerolog.Logger, now func() time.Time) *Orchestrator {
	if now == nil {
		now = time.Now
	}
	if cfg.Retap == "" {
		cfg.Retap = RetapLogout
	}
	return &Orchestrator{
		cfg:    cfg,
		store:  store,
		events: events,
		router: router,
		guard:  g,
		log:    log,
		now:    now,
		counts: make(map[string]int),
		users:  make(map[int64]User),
	}
}

// Restore re-seeds the router with a session that was still open in the
// store, so a kiosk restart does not orphan logged-in users. scanCount is
// the session's persisted scan total, carried into the status feed.
func (o *Orchestrator) Restore(u User, s session.Session, scanCount int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.router.Login(s)
	o.users[u.ID] = u
	o.counts[s.ID] = scanCount
}

// HandleTag processes one decoded tag ID: login, re-tap, or rejection.
func (o *Orchestrator) HandleTag(ctx context.Context, tag string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	user, found, err := o.store.GetUserByTag(ctx, tag)
	if err != nil {
		o.log.Error().Err(err).Str("tag", tag).Msg("tag lookup failed")
		o.events.ScanPersistenceFailed(tag, err)
		return
	}
	if !found {
		if !o.cfg.AutoProvision {
			o.log.Info().Str("tag", tag).Msg("unknown tag")
			o.events.TagRejectedUnknown(tag)
			return
		}
		user, err = o.store.CreateUser(ctx, tag, tag)
		if err != nil {
			o.log.Error().Err(err).Str("tag", tag).Msg("auto-provision failed")
			o.events.ScanPersistenceFailed(tag, err)
			return
		}
		o.log.Info().Str("tag", tag).Int64("user_id", user.ID).Msg("auto-provisioned user")
	}

	if _, active := o.router.Active(user.ID); active {
		switch o.cfg.Retap {
		case RetapMarkActive:
			o.router.SetCurrent(user.ID)
			o.log.Info().Int64("user_id", user.ID).Msg("re-tap, user marked current")
			o.events.UserBecameActive(user.ID)
		default:
			o.logoutLocked(ctx, user.ID)
		}
		return
	}

	sess, err := o.store.CreateSession(ctx, user.ID)
	if err != nil {
		o.log.Error().Err(err).Int64("user_id", user.ID).Msg("create session failed")
		o.events.ScanPersistenceFailed(tag, err)
		return
	}

	// Session IDs can recur across restarts; make sure no stale per-session
	// guard state is inherited.
	o.guard.ClearSession(sess.ID)

	o.router.Login(sess)
	o.users[user.ID] = user
	o.log.Info().Int64("user_id", user.ID).Str("session_id", sess.ID).Str("name", user.DisplayName).Msg("user logged in")
	o.events.UserLoggedIn(user, sess)
}

// HandlePayload processes one decoded QR payload end to end: target
// resolution, duplicate check, persistence, registration.
func (o *Orchestrator) HandlePayload(ctx context.Context, payload string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	target, ok := o.router.ResolveTarget()
	if !ok {
		o.log.Debug().Str("payload", truncate(payload)).Msg("scan with no active user")
		o.events.ScanRejectedNoActiveUser(payload)
		return
	}

	if res := o.guard.Check(payload, target.ID); res.Duplicate {
		o.log.Debug().
			Str("payload", truncate(payload)).
			Str("scope", res.Scope).
			Dur("remaining", res.Remaining).
			Msg("duplicate scan rejected")
		o.events.ScanRejectedDuplicate(payload, res.Scope, res.Remaining)
		return
	}

	if err := o.store.RecordScan(ctx, target.ID, payload); err != nil {
		// Deliberately no Register here: a retry of the same code must not
		// be blocked by a scan that was never stored.
		o.log.Error().Err(err).Str("payload", truncate(payload)).Msg("record scan failed")
		o.events.ScanPersistenceFailed(payload, err)
		return
	}

	o.guard.Register(payload, target.ID)
	o.router.ScanAccepted()
	o.counts[target.ID]++
	o.log.Info().Int64("user_id", target.UserID).Str("payload", truncate(payload)).Msg("scan accepted")
	o.events.ScanAccepted(target.UserID, payload, o.now())
}

// HandleLogout ends a user's session on explicit request (UI button or
// remote command).
func (o *Orchestrator) HandleLogout(ctx context.Context, userID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.logoutLocked(ctx, userID)
}

func (o *Orchestrator) logoutLocked(ctx context.Context, userID int64) {
	sess, active := o.router.Active(userID)
	if !active {
		return
	}

	if err := o.store.EndSession(ctx, sess.ID); err != nil {
		// Router state untouched: the session is still open as far as the
		// store is concerned, and the operation can be retried.
		o.log.Error().Err(err).Str("session_id", sess.ID).Msg("end session failed")
		o.events.ScanPersistenceFailed(sess.ID, err)
		return
	}

	o.router.Logout(userID)
	o.guard.ClearSession(sess.ID)
	delete(o.counts, sess.ID)
	delete(o.users, userID)
	o.log.Info().Int64("user_id", userID).Str("session_id", sess.ID).Msg("user logged out")
	o.events.UserLoggedOut(userID)
}

// SetCurrent is the explicit UI selection used by manual assignment mode.
func (o *Orchestrator) SetCurrent(userID int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.router.SetCurrent(userID) {
		return false
	}
	o.events.UserBecameActive(userID)
	return true
}

// SessionInfo is one row of the kiosk status feed.
type SessionInfo struct {
	Session   session.Session
	User      User
	ScanCount int
}

// Status describes the kiosk for the periodic ping.
type Status struct {
	Mode          session.Mode
	CurrentUserID int64
	Sessions      []SessionInfo
	Guard         guard.Stats
}

// Status returns a snapshot of sessions, scan counts and guard occupancy.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := o.router.State()
	st := Status{
		Mode:          snap.Mode,
		CurrentUserID: snap.CurrentUserID,
		Guard:         o.guard.Snapshot(),
	}
	for _, s := range snap.Sessions {
		st.Sessions = append(st.Sessions, SessionInfo{
			Session:   s,
			User:      o.users[s.UserID],
			ScanCount: o.counts[s.ID],
		})
	}
	return st
}

// truncate keeps payload fragments in logs to a sane length; QR payloads
// can be whole JSON documents.
func truncate(s string) string {
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
