package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTempStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "intake.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, ctx
}

func TestUserLookupRoundTrip(t *testing.T) {
	s, ctx := openTempStore(t)

	if _, found, err := s.GetUserByTag(ctx, "53004ECD68"); err != nil || found {
		t.Fatalf("empty db lookup: found=%v err=%v", found, err)
	}

	u, err := s.CreateUser(ctx, "Anna", "53004ECD68")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if u.ID == 0 {
		t.Fatal("user id not assigned")
	}

	got, found, err := s.GetUserByTag(ctx, "53004ECD68")
	if err != nil || !found {
		t.Fatalf("lookup: found=%v err=%v", found, err)
	}
	if got.ID != u.ID || got.DisplayName != "Anna" {
		t.Fatalf("got %+v", got)
	}
}

func TestBadgeTagConstraints(t *testing.T) {
	s, ctx := openTempStore(t)

	if _, err := s.CreateUser(ctx, "Anna", "53004ECD68"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	// Duplicate tag rejected.
	if _, err := s.CreateUser(ctx, "Imposter", "53004ECD68"); err == nil {
		t.Fatal("duplicate badge tag accepted")
	}
	// Malformed tags rejected by the check constraint.
	for _, tag := range []string{"short", "53004ecd68", "0123456789ABCDEF", "WXYZ1234"} {
		if _, err := s.CreateUser(ctx, "Bad", tag); err == nil {
			t.Fatalf("malformed tag %q accepted", tag)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	s, ctx := openTempStore(t)
	u, _ := s.CreateUser(ctx, "Anna", "53004ECD68")

	sess, err := s.CreateSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.ID == "" || sess.UserID != u.ID {
		t.Fatalf("session %+v", sess)
	}

	if err := s.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	if err := s.EndSession(ctx, sess.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("second end: %v, want ErrSessionClosed", err)
	}
	if err := s.EndSession(ctx, "no-such-session"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown end: %v, want ErrNotFound", err)
	}
}

func TestCreateSessionClosesStaleOne(t *testing.T) {
	s, ctx := openTempStore(t)
	u, _ := s.CreateUser(ctx, "Anna", "53004ECD68")

	first, err := s.CreateSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("first session: %v", err)
	}

	// A second login without logout (kiosk crashed) must supersede the
	// stale session instead of tripping the one-active-session index.
	second, err := s.CreateSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("second session: %v", err)
	}

	active, err := s.ActiveSessions(ctx)
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if len(active) != 1 || active[0].Session.ID != second.ID {
		t.Fatalf("active %+v, want only %s", active, second.ID)
	}
	if err := s.EndSession(ctx, first.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("stale session state: %v", err)
	}
}

func TestScansAndCounts(t *testing.T) {
	s, ctx := openTempStore(t)
	u, _ := s.CreateUser(ctx, "Anna", "53004ECD68")
	sess, _ := s.CreateSession(ctx, u.ID)

	for _, p := range []string{`{"order":"1"}`, `{"order":"2"}`} {
		if err := s.RecordScan(ctx, sess.ID, p); err != nil {
			t.Fatalf("record scan: %v", err)
		}
	}

	n, err := s.CountScans(ctx, sess.ID)
	if err != nil || n != 2 {
		t.Fatalf("count=%d err=%v, want 2", n, err)
	}

	// Scans against a nonexistent session violate the foreign key.
	if err := s.RecordScan(ctx, "no-such-session", "x"); err == nil {
		t.Fatal("orphan scan accepted")
	}
}

func TestActiveSessionsRecoveryOrder(t *testing.T) {
	s, ctx := openTempStore(t)
	anna, _ := s.CreateUser(ctx, "Anna", "53004ECD68")
	ben, _ := s.CreateUser(ctx, "Ben", "AABBCCDD")

	sa, _ := s.CreateSession(ctx, anna.ID)
	sb, _ := s.CreateSession(ctx, ben.ID)

	active, err := s.ActiveSessions(ctx)
	if err != nil {
		t.Fatalf("active sessions: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active %+v, want 2", active)
	}
	ids := []string{active[0].Session.ID, active[1].Session.ID}
	if !(ids[0] == sa.ID && ids[1] == sb.ID) && !(ids[0] == sb.ID && ids[1] == sa.ID) {
		t.Fatalf("unexpected sessions %v", ids)
	}
	if active[0].User.DisplayName == "" {
		t.Fatalf("user not joined: %+v", active[0])
	}

	if err := s.EndSession(ctx, sa.ID); err != nil {
		t.Fatalf("end session: %v", err)
	}
	active, _ = s.ActiveSessions(ctx)
	if len(active) != 1 || active[0].Session.ID != sb.ID {
		t.Fatalf("active after end %+v", active)
	}
}
