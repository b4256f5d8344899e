package session

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func sess(userID int64, id string) Session {
	return Session{ID: id, UserID: userID, StartedAt: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func TestLoginMakesUserCurrent(t *testing.T) {
	r := New(ModeLastLogin, zerolog.Nop())

	r.Login(sess(1, "s1"))
	r.Login(sess(2, "s2"))

	target, ok := r.ResolveTarget()
	if !ok || target.UserID != 2 {
		t.Fatalf("got %+v ok=%v, want user 2 current after login", target, ok)
	}
}

func TestResolveWithNobodyLoggedIn(t *testing.T) {
	r := New(ModeLastLogin, zerolog.Nop())
	if _, ok := r.ResolveTarget(); ok {
		t.Fatal("resolved a target with no active sessions")
	}
}

func TestLogoutReassignsCurrentDeterministically(t *testing.T) {
	r := New(ModeLastLogin, zerolog.Nop())
	r.Login(sess(1, "s1"))
	r.Login(sess(2, "s2"))
	r.Login(sess(3, "s3"))

	// User 3 is current; logging them out falls back to the first remaining
	// user in login order.
	if _, ok := r.Logout(3); !ok {
		t.Fatal("logout of active user failed")
	}
	target, ok := r.ResolveTarget()
	if !ok || target.UserID != 1 {
		t.Fatalf("got %+v, want user 1 as successor", target)
	}

	// Logging out a non-current user leaves the pointer alone.
	r.Logout(2)
	if target, _ = r.ResolveTarget(); target.UserID != 1 {
		t.Fatalf("got %+v, want user 1 still current", target)
	}

	// Last logout clears the pointer.
	r.Logout(1)
	if _, ok := r.ResolveTarget(); ok {
		t.Fatal("resolved a target after everyone logged out")
	}
	if st := r.State(); st.CurrentUserID != 0 {
		t.Fatalf("current pointer %d, want cleared", st.CurrentUserID)
	}
}

func TestLogoutUnknownUser(t *testing.T) {
	r := New(ModeLastLogin, zerolog.Nop())
	if _, ok := r.Logout(42); ok {
		t.Fatal("logout of unknown user succeeded")
	}
}

func TestRoundRobinCyclesInLoginOrder(t *testing.T) {
	r := New(ModeRoundRobin, zerolog.Nop())
	r.Login(sess(1, "s1"))
	r.Login(sess(2, "s2"))
	r.Login(sess(3, "s3"))

	var got []int64
	for i := 0; i < 6; i++ {
		target, ok := r.ResolveTarget()
		if !ok {
			t.Fatal("no target in round robin")
		}
		got = append(got, target.UserID)
		r.ScanAccepted()
	}

	want := []int64{1, 2, 3, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation %v, want %v", got, want)
		}
	}
}

func TestRoundRobinRejectedScanKeepsTurn(t *testing.T) {
	r := New(ModeRoundRobin, zerolog.Nop())
	r.Login(sess(1, "s1"))
	r.Login(sess(2, "s2"))

	// Without ScanAccepted the cursor must not move.
	a, _ := r.ResolveTarget()
	b, _ := r.ResolveTarget()
	if a.UserID != b.UserID {
		t.Fatalf("cursor moved without acceptance: %d then %d", a.UserID, b.UserID)
	}
}

func TestRoundRobinSurvivesLogoutBeforeCursor(t *testing.T) {
	r := New(ModeRoundRobin, zerolog.Nop())
	r.Login(sess(1, "s1"))
	r.Login(sess(2, "s2"))
	r.Login(sess(3, "s3"))

	r.ScanAccepted() // cursor now at user 2
	r.Logout(1)      // removing an earlier entry shifts the order

	target, ok := r.ResolveTarget()
	if !ok || target.UserID != 2 {
		t.Fatalf("got %+v, want cursor still on user 2", target)
	}
}

func TestManualModeKeepsExplicitChoice(t *testing.T) {
	r := New(ModeManual, zerolog.Nop())
	r.Login(sess(1, "s1"))

	// First login becomes current even in manual mode (empty pointer).
	if target, _ := r.ResolveTarget(); target.UserID != 1 {
		t.Fatalf("got %+v, want user 1", target)
	}

	// A later login does not steal the pointer.
	r.Login(sess(2, "s2"))
	if target, _ := r.ResolveTarget(); target.UserID != 1 {
		t.Fatalf("got %+v, want user 1 still current in manual mode", target)
	}

	if !r.SetCurrent(2) {
		t.Fatal("SetCurrent rejected an active user")
	}
	if target, _ := r.ResolveTarget(); target.UserID != 2 {
		t.Fatalf("got %+v, want user 2 after explicit selection", target)
	}

	if r.SetCurrent(99) {
		t.Fatal("SetCurrent accepted an unknown user")
	}
}

func TestStateSnapshotLoginOrder(t *testing.T) {
	r := New(ModeLastRFID, zerolog.Nop())
	r.Login(sess(5, "s5"))
	r.Login(sess(3, "s3"))

	st := r.State()
	if st.Mode != ModeLastRFID || st.CurrentUserID != 3 {
		t.Fatalf("unexpected snapshot header: %+v", st)
	}
	if len(st.Sessions) != 2 || st.Sessions[0].UserID != 5 || st.Sessions[1].UserID != 3 {
		t.Fatalf("snapshot order %+v, want login order 5,3", st.Sessions)
	}
}

func TestParseMode(t *testing.T) {
	if m := ParseMode("round_robin"); m != ModeRoundRobin {
		t.Fatalf("got %q", m)
	}
	if m := ParseMode("bogus"); m != ModeLastLogin {
		t.Fatalf("got %q, want last_login fallback", m)
	}
}
