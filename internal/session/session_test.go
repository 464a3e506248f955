package session

import (
	"testing"
	"time"
)

func TestStore_CreateValidate(t *testing.T) {
	t.Parallel()
	s := New(time.Hour)

	sess, err := s.Create("user-1", "admin")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.ID) < 20 {
		t.Errorf("session id too short for 128 bits of entropy: %q", sess.ID)
	}

	got, ok := s.Validate(sess.ID)
	if !ok {
		t.Fatal("expected session to validate")
	}
	if got.UserID != "user-1" || got.Role != "admin" {
		t.Errorf("got %+v, want userID=user-1 role=admin", got)
	}
}

func TestStore_ValidateUnknownID(t *testing.T) {
	t.Parallel()
	s := New(time.Hour)
	if _, ok := s.Validate("does-not-exist"); ok {
		t.Error("unknown id should not validate")
	}
}

func TestStore_ValidateExpired(t *testing.T) {
	t.Parallel()
	s := New(10 * time.Millisecond)
	sess, err := s.Create("user-1", "admin")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := s.Validate(sess.ID); ok {
		t.Error("expired session should not validate")
	}
}

func TestStore_Refresh(t *testing.T) {
	t.Parallel()
	s := New(30 * time.Millisecond)
	sess, err := s.Create("user-1", "admin")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	if !s.Refresh(sess.ID) {
		t.Fatal("refresh should succeed before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := s.Validate(sess.ID); !ok {
		t.Error("session should still be valid after refresh extended its expiry")
	}
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	s := New(time.Hour)
	sess, err := s.Create("user-1", "admin")
	if err != nil {
		t.Fatal(err)
	}
	s.Delete(sess.ID)
	if _, ok := s.Validate(sess.ID); ok {
		t.Error("deleted session should not validate")
	}
}

func TestStore_SweepRemovesExpiredOnly(t *testing.T) {
	t.Parallel()
	s := New(time.Hour)
	expired, err := s.Create("expired-user", "admin")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := s.Create("fresh-user", "admin")
	if err != nil {
		t.Fatal(err)
	}

	s.mu.Lock()
	s.sessions[expired.ID].ExpiresAt = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	removed := s.sweep(time.Now())
	if removed != 1 {
		t.Errorf("sweep removed %d, want 1", removed)
	}
	if _, ok := s.Validate(fresh.ID); !ok {
		t.Error("fresh session should survive the sweep")
	}
}
