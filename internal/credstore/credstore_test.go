package credstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_InitializeGeneratesPassword(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "admin.json")
	s := New(path)

	plaintext, err := s.Initialize()
	if err != nil {
		t.Fatal(err)
	}
	if len(plaintext) != passwordLength {
		t.Errorf("plaintext length = %d, want %d", len(plaintext), passwordLength)
	}
	if !s.Verify("admin", plaintext) {
		t.Error("Verify should succeed with the generated password")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("document not persisted: %v", err)
	}
}

func TestStore_InitializeIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "admin.json")
	s1 := New(path)
	plaintext, err := s1.Initialize()
	if err != nil {
		t.Fatal(err)
	}

	s2 := New(path)
	second, err := s2.Initialize()
	if err != nil {
		t.Fatal(err)
	}
	if second != "" {
		t.Error("second Initialize should not return a plaintext")
	}
	if !s2.Verify("admin", plaintext) {
		t.Error("second Store should load the same credential from disk")
	}
}

func TestStore_VerifyRejectsWrongPassword(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "admin.json")
	s := New(path)
	if _, err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if s.Verify("admin", "wrong-password") {
		t.Error("Verify should fail for a wrong password")
	}
	if s.Verify("nobody", "wrong-password") {
		t.Error("Verify should fail for a wrong username")
	}
}

func TestStore_ChangePassword(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "admin.json")
	s := New(path)
	plaintext, err := s.Initialize()
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ChangePassword(plaintext, "new-password-123"); err != nil {
		t.Fatal(err)
	}
	if !s.Verify("admin", "new-password-123") {
		t.Error("Verify should succeed with the new password")
	}
	if s.Verify("admin", plaintext) {
		t.Error("Verify should fail with the old password")
	}
}

func TestStore_ChangePasswordRejectsWrongCurrent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "admin.json")
	s := New(path)
	if _, err := s.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err := s.ChangePassword("wrong-current", "new-password-123"); err != ErrInvalidCredentials {
		t.Errorf("got err %v, want ErrInvalidCredentials", err)
	}
}
