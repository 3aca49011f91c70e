package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"
)

func TestStore(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))
	key := IMAPKey("me", "imap.example.com")
	if key != "imap:me@imap.example.com" {
		t.Errorf("IMAPKey() = %q", key)
	}

	if _, err := s.Get(key); errors.Cause(err) != ErrNotFound {
		t.Errorf("Get() before Set = %v, want ErrNotFound", err)
	}
	if err := s.Set(key, "hunter2"); err != nil {
		t.Fatalf("Set() = %v", err)
	}
	if got, err := s.Get(key); err != nil || got != "hunter2" {
		t.Errorf("Get() = %q, %v, want hunter2, nil", got, err)
	}
	if err := s.Delete(key); err != nil {
		t.Errorf("Delete() = %v", err)
	}
	if _, err := s.Get(key); errors.Cause(err) != ErrNotFound {
		t.Errorf("Get() after Delete = %v, want ErrNotFound", err)
	}
}
