package lock

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestAcquire_Exclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "client.lock")
	first, err := Acquire(path)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if _, err := Acquire(path); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Acquire = %v, want ErrAlreadyRunning", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	again, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if again.Path() != path {
		t.Errorf("Path = %q", again.Path())
	}
	_ = again.Close()
}

func TestDefaultPath(t *testing.T) {
	t.Parallel()

	if p := DefaultPath(); filepath.Base(p) != "scribelink.lock" {
		t.Errorf("DefaultPath = %q", p)
	}
}
