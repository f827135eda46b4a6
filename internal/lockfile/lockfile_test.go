package lockfile

import (
	"path/filepath"
	"testing"
)

func TestTryDaemonLockExclusive(t *testing.T) {
	pidPath := filepath.Join(t.TempDir(), "sub", "heliad.pid")

	fl, ok, err := TryDaemonLock(pidPath)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if !ok {
		t.Fatal("expected first TryDaemonLock to acquire the lock")
	}

	_, ok2, err := TryDaemonLock(pidPath)
	if err != nil {
		t.Fatalf("second lock attempt errored: %v", err)
	}
	if ok2 {
		t.Fatal("expected second TryDaemonLock to fail while the first holds the lock")
	}

	if err := FlockUnlock(fl); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	fl3, ok3, err := TryDaemonLock(pidPath)
	if err != nil {
		t.Fatalf("third lock: %v", err)
	}
	if !ok3 {
		t.Fatal("expected TryDaemonLock to succeed after the holder unlocked")
	}
	_ = FlockUnlock(fl3)
}

func TestFlockExclusiveBlocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.lock")

	fl, err := FlockExclusiveBlocking(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := FlockUnlock(fl); err != nil {
		t.Fatalf("unlock: %v", err)
	}
}

func TestFlockUnlockNil(t *testing.T) {
	if err := FlockUnlock(nil); err != nil {
		t.Fatalf("unlock of nil should be a no-op, got %v", err)
	}
}

func TestDirOf(t *testing.T) {
	cases := map[string]string{
		"/a/b/c.pid": "/a/b",
		"c.pid":      ".",
		"a/b.lock":   "a",
	}
	for in, want := range cases {
		if got := dirOf(in); got != want {
			t.Errorf("dirOf(%q) = %q, want %q", in, got, want)
		}
	}
}
