package main

import (
	"path/filepath"
	"testing"
)

func TestResolveSocketPathExplicit(t *testing.T) {
	origSocket, origData := flagSocketPath, flagDataDir
	defer func() { flagSocketPath, flagDataDir = origSocket, origData }()

	flagSocketPath = "/tmp/explicit.sock"
	flagDataDir = ".helia"

	if got := resolveSocketPath(); got != "/tmp/explicit.sock" {
		t.Errorf("resolveSocketPath() = %q, want the explicit --socket value", got)
	}
}

func TestResolveSocketPathDerivedFromDataDir(t *testing.T) {
	origSocket, origData := flagSocketPath, flagDataDir
	defer func() { flagSocketPath, flagDataDir = origSocket, origData }()

	flagSocketPath = ""
	flagDataDir = filepath.Join(t.TempDir(), "helia")

	got := resolveSocketPath()
	if got == "" {
		t.Fatal("resolveSocketPath() returned empty with no --socket set")
	}
	if filepath.Base(got) == "" {
		t.Errorf("resolveSocketPath() = %q, want a well-formed path", got)
	}
}
