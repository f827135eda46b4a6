package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// withIsolatedEnv points HOME/XDG_CONFIG_HOME/CWD at a scratch directory with
// no .helia/config.yaml, so Initialize falls back to defaults and env vars
// regardless of where the test binary happens to run.
func withIsolatedEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()

	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))

	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
}

func TestInitializeDefaults(t *testing.T) {
	withIsolatedEnv(t)

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if got := GetInt64("memory.initial_block_size"); got != 64*1024 {
		t.Errorf("memory.initial_block_size = %d, want %d", got, 64*1024)
	}
	if got := GetFloat64("memory.growth_factor"); got != 2.0 {
		t.Errorf("memory.growth_factor = %v, want 2.0", got)
	}
	if got := GetDuration("memory.check_interval"); got != time.Second {
		t.Errorf("memory.check_interval = %v, want 1s", got)
	}
	if got := GetString("replication.mode"); got != "async" {
		t.Errorf("replication.mode = %q, want async", got)
	}
	if got := GetInt("security.block_threshold"); got != 80 {
		t.Errorf("security.block_threshold = %d, want 80", got)
	}
	if got := GetBool("security.forensic_dev_hash"); got != false {
		t.Errorf("security.forensic_dev_hash = %v, want false", got)
	}
	if got := GetInt64("security.exfiltration_window_volume"); got != 500000 {
		t.Errorf("security.exfiltration_window_volume = %d, want 500000", got)
	}
}

func TestEnvOverride(t *testing.T) {
	withIsolatedEnv(t)
	t.Setenv("HELIA_REPLICATION_MODE", "sync")

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := GetString("replication.mode"); got != "sync" {
		t.Errorf("replication.mode after env override = %q, want sync", got)
	}
}

func TestSetOverridesDefault(t *testing.T) {
	withIsolatedEnv(t)
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Set("memory.max_contexts", 42)
	if got := GetInt("memory.max_contexts"); got != 42 {
		t.Errorf("memory.max_contexts after Set = %d, want 42", got)
	}
}

func TestGettersBeforeInitializeAreZeroValue(t *testing.T) {
	v = nil
	if got := GetString("anything"); got != "" {
		t.Errorf("GetString before Initialize = %q, want empty", got)
	}
	if got := GetInt("anything"); got != 0 {
		t.Errorf("GetInt before Initialize = %d, want 0", got)
	}
	if got := AllSettings(); len(got) != 0 {
		t.Errorf("AllSettings before Initialize = %v, want empty map", got)
	}
}

func TestWatchAndReloadNoConfigFileIsNoop(t *testing.T) {
	withIsolatedEnv(t)
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// Should not panic or block when no config file was found.
	WatchAndReload(func() { t.Error("onChange should not fire without a config file") })
}
