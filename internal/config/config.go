// Package config wraps a viper singleton for heliad/heliactl runtime
// settings: memory pool sizing, pressure thresholds, replication mode, and
// security scoring thresholds from the engine's configuration surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/untoldecay/heliacore/internal/debug"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Should be called
// once at process startup, before any Get* call.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")

	configFileSet := false

	// 1. Walk up from CWD looking for .helia/config.yaml
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".helia", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	// 2. $XDG_CONFIG_HOME/helia/config.yaml
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "helia", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	// 3. ~/.helia/config.yaml
	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".helia", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				v.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("HELIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("config: reading config file: %w", err)
		}
		debug.Logf("loaded config from %s", v.ConfigFileUsed())
	} else {
		debug.Logf("no config.yaml found; using defaults and environment variables")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	// Memory Core (§4.1)
	v.SetDefault("memory.initial_block_size", 64*1024)
	v.SetDefault("memory.max_block_size", 64*1024*1024)
	v.SetDefault("memory.growth_factor", 2.0)
	v.SetDefault("memory.mmap_threshold", 1024*1024)
	v.SetDefault("memory.max_contexts", 10000)
	v.SetDefault("memory.warning_threshold", 0.80)
	v.SetDefault("memory.critical_threshold", 0.90)
	v.SetDefault("memory.emergency_threshold", 0.95)
	v.SetDefault("memory.check_interval", "1s")
	v.SetDefault("memory.debug_guards", false)

	// Replication Core (§4.2)
	v.SetDefault("replication.mode", "async")
	v.SetDefault("replication.sync_timeout", "5s")
	v.SetDefault("replication.conflict_strategy", "last_write_wins")

	// Security Core (§4.3)
	v.SetDefault("security.block_threshold", 80)
	v.SetDefault("security.exfiltration_row_limit", 100000)
	v.SetDefault("security.exfiltration_window_volume", 500000)
	v.SetDefault("security.baseline_min_samples", 30)
	v.SetDefault("security.forensic_dev_hash", false)

	// Daemon / RPC
	v.SetDefault("daemon.max_conns", 100)
	v.SetDefault("daemon.request_timeout", "30s")
	v.SetDefault("daemon.event_buffer", 512)
}

// WatchAndReload registers onChange to be called whenever the resolved
// config file changes on disk. Silently a no-op if no config file was found.
func WatchAndReload(onChange func()) {
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		debug.Logf("config file changed: %s", e.Name)
		if onChange != nil {
			onChange()
		}
	})
	v.WatchConfig()
}

func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

func GetInt64(key string) int64 {
	if v == nil {
		return 0
	}
	return v.GetInt64(key)
}

func GetFloat64(key string) float64 {
	if v == nil {
		return 0
	}
	return v.GetFloat64(key)
}

func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
