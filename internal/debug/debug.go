// Package debug provides a minimal env-gated logger for heliad and heliactl.
package debug

import (
	"fmt"
	"os"
)

var enabled = os.Getenv("HELIA_DEBUG") != ""

// Enabled reports whether HELIA_DEBUG is set.
func Enabled() bool {
	return enabled
}

// Logf writes a formatted debug line to stderr when HELIA_DEBUG is set.
func Logf(format string, args ...any) {
	if !enabled {
		return
	}
	fmt.Fprintf(os.Stderr, "[debug] "+format+"\n", args...)
}
