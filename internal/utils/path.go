package utils

import (
	"os"
	"path/filepath"
	"strings"
)

// NormalizePathForComparison resolves symlinks and cleans path so that two
// different spellings of the same workspace directory hash identically.
// Falls back to a cleaned absolute path if the filesystem lookup fails
// (e.g. the directory does not exist yet).
func NormalizePathForComparison(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	abs = filepath.Clean(abs)
	if os.PathSeparator == '\\' {
		abs = strings.ToLower(abs)
	}
	return abs
}
