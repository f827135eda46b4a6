package main

import (
	"syscall"
	"testing"
)

func TestIsReloadSignal(t *testing.T) {
	if !isReloadSignal(syscall.SIGHUP) {
		t.Error("SIGHUP should be treated as a reload signal")
	}
	if isReloadSignal(syscall.SIGTERM) {
		t.Error("SIGTERM should not be treated as a reload signal")
	}
	if isReloadSignal(syscall.SIGINT) {
		t.Error("SIGINT should not be treated as a reload signal")
	}
}
