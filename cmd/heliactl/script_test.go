package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"rsc.io/script"
	"rsc.io/script/scripttest"
)

// TestScripts drives heliad/heliactl end to end through testdata/script/*.txt
// scripts: each builds its own scratch data dir, starts a daemon with `exec
// heliad & ... wait`, and asserts on heliactl's stdout the way cmd/go's own
// script tests drive the go command.
//
// It builds the heliad and heliactl binaries once into a temp dir and adds
// that dir to each script's PATH, rather than teaching the script engine a
// bespoke in-process command for either one.
func TestScripts(t *testing.T) {
	if testing.Short() {
		t.Skip("builds binaries; skip with -short")
	}

	binDir := buildScriptBinaries(t)

	engine := &script.Engine{
		Cmds:  script.DefaultCmds(),
		Conds: script.DefaultConds(),
	}

	scripttest.Test(t, context.Background(), engine, []string{"PATH=" + binDir + ":" + os.Getenv("PATH")}, "testdata/script/*.txt")
}

// buildScriptBinaries compiles heliad and heliactl into a scratch bin
// directory so scripts can `exec` them directly instead of running `go run`
// per invocation (slow, and awkward to background with `&`).
func buildScriptBinaries(t *testing.T) string {
	t.Helper()
	binDir := t.TempDir()

	build := func(name, pkg string) {
		cmd := exec.Command("go", "build", "-o", filepath.Join(binDir, name), pkg)
		cmd.Dir = repoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("building %s: %v\n%s", name, err, out)
		}
	}
	build("heliad", "./cmd/heliad")
	build("heliactl", "./cmd/heliactl")
	return binDir
}

func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	return filepath.Join(wd, "..", "..")
}
