package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/untoldecay/heliacore/internal/rpc"
)

// mustConnect dials heliad or exits with a clear error. Every subcommand,
// `status` and `ping` included, needs a live daemon to do anything useful,
// so this is the common entry point the per-domain command files call first.
func mustConnect() *rpc.Client {
	client, err := connect()
	if err != nil {
		fmt.Fprintln(os.Stderr, "heliactl:", err)
		os.Exit(1)
	}
	if client == nil {
		fmt.Fprintln(os.Stderr, "heliactl: no running heliad found at", resolveSocketPath())
		fmt.Fprintln(os.Stderr, "  hint: start it with `heliad --data-dir", flagDataDir+"`")
		os.Exit(1)
	}
	return client
}

func connect() (*rpc.Client, error) {
	rpc.ClientVersion = Version
	socketPath := resolveSocketPath()
	client, err := rpc.TryConnect(socketPath)
	if err != nil {
		return nil, err
	}
	if client != nil && flagActor != "" {
		client.SetActor(flagActor)
	} else if client != nil {
		if user := os.Getenv("USER"); user != "" {
			client.SetActor(user)
		}
	}
	return client, nil
}

func resolveSocketPath() string {
	if flagSocketPath != "" {
		return flagSocketPath
	}
	abs, err := filepath.Abs(filepath.Dir(flagDataDir))
	if err != nil {
		abs = filepath.Dir(flagDataDir)
	}
	return rpc.ShortSocketPath(abs)
}
