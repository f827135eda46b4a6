package main

import (
	"context"
	"time"

	"github.com/untoldecay/heliacore/internal/rpc"
)

// startRPCServer binds the RPC server in a goroutine and waits (up to 5s)
// for its listener to come up before returning control to main.
func startRPCServer(ctx context.Context, socketPath, dataDir string, e *engine, log daemonLogger) (*rpc.Server, chan error, error) {
	rpc.ServerVersion = Version

	server := rpc.NewServer(socketPath, dataDir, e.registry, e.primary, e.wal, e.replicas, e.conflict, e.gate)
	serverErrChan := make(chan error, 1)

	go func() {
		log.Info("starting RPC server", "socket", socketPath)
		if err := server.Start(ctx); err != nil {
			log.Error("RPC server error", "error", err)
			serverErrChan <- err
		}
	}()

	select {
	case err := <-serverErrChan:
		log.Error("RPC server failed to start", "error", err)
		return nil, nil, err
	case <-server.WaitReady():
		log.Info("RPC server ready (socket listening)")
	case <-time.After(5 * time.Second):
		log.Warn("server didn't signal ready after 5 seconds (may still be starting)")
	}

	return server, serverErrChan, nil
}
