package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/untoldecay/heliacore/internal/rpc"
)

// daemonSignals are the signals heliad acts on: SIGTERM/SIGINT trigger a
// graceful shutdown, SIGHUP is logged and ignored. heliad reads its config
// once at startup; config changes take effect only after a restart.
var daemonSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP}

func isReloadSignal(sig os.Signal) bool {
	return sig == syscall.SIGHUP
}

// runEventLoop blocks until a shutdown signal, a canceled context, or an RPC
// server failure, then stops the server and returns.
func runEventLoop(ctx context.Context, cancel context.CancelFunc, e *engine, server *rpc.Server, serverErrChan chan error, log daemonLogger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, daemonSignals...)
	defer signal.Stop(sigChan)

	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-heartbeatTicker.C:
			log.Info("heliad heartbeat", "pressure", e.registry.Pressure().Level().String(), "replicas", len(e.replicas.All()))
		case sig := <-sigChan:
			if isReloadSignal(sig) {
				log.Info("received reload signal, ignoring (config is read only at startup)")
				continue
			}
			log.Info("received signal, shutting down gracefully", "signal", sig)
			cancel()
			if err := server.Stop(); err != nil {
				log.Error("stopping RPC server", "error", err)
			}
			return
		case <-ctx.Done():
			log.Info("context canceled, shutting down")
			if err := server.Stop(); err != nil {
				log.Error("stopping RPC server", "error", err)
			}
			return
		case err := <-serverErrChan:
			log.Error("RPC server failed", "error", err)
			cancel()
			if err := server.Stop(); err != nil {
				log.Error("stopping RPC server", "error", err)
			}
			return
		}
	}
}
