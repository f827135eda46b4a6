// Command heliad is the engine daemon: it owns the Memory Core registry,
// the Replication Core's WAL/primary/replica state, and the Security
// Core's scoring/forensic pipeline, and exposes all three over a
// Unix-socket RPC control plane for heliactl.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/untoldecay/heliacore/internal/config"
	"github.com/untoldecay/heliacore/internal/lockfile"
	"github.com/untoldecay/heliacore/internal/rpc"
)

var (
	flagDataDir    string
	flagSocketPath string
	flagTopology   string
	flagLogFile    string
	flagForeground bool
)

var rootCmd = &cobra.Command{
	Use:   "heliad",
	Short: "Memory/Replication/Security Core engine daemon",
	Long: `heliad is the engine daemon: it owns the hierarchical memory-context
registry, the write-ahead log and replica set, and the threat-scoring and
forensic pipeline, and serves them to heliactl over a Unix socket.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", ".helia", "directory for the WAL store, replica registry, and forensic fallback log")
	rootCmd.Flags().StringVar(&flagSocketPath, "socket", "", "RPC socket path (default: .helia/heliad.sock in the data dir's parent, or /tmp/helia-<hash>/heliad.sock if that is too long)")
	rootCmd.Flags().StringVar(&flagTopology, "topology", "helia.toml", "static topology file (replica seeds, hash provider)")
	rootCmd.Flags().StringVar(&flagLogFile, "log-file", "", "daemon log file (rotated via lumberjack), written in addition to stderr; empty means <data-dir>/heliad.log, or stderr only with --foreground")
	rootCmd.Flags().BoolVar(&flagForeground, "foreground", false, "log to stderr only when --log-file is not set, instead of also writing <data-dir>/heliad.log")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "heliad:", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(); err != nil {
		return fmt.Errorf("heliad: %w", err)
	}

	topo, err := config.LoadTopology(flagTopology)
	if err != nil {
		return fmt.Errorf("heliad: %w", err)
	}
	dataDir := flagDataDir
	if dataDir == "" {
		dataDir = topo.Listen.DataDir
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("heliad: create data dir: %w", err)
	}

	socketPath := flagSocketPath
	if socketPath == "" {
		abs, err := filepath.Abs(filepath.Dir(dataDir))
		if err != nil {
			abs = filepath.Dir(dataDir)
		}
		socketPath = rpc.ShortSocketPath(abs)
	}

	logFile := flagLogFile
	if logFile == "" && !flagForeground {
		logFile = filepath.Join(dataDir, "heliad.log")
	}
	log := newDaemonLogger(logFile)

	pidPath := filepath.Join(dataDir, "heliad.pid")
	fl, acquired, err := lockfile.TryDaemonLock(pidPath)
	if err != nil {
		return fmt.Errorf("heliad: acquiring daemon lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("heliad: another instance already holds %s", pidPath)
	}
	defer func() { _ = lockfile.FlockUnlock(fl) }()
	if err := os.WriteFile(pidPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o640); err != nil {
		log.Warn("failed to write pid file", "error", err)
	}

	eng, err := buildEngine(dataDir, topo, log)
	if err != nil {
		return fmt.Errorf("heliad: %w", err)
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, serverErrChan, err := startRPCServer(ctx, socketPath, dataDir, eng, log)
	if err != nil {
		return fmt.Errorf("heliad: %w", err)
	}

	log.Info("heliad ready", "socket", socketPath, "data_dir", dataDir, "replication_mode", eng.primary.Mode().String())
	runEventLoop(ctx, cancel, eng, server, serverErrChan, log)
	return nil
}
