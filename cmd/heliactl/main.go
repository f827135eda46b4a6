// Command heliactl is the control-plane CLI for heliad: it drives the
// Memory, Replication, and Security Cores over the daemon's Unix-socket
// RPC interface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is the current version of heliactl (overridden by ldflags at
// build time, and sent to heliad as rpc.ClientVersion for compatibility
// checks).
var Version = "0.1.0"

var (
	flagSocketPath string
	flagDataDir    string
	flagJSON       bool
	flagActor      string
)

var rootCmd = &cobra.Command{
	Use:   "heliactl",
	Short: "Control-plane CLI for the heliad engine daemon",
	Long: `heliactl talks to a running heliad over its Unix socket and exposes the
Memory Core (contexts, allocation, pressure), the Replication Core (WAL
entries, replicas, conflicts), and the Security Core (query assessment,
forensic chain) as subcommands.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagSocketPath, "socket", "", "heliad RPC socket path (default: resolved from --data-dir)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", ".helia", "heliad data directory, used to resolve the default socket path")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit machine-readable JSON instead of styled text")
	rootCmd.PersistentFlags().StringVar(&flagActor, "actor", "", "actor sent with each request (default: $USER); heliad does not record it in forensic entries")

	rootCmd.AddCommand(statusCmd, pingCmd)
	rootCmd.AddCommand(memCmd)
	rootCmd.AddCommand(replCmd)
	rootCmd.AddCommand(secCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "heliactl:", err)
		os.Exit(1)
	}
}
