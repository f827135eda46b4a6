package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/untoldecay/heliacore/internal/rpc"
	"github.com/untoldecay/heliacore/internal/ui"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Replication Core: WAL entries, replicas, and conflicts",
}

var replReplicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Submit a write intent to the primary",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		op, _ := cmd.Flags().GetString("op")
		table, _ := cmd.Flags().GetString("table")
		payload, _ := cmd.Flags().GetString("payload")

		result, err := client.Replicate(&rpc.ReplicateArgs{Op: op, Table: table, Payload: []byte(payload)})
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		fmt.Printf("%s  lsn=%d\n", result.Result, result.LSN)
		return nil
	},
}

var replAckCmd = &cobra.Command{
	Use:   "ack <replica-id> <lsn>",
	Short: "Acknowledge an LSN on behalf of a replica",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		var lsn uint64
		if _, err := fmt.Sscanf(args[1], "%d", &lsn); err != nil {
			return fmt.Errorf("invalid lsn %q: %w", args[1], err)
		}
		return client.HandleAck(&rpc.HandleAckArgs{ReplicaID: args[0], LSN: lsn})
	},
}

var replicaAddCmd = &cobra.Command{
	Use:   "add <id> <socket-path>",
	Short: "Register a new replica by its heliad socket path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()
		return client.ReplicaAdd(&rpc.ReplicaAddArgs{ID: args[0], Address: args[1]})
	},
}

var replicaRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Unregister a replica",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()
		return client.ReplicaRemove(&rpc.ReplicaRemoveArgs{ID: args[0]})
	},
}

var replicaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		result, err := client.ReplicaList()
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		header := lipgloss.NewStyle().Bold(true).Foreground(ui.ColorAccent)
		fmt.Println(header.Render("id        status     role      acked_lsn  lag_bytes  address"))
		for _, r := range result.Replicas {
			fmt.Printf("%-10s%-11s%-10s%-11d%-11d%s\n", r.ID, r.Status, r.Role, r.LastAckedLSN, r.LagBytes, r.Address)
		}
		return nil
	},
}

var replEntriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Show a contiguous range of WAL entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		from, _ := cmd.Flags().GetUint64("from")
		limit, _ := cmd.Flags().GetInt("limit")

		result, err := client.GetEntries(&rpc.GetEntriesArgs{FromLSN: from, Limit: limit})
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		for _, e := range result.Entries {
			fmt.Printf("lsn=%-6d op=%-7s table=%-20s at=%s\n", e.LSN, e.Op, e.Table, e.OriginAt)
		}
		return nil
	},
}

var replConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Show the conflict-pattern aggregate",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		groupBy, _ := cmd.Flags().GetString("group-by")
		result, err := client.Conflicts(&rpc.ConflictsArgs{GroupBy: groupBy})
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		for pattern, count := range result.Patterns {
			fmt.Printf("%-30s%d\n", pattern, count)
		}
		return nil
	},
}

func init() {
	replReplicateCmd.Flags().String("op", "insert", "insert|update|delete|ddl")
	replReplicateCmd.Flags().String("table", "", "table name")
	replReplicateCmd.Flags().String("payload", "", "raw payload bytes (as a string)")
	_ = replReplicateCmd.MarkFlagRequired("table")

	replEntriesCmd.Flags().Uint64("from", 0, "starting LSN (inclusive)")
	replEntriesCmd.Flags().Int("limit", 100, "maximum entries to return")

	replConflictsCmd.Flags().String("group-by", "table", "table|op|strategy")

	replCmd.AddCommand(replReplicateCmd, replAckCmd, replEntriesCmd, replConflictsCmd)
	replCmd.AddCommand(replicaCmd)
	replicaCmd.AddCommand(replicaAddCmd, replicaRemoveCmd, replicaListCmd)
}

var replicaCmd = &cobra.Command{
	Use:   "replica",
	Short: "Manage registered replicas",
}
