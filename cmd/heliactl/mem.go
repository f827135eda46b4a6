package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/heliacore/internal/rpc"
)

var memCmd = &cobra.Command{
	Use:   "mem",
	Short: "Memory Core: contexts, allocation, and pressure",
}

var memCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a memory context",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		kind, _ := cmd.Flags().GetString("kind")
		parent, _ := cmd.Flags().GetString("parent")
		limit, _ := cmd.Flags().GetInt64("limit")

		result, err := client.CreateContext(&rpc.CreateContextArgs{Kind: kind, ParentID: parent, Limit: limit})
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		fmt.Println(result.ID)
		return nil
	},
}

var memAllocateCmd = &cobra.Command{
	Use:   "allocate <context-id>",
	Short: "Request a bump allocation inside a context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		size, _ := cmd.Flags().GetInt("size")
		alignment, _ := cmd.Flags().GetInt("alignment")

		result, err := client.Allocate(&rpc.AllocateArgs{ContextID: args[0], Size: size, Alignment: alignment})
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		fmt.Printf("addr=0x%x size=%d class=%s\n", result.Address, result.Size, result.Class)
		return nil
	},
}

var memResetCmd = &cobra.Command{
	Use:   "reset <context-id>",
	Short: "Reset a context's bump pointer without releasing its blocks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()
		return client.Reset(&rpc.ResetArgs{ContextID: args[0]})
	},
}

var memDestroyCmd = &cobra.Command{
	Use:   "destroy <context-id>",
	Short: "Tear down a context and release its blocks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()
		return client.Destroy(&rpc.DestroyArgs{ContextID: args[0]})
	},
}

var memStatsCmd = &cobra.Command{
	Use:   "stats <context-id>",
	Short: "Show a snapshot of one context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		result, err := client.ContextStats(&rpc.ContextStatsArgs{ContextID: args[0]})
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		fmt.Printf("%s  kind=%s  allocated=%d  peak=%d  allocs=%d  resets=%d  active=%v\n",
			result.ID, result.Kind, result.BytesAllocated, result.PeakBytes, result.AllocCount, result.ResetCount, result.Active)
		return nil
	},
}

var memPressureCmd = &cobra.Command{
	Use:   "pressure",
	Short: "Show the registry's current pressure level",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		result, err := client.PressureLevel()
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		fmt.Println(pressureStyle(result.Level).Render(result.Level))
		return nil
	},
}

func init() {
	memCreateCmd.Flags().String("kind", "top_level", "context kind: top_level|connection|transaction|query|statement|operator|temporary|cache|index|buffer|custom")
	memCreateCmd.Flags().String("parent", "", "parent context id (empty for a top-level context)")
	memCreateCmd.Flags().Int64("limit", 0, "byte allocation limit for this context (0 = unbounded)")

	memAllocateCmd.Flags().Int("size", 0, "bytes to allocate")
	memAllocateCmd.Flags().Int("alignment", 8, "alignment in bytes")
	_ = memAllocateCmd.MarkFlagRequired("size")

	memCmd.AddCommand(memCreateCmd, memAllocateCmd, memResetCmd, memDestroyCmd, memStatsCmd, memPressureCmd)
}
