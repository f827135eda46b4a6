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

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that heliad is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()
		if err := client.Ping(); err != nil {
			return err
		}
		fmt.Println("pong")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status, health, and metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		status, err := client.Status()
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		health, err := client.Health()
		if err != nil {
			return fmt.Errorf("health: %w", err)
		}
		metrics, err := client.Metrics()
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}

		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(map[string]any{
				"status":  status,
				"health":  health,
				"metrics": metrics,
			})
		}

		renderStatus(status, health, metrics)
		return nil
	},
}

func renderStatus(status *rpc.StatusResponse, health *rpc.HealthResponse, metrics *rpc.MetricsResponse) {
	title := lipgloss.NewStyle().Bold(true).Foreground(ui.ColorAccent)
	label := lipgloss.NewStyle().Foreground(ui.ColorMuted)
	okStyle := lipgloss.NewStyle().Foreground(ui.ColorPass)
	warnStyle := lipgloss.NewStyle().Foreground(ui.ColorWarn)

	roleStyle := okStyle
	role := "replica"
	if status.IsPrimary {
		role = "primary"
	}

	healthStyle := okStyle
	if health.Status != "healthy" {
		healthStyle = warnStyle
	}

	fmt.Println(title.Render(fmt.Sprintf("heliad %s", health.Version)))
	fmt.Printf("%s %s\n", label.Render("socket:"), status.SocketPath)
	fmt.Printf("%s %s\n", label.Render("data dir:"), status.DataDir)
	fmt.Printf("%s %s\n", label.Render("role:"), roleStyle.Render(role))
	fmt.Printf("%s %s (mode: %s)\n", label.Render("health:"), healthStyle.Render(health.Status), status.ReplicationMode)
	fmt.Printf("%s %.0fs\n", label.Render("uptime:"), status.UptimeSeconds)
	fmt.Printf("%s %s\n", label.Render("pressure:"), pressureStyle(status.PressureLevel).Render(status.PressureLevel))
	fmt.Printf("%s %d live, %d bytes allocated\n", label.Render("contexts:"), metrics.ContextCount, metrics.BytesAllocated)
	fmt.Printf("%s %d replicas, last lsn %d\n", label.Render("replication:"), metrics.ReplicaCount, metrics.WALLastLSN)
	fmt.Printf("%s %d detected, %d forensic entries\n", label.Render("threats:"), metrics.DetectedThreats, metrics.ForensicChainLen)
}

func pressureStyle(level string) lipgloss.Style {
	switch level {
	case "critical", "emergency":
		return lipgloss.NewStyle().Foreground(ui.ColorFail)
	case "warning":
		return lipgloss.NewStyle().Foreground(ui.ColorWarn)
	default:
		return lipgloss.NewStyle().Foreground(ui.ColorPass)
	}
}
