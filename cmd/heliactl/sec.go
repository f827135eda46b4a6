package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/untoldecay/heliacore/internal/rpc"
	"github.com/untoldecay/heliacore/internal/ui"
)

var secCmd = &cobra.Command{
	Use:   "sec",
	Short: "Security Core: query assessment and the forensic chain",
}

var secAssessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Submit a query attempt to the Security Core",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		user, _ := cmd.Flags().GetString("user")
		session, _ := cmd.Flags().GetString("session")
		text, _ := cmd.Flags().GetString("text")
		rows, _ := cmd.Flags().GetInt64("rows")

		result, err := client.Assess(&rpc.AssessArgs{
			User:          user,
			Session:       session,
			Text:          text,
			EstimatedRows: rows,
			Hour:          time.Now().Hour(),
		})
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}

		action := lipgloss.NewStyle().Foreground(ui.ColorPass)
		if result.Blocked {
			action = lipgloss.NewStyle().Foreground(ui.ColorFail)
		}
		fmt.Printf("%s  level=%s  score=%.1f  forensic_id=%d\n", action.Render(result.Action), result.Level, result.TotalScore, result.ForensicID)
		for _, reason := range result.Reasons {
			fmt.Println("  -", reason)
		}
		return nil
	},
}

var secFeedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Submit a labeled (predicted, actual) tuple to recalibrate the scorer",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		predicted, _ := cmd.Flags().GetBool("predicted-threat")
		actual, _ := cmd.Flags().GetBool("actual-threat")
		return client.Feedback(&rpc.FeedbackArgs{PredictedThreat: predicted, ActualThreat: actual})
	},
}

var secObserveOutcomeCmd = &cobra.Command{
	Use:   "observe-outcome",
	Short: "Feed a completed query's outcome into the user's baseline",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		user, _ := cmd.Flags().GetString("user")
		resultSize, _ := cmd.Flags().GetInt64("result-size")
		hour, _ := cmd.Flags().GetInt("hour")
		tables, _ := cmd.Flags().GetStringSlice("tables")
		complexity, _ := cmd.Flags().GetString("complexity")

		return client.ObserveOutcome(&rpc.ObserveOutcomeArgs{
			User:       user,
			ResultSize: resultSize,
			Hour:       hour,
			Tables:     tables,
			Complexity: complexity,
		})
	},
}

var secVerifyChainCmd = &cobra.Command{
	Use:   "verify-chain",
	Short: "Verify the forensic hash chain's integrity",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		result, err := client.VerifyChain()
		if err != nil {
			return err
		}
		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(result)
		}
		status := lipgloss.NewStyle().Foreground(ui.ColorPass).Render("valid")
		if !result.IntegrityValid {
			status = lipgloss.NewStyle().Foreground(ui.ColorFail).Render("BROKEN")
		}
		fmt.Printf("chain %s  (%d entries verified)\n", status, result.VerifiedEntries)
		for _, id := range result.BrokenChains {
			fmt.Println("  broken link at id", id)
		}
		return nil
	},
}

var secForensicLogCmd = &cobra.Command{
	Use:   "forensic-log",
	Short: "Show a page of the forensic chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := mustConnect()
		defer func() { _ = client.Close() }()

		fromID, _ := cmd.Flags().GetUint64("from-id")
		limit, _ := cmd.Flags().GetInt("limit")
		since, _ := cmd.Flags().GetString("since")

		result, err := client.ForensicLog(&rpc.ForensicLogArgs{FromID: fromID, Limit: limit})
		if err != nil {
			return err
		}

		entries := result.Entries
		if since != "" {
			cutoff, err := parseSince(since)
			if err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			entries = filterSince(entries, cutoff)
		}

		if flagJSON {
			return json.NewEncoder(os.Stdout).Encode(rpc.ForensicLogResult{Entries: entries})
		}
		for _, e := range entries {
			fmt.Printf("#%-6d %-24s %-12s %s\n", e.ID, e.Timestamp, e.User, e.Action)
		}
		return nil
	},
}

// whenParser understands natural-language time expressions ("yesterday",
// "3 hours ago") for --since, so operators don't have to hand-compute an
// RFC3339 cutoff when chasing down an incident.
var whenParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

func parseSince(text string) (time.Time, error) {
	r, err := whenParser.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, err
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand %q", text)
	}
	return r.Time, nil
}

func filterSince(entries []rpc.ForensicRecordInfo, cutoff time.Time) []rpc.ForensicRecordInfo {
	out := make([]rpc.ForensicRecordInfo, 0, len(entries))
	for _, e := range entries {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil || ts.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func init() {
	secAssessCmd.Flags().String("user", "", "user attempting the query")
	secAssessCmd.Flags().String("session", "", "session id")
	secAssessCmd.Flags().String("text", "", "query text")
	secAssessCmd.Flags().Int64("rows", 0, "estimated rows touched")
	_ = secAssessCmd.MarkFlagRequired("user")
	_ = secAssessCmd.MarkFlagRequired("text")

	secFeedbackCmd.Flags().Bool("predicted-threat", false, "whether the scorer flagged this as a threat")
	secFeedbackCmd.Flags().Bool("actual-threat", false, "whether it actually was one")

	secObserveOutcomeCmd.Flags().String("user", "", "user the completed query belongs to")
	secObserveOutcomeCmd.Flags().Int64("result-size", 0, "rows actually returned")
	secObserveOutcomeCmd.Flags().Int("hour", time.Now().Hour(), "wall-clock hour the query ran")
	secObserveOutcomeCmd.Flags().StringSlice("tables", nil, "tables the query touched")
	secObserveOutcomeCmd.Flags().String("complexity", "simple", "simple|medium|complex")
	_ = secObserveOutcomeCmd.MarkFlagRequired("user")

	secForensicLogCmd.Flags().Uint64("from-id", 0, "starting forensic entry id (inclusive)")
	secForensicLogCmd.Flags().Int("limit", 100, "maximum entries to return")
	secForensicLogCmd.Flags().String("since", "", `only show entries after this time, e.g. "2 hours ago", "yesterday"`)

	secCmd.AddCommand(secAssessCmd, secFeedbackCmd, secObserveOutcomeCmd, secVerifyChainCmd, secForensicLogCmd)
}
