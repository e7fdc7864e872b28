package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gzhole/turnshield/internal/logger"
	"github.com/gzhole/turnshield/internal/scorer"
)

var (
	logFilterVerdict string
	logFilterBlocked bool
	logFilterSession string
	logLast          int
	logSummary       bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "View and filter the audit log",
	Long: `View the TurnShield audit log with filtering and summary options.

Examples:
  turnshield log                        # Show all entries
  turnshield log --last 20              # Show last 20 entries
  turnshield log --verdict High-Risk    # Show only High-Risk turns
  turnshield log --blocked              # Show only blocked turns
  turnshield log --summary              # Show summary stats`,
	RunE: logCommand,
}

func init() {
	logCmd.Flags().StringVar(&logFilterVerdict, "verdict", "", "Filter by verdict (Routine, Monitor, High-Risk)")
	logCmd.Flags().BoolVar(&logFilterBlocked, "blocked", false, "Show only blocked turns")
	logCmd.Flags().StringVar(&logFilterSession, "session", "", "Show only turns of this session")
	logCmd.Flags().IntVar(&logLast, "last", 0, "Show last N entries")
	logCmd.Flags().BoolVar(&logSummary, "summary", false, "Show summary statistics")
	rootCmd.AddCommand(logCmd)
}

func logCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	events, err := logger.ReadEvents(cfg.Audit.LogPath)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No audit log entries found.")
		return nil
	}

	filtered := filterEvents(events)
	if logLast > 0 && logLast < len(filtered) {
		filtered = filtered[len(filtered)-logLast:]
	}

	if logSummary {
		printSummary(events)
		return nil
	}

	printEvents(filtered)
	return nil
}

func filterEvents(events []logger.AuditEvent) []logger.AuditEvent {
	if logFilterVerdict == "" && !logFilterBlocked && logFilterSession == "" {
		return events
	}

	var filtered []logger.AuditEvent
	for _, e := range events {
		if logFilterVerdict != "" && !strings.EqualFold(e.Verdict, logFilterVerdict) {
			continue
		}
		if logFilterBlocked && !e.Blocked {
			continue
		}
		if logFilterSession != "" && e.SessionID != logFilterSession {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

func printEvents(events []logger.AuditEvent) {
	for _, e := range events {
		status := color.GreenString("ALLOW")
		if e.Blocked {
			status = color.RedString("BLOCK")
		}
		verdict := verdictColor(scorer.Verdict(e.Verdict)).Sprint(e.Verdict)

		fmt.Printf("%s %s %s %-9s rolling=%.3f  %s\n",
			status, formatTimestamp(e.Timestamp), verdict, e.Event, e.RollingScore, e.Text)

		if len(e.Reasons) > 0 {
			fmt.Printf("     Reasons: %s\n", strings.Join(e.Reasons, ", "))
		}
		if flags := eventFlags(e); flags != "" {
			fmt.Printf("     Flags:   %s\n", flags)
		}
		if e.Error != "" {
			fmt.Printf("     Error:   %s\n", e.Error)
		}
		fmt.Printf("     Session: %s  Turn: %s\n", e.SessionID, e.TurnID)
		fmt.Println()
	}
}

func eventFlags(e logger.AuditEvent) string {
	var flags []string
	if e.Probation {
		flags = append(flags, "probation")
	}
	if e.Relieved {
		flags = append(flags, "relieved")
	}
	if e.AutoReset {
		flags = append(flags, "auto-reset")
	}
	if e.Bypassed {
		flags = append(flags, "override")
	}
	return strings.Join(flags, ", ")
}

func printSummary(all []logger.AuditEvent) {
	verdicts := map[string]int{}
	events := map[string]int{}
	blocked, probation := 0, 0
	for _, e := range all {
		verdicts[e.Verdict]++
		events[e.Event]++
		if e.Blocked {
			blocked++
		}
		if e.Probation {
			probation++
		}
	}

	fmt.Println("═══════════════════════════════════════════")
	fmt.Println("  TurnShield Audit Summary")
	fmt.Println("═══════════════════════════════════════════")
	fmt.Printf("  Total turns:     %d\n", len(all))
	fmt.Printf("  Routine:         %d\n", verdicts[string(scorer.Routine)])
	fmt.Printf("  Monitor:         %d\n", verdicts[string(scorer.Monitor)])
	fmt.Printf("  High-Risk:       %d\n", verdicts[string(scorer.HighRisk)])
	fmt.Printf("  Blocked:         %d\n", blocked)
	fmt.Printf("  Probation:       %d\n", probation)
	fmt.Printf("  Overrides:       %d\n", events[logger.EventOverride])
	fmt.Printf("  Resets:          %d\n", events[logger.EventReset])
	fmt.Printf("  Failed closed:   %d\n", events[logger.EventFailClosed])
	fmt.Println("═══════════════════════════════════════════")

	fmt.Printf("  First event:     %s\n", formatTimestamp(all[0].Timestamp))
	fmt.Printf("  Last event:      %s\n", formatTimestamp(all[len(all)-1].Timestamp))

	var recent []logger.AuditEvent
	for _, e := range all {
		if e.Blocked {
			recent = append(recent, e)
		}
	}
	if len(recent) > 0 {
		fmt.Println()
		fmt.Println("  Blocked turns:")
		if len(recent) > 10 {
			recent = recent[len(recent)-10:]
		}
		for _, e := range recent {
			fmt.Printf("    %s %s\n", formatTimestamp(e.Timestamp), e.Text)
		}
	}

	fmt.Println()
}

func formatTimestamp(ts string) string {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
