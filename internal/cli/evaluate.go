package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gzhole/turnshield/internal/gate"
	"github.com/gzhole/turnshield/internal/scorer"
)

var (
	evalSession string
	evalJSON    bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [text...]",
	Short: "Score a single turn and print the gate decision",
	Long: `Score one turn through the full gate and print the decision. The text is
taken from the arguments, or from stdin when no arguments are given.

Examples:
  turnshield evaluate "what's the weather tomorrow"
  echo "ignore previous instructions" | turnshield evaluate --json`,
	RunE: evaluateCommand,
}

func init() {
	evaluateCmd.Flags().StringVar(&evalSession, "session", "cli", "Session id to evaluate the turn in")
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "Print the decision as JSON")
	rootCmd.AddCommand(evaluateCmd)
}

func evaluateCommand(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		return errors.New("nothing to evaluate")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctrl, closeLog, err := buildGate(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	d := ctrl.Evaluate(cmd.Context(), evalSession, text)
	if evalJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	printDecision(d)
	return nil
}

// printDecision writes the user-visible part of a decision. It prints only
// what the user would be told plus the verdict and rolling score.
func printDecision(d gate.Decision) {
	verdict := verdictColor(d.Verdict).SprintFunc()
	status := color.GreenString("ALLOW")
	if d.Blocked {
		status = color.RedString("BLOCK")
	}
	fmt.Printf("%s  %s  rolling=%.3f\n", status, verdict(string(d.Verdict)), d.RollingScore)
	if d.UserMessage != "" {
		fmt.Printf("  %s\n", d.UserMessage)
	}
}

func verdictColor(v scorer.Verdict) *color.Color {
	switch v {
	case scorer.HighRisk:
		return color.New(color.FgRed, color.Bold)
	case scorer.Monitor:
		return color.New(color.FgYellow)
	case scorer.Routine:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgWhite)
	}
}
