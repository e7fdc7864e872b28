package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gzhole/turnshield/internal/gate"
	"github.com/gzhole/turnshield/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show TurnShield status: config, scorers, packs, audit outputs",
	Long: `Check how the gate is configured: which config file is in use, which
scoring layers are available, which pattern packs are loaded, and what the
audit log and decision store contain.

  turnshield status`,
	RunE: statusCommand,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("  TurnShield Status")
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println()

	binPath, err := os.Executable()
	if err != nil {
		binPath = "unknown"
	}
	fmt.Printf("  Binary:    %s (%s)\n", binPath, Version)
	if cfg.Path != "" {
		fmt.Printf("  Config:    %s\n", cfg.Path)
	} else {
		fmt.Println("  Config:    built-in defaults")
	}
	fmt.Println()

	fmt.Println("─── Scoring ───────────────────────────────────────────")
	ctrl, err := gate.Build(cmd.Context(), cfg, gate.Deps{Logger: log})
	if err != nil {
		fmt.Printf("  %s %v\n", color.RedString("✗"), err)
	} else {
		st := ctrl.Status()
		fmt.Printf("  Mode:      %s\n", st.Mode)
		fmt.Printf("  Primary:   %s\n", st.Primary)
		switch {
		case st.Secondary == "":
			fmt.Println("  Secondary: none")
		case st.SecondaryAvailable:
			fmt.Printf("  Secondary: %s %s\n", st.Secondary, color.GreenString("available"))
		default:
			fmt.Printf("  Secondary: %s %s\n", st.Secondary, color.YellowString("unavailable, primary only"))
		}
	}
	fmt.Printf("  Decay:     %.2f   Block at: %.2f\n", cfg.Decay, cfg.Thresholds.Block)
	fmt.Println()

	fmt.Println("─── Pattern Packs ─────────────────────────────────────")
	checkPacks(cfg.Packs)
	fmt.Println()

	fmt.Println("─── Audit ─────────────────────────────────────────────")
	checkAuditLog(cfg.Audit.LogPath)
	checkDecisionStore(cmd, cfg.Audit.DBPath)
	fmt.Println()

	return nil
}

func checkAuditLog(path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("  ⬚  Audit log: not created yet (%s)\n", path)
		return
	}
	fmt.Printf("  ✅ Audit log: %s (%d bytes)\n", path, info.Size())
}

func checkDecisionStore(cmd *cobra.Command, path string) {
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("  ⬚  Decision store: not created yet (%s)\n", path)
		return
	}
	db, err := store.Open(path)
	if err != nil {
		fmt.Printf("  ⚠  Decision store: %v\n", err)
		return
	}
	defer db.Close()

	t, err := db.Totals(cmd.Context())
	if err != nil {
		fmt.Printf("  ⚠  Decision store: %v\n", err)
		return
	}
	fmt.Printf("  ✅ Decision store: %s (%d sessions, %d decisions, %d blocked)\n",
		path, t.Sessions, t.Decisions, t.Blocked)
}
