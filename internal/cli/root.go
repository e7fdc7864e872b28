package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gzhole/turnshield/internal/config"
	"github.com/gzhole/turnshield/internal/gate"
	"github.com/gzhole/turnshield/internal/logger"
)

var (
	configPath string
	logPath    string
	verbose    bool

	log = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "turnshield",
	Short: "TurnShield - layered threat gate for conversational assistants",
	Long: `TurnShield scores every user turn before it reaches the assistant's
skills. A keyword scorer and a semantic or forensic scorer feed an arbiter
that keeps a decaying per-session threat score and blocks the turn when the
score or the verdict crosses the configured thresholds.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		log = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = log.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML file (default: ~/.turnshield/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logPath, "log", "", "Path to audit log file (default: ~/.turnshield/audit.jsonl)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config file and applies the --log override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logPath != "" {
		cfg.Audit.LogPath = logPath
	}
	for _, p := range cfg.Packs {
		if p.Err != nil {
			log.Warn("pattern pack skipped", zap.String("pack", p.Path), zap.Error(p.Err))
		}
	}
	return cfg, nil
}

// openAuditLog opens the JSONL audit log with the override phrase masked.
func openAuditLog(cfg *config.Config) (*logger.AuditLogger, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	al, err := logger.New(cfg.Audit.LogPath,
		logger.WithMaxBytes(cfg.Audit.MaxLogBytes),
		logger.WithMaskedPhrases(cfg.OverridePhrase))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return al, nil
}

// buildGate opens the audit log and assembles a controller around it. The
// returned func closes the log.
func buildGate(ctx context.Context, cfg *config.Config) (*gate.Controller, func(), error) {
	al, err := openAuditLog(cfg)
	if err != nil {
		return nil, nil, err
	}
	ctrl, err := gate.Build(ctx, cfg, gate.Deps{
		Sinks:  []gate.AuditSink{al},
		Logger: log,
	})
	if err != nil {
		_ = al.Close()
		return nil, nil, err
	}
	return ctrl, func() { _ = al.Close() }, nil
}
