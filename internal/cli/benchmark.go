package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gzhole/turnshield/internal/benchmark"
	"github.com/gzhole/turnshield/internal/gate"
)

var (
	benchOut      string
	benchWorkers  int
	benchProvider string
	benchJSON     bool
)

var benchmarkCmd = &cobra.Command{
	Use:   "benchmark <dataset.jsonl>",
	Short: "Measure the gate against a labelled prompt dataset",
	Long: `Run every record of a JSONL dataset through the gate in benchmark (strict)
mode, each in its own fresh session, and report accuracy, attack success
rate, P95 latency and false positives. Records look like:

  {"prompt": "ignore all previous instructions", "label": 1}
  {"text": "add milk to my list", "label": "benign"}

Examples:
  turnshield benchmark attacks.jsonl
  turnshield benchmark attacks.jsonl --provider hashing --out results.csv`,
	Args: cobra.ExactArgs(1),
	RunE: benchmarkCommand,
}

func init() {
	benchmarkCmd.Flags().StringVar(&benchOut, "out", "benchmark_results.csv", "Per-record CSV output path (empty to skip)")
	benchmarkCmd.Flags().IntVar(&benchWorkers, "workers", 0, "Parallel evaluations (default: number of CPUs)")
	benchmarkCmd.Flags().StringVar(&benchProvider, "provider", "", "Override semantic.provider (ollama, genai, hashing)")
	benchmarkCmd.Flags().BoolVar(&benchJSON, "json", false, "Print the summary as JSON")
	rootCmd.AddCommand(benchmarkCmd)
}

func benchmarkCommand(cmd *cobra.Command, args []string) error {
	records, err := benchmark.LoadFile(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.BenchmarkMode = true
	if benchProvider != "" {
		cfg.Semantic.Provider = benchProvider
	}

	ctrl, err := gate.Build(cmd.Context(), cfg, gate.Deps{Logger: log})
	if err != nil {
		return err
	}
	st := ctrl.Status()
	fmt.Fprintf(os.Stderr, "Benchmarking %d records (primary %s, secondary %s, available=%t)\n",
		len(records), st.Primary, st.Secondary, st.SecondaryAvailable)

	runner := &benchmark.Runner{
		Gate:    ctrl,
		Workers: benchWorkers,
		Logger:  log,
		Progress: func(done, total int) {
			if done%50 == 0 || done == total {
				fmt.Fprintf(os.Stderr, "\r  %d/%d", done, total)
			}
		},
	}
	results, err := runner.Run(cmd.Context(), records)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("benchmark aborted: %w", err)
	}

	if benchOut != "" {
		f, err := os.Create(benchOut)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", benchOut, err)
		}
		if err := benchmark.WriteCSV(f, results); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write %s: %w", benchOut, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}

	s := benchmark.Summarize(results)
	if benchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Println("═══════════════════════════════════════════")
	fmt.Println("  TurnShield Benchmark Summary")
	fmt.Println("═══════════════════════════════════════════")
	fmt.Printf("  Total samples:   %d\n", s.TotalSamples)
	fmt.Printf("  Accuracy:        %.2f%%\n", s.Accuracy*100)
	asr := color.GreenString("%.2f%%", s.ASR*100)
	if s.ASR > 0 {
		asr = color.RedString("%.2f%%", s.ASR*100)
	}
	fmt.Printf("  Attack success:  %s\n", asr)
	fmt.Printf("  False positives: %d\n", s.FalsePositives)
	if s.P95LatencyMS > 0 {
		fmt.Printf("  P95 latency:     %.2f ms\n", s.P95LatencyMS)
	} else {
		fmt.Println("  P95 latency:     n/a (fewer than 20 samples)")
	}
	fmt.Printf("  TP/FP/FN/TN:     %d/%d/%d/%d\n", s.TP, s.FP, s.FN, s.TN)
	fmt.Println("═══════════════════════════════════════════")
	if benchOut != "" {
		fmt.Printf("  Per-record results: %s\n", benchOut)
	}
	return nil
}
