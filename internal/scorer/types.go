// Package scorer turns a chat turn into a threat verdict.
//
// Two layers exist:
//
//	KeywordScorer   deterministic regex safety net, always available
//	SemanticScorer  embedding similarity against benign/injection prototypes
//	ForensicScorer  weighted multi-feature sigmoid model, no backend needed
//
// The secondary layer (semantic or forensic) is selected at startup.
package scorer

import (
	"context"

	"github.com/gzhole/turnshield/internal/accumulator"
)

// Verdict is the risk classification of one turn.
type Verdict string

const (
	Routine  Verdict = "Routine"
	Monitor  Verdict = "Monitor"
	HighRisk Verdict = "High-Risk"
)

// Rank orders verdicts from least to most severe.
func (v Verdict) Rank() int {
	switch v {
	case HighRisk:
		return 2
	case Monitor:
		return 1
	default:
		return 0
	}
}

// MostSevere returns the more severe of two verdicts.
func MostSevere(a, b Verdict) Verdict {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ProbabilityRange brackets a scorer's estimate.
type ProbabilityRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// ScoreReport is one scorer's view of a turn. It is built fresh per call.
type ScoreReport struct {
	Scorer    string             `json:"scorer"`
	Verdict   Verdict            `json:"verdict"`
	Reasoning string             `json:"reasoning"`
	Reasons   []string           `json:"reasons,omitempty"`
	Score     float64            `json:"score"`
	Range     *ProbabilityRange  `json:"range,omitempty"`
	Midpoint  float64            `json:"midpoint,omitempty"`
	Variables map[string]float64 `json:"variables,omitempty"`
	// RollingScore is the accumulator value after this scorer updated it.
	RollingScore float64 `json:"rolling_score"`
}

// Variable returns a named variable when the scorer reported it.
func (r ScoreReport) Variable(name string) (float64, bool) {
	v, ok := r.Variables[name]
	return v, ok
}

// Scorer analyzes a turn. The accumulator may be nil.
type Scorer interface {
	Name() string
	Analyze(ctx context.Context, text string, acc *accumulator.Accumulator) (ScoreReport, error)
}

// Availability is implemented by scorers whose backend can be missing.
type Availability interface {
	Available() bool
}

// IsAvailable reports whether s can be used this turn.
func IsAvailable(s Scorer) bool {
	if s == nil {
		return false
	}
	if a, ok := s.(Availability); ok {
		return a.Available()
	}
	return true
}

// Thresholds holds the tunable verdict boundaries.
type Thresholds struct {
	PrimaryHigh    float64
	PrimaryMonitor float64
	HybridHigh     float64
	HybridMonitor  float64
	RollingHigh    float64
	RollingMonitor float64
}

// DefaultThresholds returns the calibrated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PrimaryHigh:    0.7,
		PrimaryMonitor: 0.3,
		HybridHigh:     0.7,
		HybridMonitor:  0.4,
		RollingHigh:    1.3,
		RollingMonitor: 0.7,
	}
}

// rollingVerdict applies the secondary thresholds shared by both variants.
func (t Thresholds) rollingVerdict(rolling float64) Verdict {
	switch {
	case rolling > t.RollingHigh:
		return HighRisk
	case rolling > t.RollingMonitor:
		return Monitor
	default:
		return Routine
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
