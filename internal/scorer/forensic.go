package scorer

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/gzhole/turnshield/internal/accumulator"
	"github.com/gzhole/turnshield/internal/normalize"
)

// ForensicConfig tunes the multi-feature sigmoid model.
type ForensicConfig struct {
	Weights   map[string]float64
	Bias      float64
	High      float64
	Anomalous float64
	Whitelist []string
}

// Feature names reported in ScoreReport.Variables.
const (
	FeatureComplexity = "complexity"
	FeaturePrivilege  = "privilege"
	FeatureYield      = "yield"
	FeaturePressure   = "pressure"
	FeatureDeviation  = "deviation"
	FeatureStealth    = "stealth"
)

// features fixes the summation order so equal inputs score bit-identically.
var features = []string{
	FeatureComplexity, FeaturePrivilege, FeatureYield,
	FeaturePressure, FeatureDeviation, FeatureStealth,
}

func DefaultForensicConfig() ForensicConfig {
	return ForensicConfig{
		Weights: map[string]float64{
			FeatureComplexity: 1.2,
			FeaturePrivilege:  1.0,
			FeatureYield:      0.8,
			FeaturePressure:   0.6,
			FeatureDeviation:  1.2,
			FeatureStealth:    1.0,
		},
		Bias:      3.0,
		High:      0.85,
		Anomalous: 0.60,
		Whitelist: []string{
			"joke", "hello", "hi", "status", "schedule", "agenda", "tasks",
			"to do", "ping", "thanks", "good evening", "weather", "briefing",
			"add", "remove", "reset", "undo",
		},
	}
}

// whitelistMidpoint is reported for whitelisted turns.
const whitelistMidpoint = 0.05

var (
	destructiveTerms = compileTerms([]string{"delete all", "wipe", "root", "format"})
	privilegeTerms   = compileTerms([]string{"delete all", "wipe system", "root", "format drive", "chmod", "sudo"})
	yieldTerms       = compileTerms([]string{"transfer", "bitcoin", "auth key", "credentials", "password", "wallet"})
	pressureTerms    = compileTerms([]string{"immediately", "emergency override", "critical", "urgent", "bypass"})
	stealthTerms     = compileTerms([]string{"no trace", "silent", "silently", "don't log", "hide", "stealth"})
)

// ForensicScorer estimates engineered intent without an external backend.
// A high bias keeps routine turns near zero probability.
type ForensicScorer struct {
	cfg        ForensicConfig
	thresholds Thresholds
	whitelist  []*regexp.Regexp
}

func NewForensicScorer(cfg ForensicConfig, thresholds Thresholds) *ForensicScorer {
	if len(cfg.Weights) == 0 {
		cfg.Weights = DefaultForensicConfig().Weights
	}
	return &ForensicScorer{
		cfg:        cfg,
		thresholds: thresholds,
		whitelist:  compileTerms(cfg.Whitelist),
	}
}

func (s *ForensicScorer) Name() string { return "forensic" }

func (s *ForensicScorer) Analyze(_ context.Context, text string, acc *accumulator.Accumulator) (ScoreReport, error) {
	p := normalize.Prepare(text)
	low := p.Lower()

	if matchesAny(low, s.whitelist) && !matchesAny(low, destructiveTerms) {
		var rolling float64
		if acc != nil {
			rolling = acc.Update(whitelistMidpoint)
		}
		verdict := s.thresholds.rollingVerdict(rolling)
		return ScoreReport{
			Scorer:       s.Name(),
			Verdict:      verdict,
			Reasoning:    "Whitelisted conversational or utility input.",
			Score:        whitelistMidpoint,
			Range:        &ProbabilityRange{Min: 0, Max: 2 * whitelistMidpoint},
			Midpoint:     whitelistMidpoint,
			Variables:    map[string]float64{"semantic": whitelistMidpoint},
			RollingScore: rolling,
		}, nil
	}

	vars := map[string]float64{
		FeatureComplexity: math.Min(1, float64(len(strings.Fields(p.Context)))/50),
		FeaturePrivilege:  pick(matchesAny(low, privilegeTerms), 0.9, 0.1),
		FeatureYield:      pick(matchesAny(low, yieldTerms), 0.8, 0.1),
		FeaturePressure:   pick(matchesAny(low, pressureTerms), 0.9, 0.1),
		FeatureDeviation:  s.deviation(acc),
		FeatureStealth:    pick(matchesAny(low, stealthTerms), 0.8, 0.2),
	}

	var sum float64
	for _, name := range features {
		sum += s.cfg.Weights[name] * vars[name]
	}

	lo := s.sigmoid(sum - 0.5)
	hi := s.sigmoid(sum + 0.5)
	mid := (lo + hi) / 2
	vars["semantic"] = mid

	var rolling float64
	if acc != nil {
		rolling = acc.Update(mid)
	}

	verdict := Routine
	switch {
	case mid > s.cfg.High:
		verdict = HighRisk
	case mid > s.cfg.Anomalous:
		verdict = Monitor
	}
	verdict = MostSevere(verdict, s.thresholds.rollingVerdict(rolling))

	return ScoreReport{
		Scorer:       s.Name(),
		Verdict:      verdict,
		Reasoning:    fmt.Sprintf("Forensic analysis: S=%.2f, bias %.1f.", sum, s.cfg.Bias),
		Reasons:      forensicReasons(vars),
		Score:        mid,
		Range:        &ProbabilityRange{Min: lo, Max: hi},
		Midpoint:     mid,
		Variables:    vars,
		RollingScore: rolling,
	}, nil
}

// deviation maps the rolling score between the monitor and high thresholds
// onto [0.1, 1]. Quiet sessions stay at the floor.
func (s *ForensicScorer) deviation(acc *accumulator.Accumulator) float64 {
	if acc == nil {
		return 0.1
	}
	span := s.thresholds.RollingHigh - s.thresholds.RollingMonitor
	if span <= 0 {
		return 0.1
	}
	d := (acc.Score() - s.thresholds.RollingMonitor) / span
	return math.Max(0.1, math.Min(1, d))
}

func (s *ForensicScorer) sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-(x - s.cfg.Bias)))
}

func pick(cond bool, yes, no float64) float64 {
	if cond {
		return yes
	}
	return no
}

func forensicReasons(vars map[string]float64) []string {
	var out []string
	for _, name := range []string{FeaturePrivilege, FeatureYield, FeaturePressure, FeatureStealth, FeatureDeviation} {
		if vars[name] >= 0.5 {
			out = append(out, name)
		}
	}
	return out
}
