package config

import (
	"sort"
	"strings"

	"github.com/gzhole/turnshield/internal/arbiter"
	"github.com/gzhole/turnshield/internal/scorer"
)

// ScorerThresholds returns the verdict boundaries used by the scorers.
func (c *Config) ScorerThresholds() scorer.Thresholds {
	t := c.Thresholds
	return scorer.Thresholds{
		PrimaryHigh:    t.PrimaryHigh,
		PrimaryMonitor: t.PrimaryMonitor,
		HybridHigh:     t.HybridHigh,
		HybridMonitor:  t.HybridMonitor,
		RollingHigh:    t.RollingHigh,
		RollingMonitor: t.RollingMonitor,
	}
}

// ArbiterPolicy returns the reconciliation policy. Benchmark mode is strict.
func (c *Config) ArbiterPolicy() arbiter.Policy {
	p := arbiter.DefaultPolicy()
	p.Strict = c.BenchmarkMode
	p.BlockThreshold = c.Thresholds.Block
	p.AutoResetCeiling = c.Thresholds.AutoResetCeiling
	p.ProbationSemantic = c.Thresholds.ProbationSemantic
	p.ProbationFactor = c.Thresholds.ProbationFactor
	p.ReliefFactor = c.Thresholds.ReliefFactor
	return p
}

func (c *Config) SemanticScorerConfig() scorer.SemanticConfig {
	s := c.Semantic
	out := scorer.DefaultSemanticConfig()
	out.KeywordWeight = s.KeywordWeight
	out.SemanticWeight = s.SemanticWeight
	out.AttackSignal = s.AttackSignal
	out.BenignSignal = s.BenignSignal
	out.FallbackSignal = s.FallbackSignal
	out.Margin = s.Margin
	if s.Timeout > 0 {
		out.Timeout = s.Timeout.Std()
	}
	if len(s.DangerTerms) > 0 {
		out.DangerTerms = s.DangerTerms
	}
	if len(s.BenignExamples) > 0 {
		out.BenignExamples = s.BenignExamples
	}
	if len(s.InjectionExamples) > 0 {
		out.InjectionExamples = s.InjectionExamples
	}
	return out
}

func (c *Config) ForensicScorerConfig() scorer.ForensicConfig {
	f := c.Forensic
	out := scorer.DefaultForensicConfig()
	for name, w := range f.Weights {
		out.Weights[name] = w
	}
	out.Bias = f.Bias
	out.High = f.High
	out.Anomalous = f.Anomalous
	if len(f.Whitelist) > 0 {
		out.Whitelist = f.Whitelist
	}
	return out
}

// PatternSpecs returns the configured detection patterns in name order.
func (c *Config) PatternSpecs() []scorer.PatternSpec {
	names := make([]string, 0, len(c.DetectionPatterns))
	for name := range c.DetectionPatterns {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]scorer.PatternSpec, 0, len(names))
	for _, name := range names {
		p := c.DetectionPatterns[name]
		specs = append(specs, scorer.PatternSpec{
			Name:          name,
			Pattern:       p.Pattern,
			Weight:        p.Weight,
			MinLength:     p.MinLength,
			Description:   p.Description,
			CaseSensitive: p.CaseSensitive,
		})
	}
	return specs
}

// IsSafeCommand reports whether text is one of the configured safe commands.
func (c *Config) IsSafeCommand(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".!?")
	for _, cmd := range c.SafeCommands {
		if t == strings.ToLower(strings.TrimSpace(cmd)) {
			return true
		}
	}
	return false
}
