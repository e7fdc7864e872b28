package scorer

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/gzhole/turnshield/internal/accumulator"
	"github.com/gzhole/turnshield/internal/normalize"
)

// PatternSpec is an operator-supplied detection pattern.
type PatternSpec struct {
	Name          string
	Pattern       string
	Weight        float64
	MinLength     int
	Description   string
	CaseSensitive bool
}

// category is a built-in family of phrases sharing one weight. A category
// contributes its weight at most once per turn.
type category struct {
	id       string
	weight   float64
	patterns []*regexp.Regexp
	// raw categories run on case-preserved text instead of the lowercased context.
	raw bool
}

type compiledPattern struct {
	spec PatternSpec
	re   *regexp.Regexp
}

// KeywordScorer is the deterministic safety net. It never errors and never
// touches the network.
type KeywordScorer struct {
	categories []category
	patterns   []compiledPattern
	skipped    []string
	thresholds Thresholds
}

// NewKeywordScorer compiles the built-in categories plus extra patterns.
// A pattern that fails to compile is skipped and logged once.
func NewKeywordScorer(extra []PatternSpec, thresholds Thresholds, log *zap.Logger) *KeywordScorer {
	if log == nil {
		log = zap.NewNop()
	}

	s := &KeywordScorer{
		categories: builtinCategories(),
		thresholds: thresholds,
	}

	for _, spec := range extra {
		expr := spec.Pattern
		if !spec.CaseSensitive && !strings.HasPrefix(expr, "(?i)") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			log.Warn("skipping malformed detection pattern",
				zap.String("pattern", spec.Name), zap.Error(err))
			s.skipped = append(s.skipped, spec.Name)
			continue
		}
		s.patterns = append(s.patterns, compiledPattern{spec: spec, re: re})
	}
	return s
}

func (s *KeywordScorer) Name() string { return "keyword" }

// Skipped lists the configured patterns that failed to compile.
func (s *KeywordScorer) Skipped() []string { return s.skipped }

// Analyze satisfies Scorer. The primary layer never updates the accumulator
// itself; the arbiter decides what reaches it.
func (s *KeywordScorer) Analyze(_ context.Context, text string, _ *accumulator.Accumulator) (ScoreReport, error) {
	return s.Scan(text), nil
}

// Scan scores text against every category and configured pattern.
func (s *KeywordScorer) Scan(text string) ScoreReport {
	p := normalize.Prepare(text)
	lower := p.Lower()

	var total float64
	var reasons []string

	for _, c := range s.categories {
		subject := lower
		if c.raw {
			subject = p.Context
		}
		if matchesAny(subject, c.patterns) {
			total += c.weight
			reasons = append(reasons, c.id)
		}
	}

	if smuggled(p.Smuggling) && !contains(reasons, "obfuscation") {
		total += obfuscationWeight
		reasons = append(reasons, "obfuscation")
	}

	for _, cp := range s.patterns {
		if utf8.RuneCountInString(p.Canonical) < cp.spec.MinLength {
			continue
		}
		if cp.re.MatchString(p.Context) {
			total += cp.spec.Weight
			reasons = append(reasons, "pattern:"+cp.spec.Name)
		}
	}

	verdict := Routine
	switch {
	case total >= s.thresholds.PrimaryHigh:
		verdict = HighRisk
	case total >= s.thresholds.PrimaryMonitor:
		verdict = Monitor
	}

	return ScoreReport{
		Scorer:    s.Name(),
		Verdict:   verdict,
		Reasoning: keywordReasoning(verdict, reasons, total),
		Reasons:   reasons,
		Score:     clamp01(total),
	}
}

func keywordReasoning(v Verdict, reasons []string, total float64) string {
	if len(reasons) == 0 {
		return "No threat indicators matched."
	}
	sorted := append([]string(nil), reasons...)
	sort.Strings(sorted)
	return fmt.Sprintf("Safety net %s: matched %s (score %.2f).", strings.ToLower(string(v)), strings.Join(sorted, ", "), total)
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// smuggled reports invisible-character smuggling. Homoglyphs alone are
// common in legitimate non-Latin text and do not count.
func smuggled(categories []string) bool {
	for _, c := range categories {
		switch c {
		case "zero-width", "bidi-control", "tag-char":
			return true
		}
	}
	return false
}

const obfuscationWeight = 0.3

func builtinCategories() []category {
	return []category{
		{id: "jailbreak", weight: 0.4, patterns: jailbreakPatterns},
		{id: "exfiltration", weight: 0.4, patterns: exfiltrationPatterns},
		{id: "manipulation", weight: 0.3, patterns: manipulationPatterns},
		{id: "destructive", weight: 0.5, patterns: destructivePatterns},
		{id: "privilege", weight: 0.3, patterns: privilegePatterns},
		{id: "obfuscation", weight: obfuscationWeight, patterns: obfuscationPatterns, raw: true},
	}
}

var jailbreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(ignore|disregard|forget|override)\s+(all\s+)?(of\s+)?(your\s+|the\s+|any\s+|my\s+)?(previous|prior|above|earlier|system|safety)?\s*(instructions|rules|guidelines|directives|prompts?|programming)\b`),
	regexp.MustCompile(`\b(dan|developer|god|jailbreak|unrestricted)\s+mode\b`),
	regexp.MustCompile(`\bjailbreak(ed|ing)?\b`),
	regexp.MustCompile(`\byou\s+are\s+now\s+(an?\s+)?(unrestricted|unfiltered|uncensored|evil|free|jailbroken)\b`),
	regexp.MustCompile(`\b(pretend|act)\s+(to\s+be|as|like)\s+(an?\s+)?(hacker|unrestricted|evil|jailbroken|unfiltered)\b`),
	regexp.MustCompile(`\broleplay\s+override\b`),
	regexp.MustCompile(`\bbypass\s+(the\s+|your\s+|all\s+)?(security|safety|guardrails?|filters?|restrictions)\b`),
	regexp.MustCompile(`\bmulti-shot\s+injection\b`),
	regexp.MustCompile(`\bnew\s+instructions\s*:`),
}

var exfiltrationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(reveal|show|print|dump|leak|tell\s+me|give\s+me|output|display|expose|repeat)\b.{0,40}\b(passwords?|passwd|credentials?|secrets?|api[\s_-]?keys?|tokens?|auth\s+keys?|private\s+keys?|system\s+prompt)\b`),
	regexp.MustCompile(`\b(what\s+is|what's|what\s+are)\s+(your|the)\s+(system\s+prompt|initial\s+instructions|hidden\s+instructions)\b`),
	regexp.MustCompile(`\b(send|upload|post|exfiltrate|forward|copy)\b.{0,40}\b(to|into)\s+(https?://|my\s+server|an?\s+external|pastebin|a\s+webhook)`),
	regexp.MustCompile(`\btransfer\b.{0,30}\b(bitcoin|btc|crypto|wallet|funds)\b`),
}

var manipulationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(i\s+am|i'm)\s+(your|the)\s+(developer|creator|admin|administrator|owner|ceo)\b`),
	regexp.MustCompile(`\bemergency\s+override\b`),
	regexp.MustCompile(`\b(urgent|urgently|immediately|right\s+now)\b.{0,40}\b(bypass|disable|override|delete|grant)\b`),
	regexp.MustCompile(`\b(don't|dont|do\s+not)\s+(log|record|tell\s+anyone|report)\b`),
	regexp.MustCompile(`\b(no\s+trace|without\s+a\s+trace|stealthily|silently)\b`),
}

var destructivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-(rf|fr|r)\b`),
	regexp.MustCompile(`\bdelete\s+(all|every|everything)\b`),
	regexp.MustCompile(`\bwipe\s+(the\s+|my\s+)?(system|disk|drive|data|everything|all|memory)\b`),
	regexp.MustCompile(`\bformat\s+(the\s+|my\s+)?(c:|drive|disk|hard\s+drive)`),
	regexp.MustCompile(`\bdrop\s+(table|database)\b`),
	regexp.MustCompile(`\bmkfs\b`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
}

var privilegePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\broot\s+(access|shell|privileges?|password|now)\b`),
	regexp.MustCompile(`\b(grant|give)\s+(me\s+)?(admin|root|superuser)\b`),
	regexp.MustCompile(`\bchmod\s+(777|\+s|u\+s)\b`),
	regexp.MustCompile(`\bexecute\s+(a\s+)?shell\b`),
	regexp.MustCompile(`\bescalate\s+(my\s+)?privileges?\b`),
}

var obfuscationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[A-Za-z0-9+/]{40,}={0,2}`),
	regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){4,}`),
}
