package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gzhole/turnshield/internal/accumulator"
	"github.com/gzhole/turnshield/internal/scorer"
)

func report(v scorer.Verdict, semantic float64) scorer.ScoreReport {
	return scorer.ScoreReport{
		Scorer:    "secondary",
		Verdict:   v,
		Reasoning: string(v) + " secondary",
		Variables: map[string]float64{"keyword": 0, "semantic": semantic},
	}
}

func primary(v scorer.Verdict, score float64, reasons ...string) scorer.ScoreReport {
	return scorer.ScoreReport{Scorer: "keyword", Verdict: v, Score: score, Reasoning: string(v) + " primary", Reasons: reasons}
}

func accAt(score float64) *accumulator.Accumulator {
	acc := accumulator.New(0.85)
	acc.Raise(score)
	return acc
}

func strict() Policy {
	p := DefaultPolicy()
	p.Strict = true
	return p
}

func TestReconcile_PrimaryOnly(t *testing.T) {
	a := New(DefaultPolicy())
	acc := accAt(0)

	out := a.Reconcile(primary(scorer.Monitor, 0.4, "jailbreak"), nil, acc, false)
	assert.Equal(t, scorer.Monitor, out.Verdict)
	assert.False(t, out.Blocked)
	assert.InDelta(t, 0.4, acc.Score(), 1e-9)
	assert.Equal(t, []string{"jailbreak"}, out.Reasons)
}

func TestReconcile_PrimaryOnlyAccumulates(t *testing.T) {
	a := New(DefaultPolicy())
	acc := accAt(0)

	// Routine turns with a small primary score still compound; once the
	// rolling score passes the block threshold a Routine turn is blocked.
	var out Outcome
	for i := 0; i < 12; i++ {
		out = a.Reconcile(primary(scorer.Routine, 0.2), nil, acc, false)
		if out.Blocked {
			break
		}
	}
	assert.True(t, out.Blocked)
	assert.GreaterOrEqual(t, out.RollingScore, 1.0)
}

func TestReconcile_SafetyNetCannotBeDowngraded(t *testing.T) {
	for _, v := range []scorer.Verdict{scorer.Routine, scorer.Monitor, scorer.HighRisk} {
		for _, p := range []Policy{DefaultPolicy(), strict()} {
			acc := accAt(0.2)
			sec := report(v, 0.1)
			out := New(p).Reconcile(primary(scorer.HighRisk, 0.8, "jailbreak", "exfiltration"), &sec, acc, true)

			assert.Equal(t, scorer.HighRisk, out.Verdict)
			assert.True(t, out.Blocked)
			assert.True(t, out.SafetyNet)
			assert.Equal(t, 1.0, acc.Score(), "accumulator raised to the floor")
			assert.Contains(t, out.Reasoning, "High-Risk primary")
		}
	}
}

func TestReconcile_SafetyNetKeepsHigherScore(t *testing.T) {
	acc := accAt(1.6)
	sec := report(scorer.HighRisk, 1)
	New(DefaultPolicy()).Reconcile(primary(scorer.HighRisk, 0.8), &sec, acc, false)
	assert.Equal(t, 1.6, acc.Score())
}

func TestReconcile_ProbationBoundary(t *testing.T) {
	tests := []struct {
		name      string
		policy    Policy
		semantic  float64
		primary   scorer.Verdict
		verdict   scorer.Verdict
		probation bool
		rolling   float64
	}{
		{"below boundary", DefaultPolicy(), 0.39, scorer.Routine, scorer.Monitor, true, 0.4},
		{"at boundary", DefaultPolicy(), 0.4, scorer.Routine, scorer.HighRisk, false, 0.8},
		{"above boundary", DefaultPolicy(), 1.0, scorer.Routine, scorer.HighRisk, false, 0.8},
		{"primary monitor", DefaultPolicy(), 0.1, scorer.Monitor, scorer.HighRisk, false, 0.8},
		{"strict disables probation", strict(), 0.1, scorer.Routine, scorer.HighRisk, false, 0.8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := accAt(0.8)
			sec := report(scorer.HighRisk, tt.semantic)
			out := New(tt.policy).Reconcile(primary(tt.primary, 0), &sec, acc, false)

			assert.Equal(t, tt.verdict, out.Verdict)
			assert.Equal(t, tt.probation, out.Probation)
			assert.InDelta(t, tt.rolling, acc.Score(), 1e-9)
			assert.Equal(t, tt.verdict == scorer.HighRisk, out.Blocked)
		})
	}
}

func TestReconcile_ProbationRequiresSemanticVariable(t *testing.T) {
	acc := accAt(0.5)
	sec := scorer.ScoreReport{Verdict: scorer.HighRisk}
	out := New(DefaultPolicy()).Reconcile(primary(scorer.Routine, 0), &sec, acc, false)
	assert.Equal(t, scorer.HighRisk, out.Verdict)
	assert.False(t, out.Probation)
}

func TestReconcile_PassThrough(t *testing.T) {
	for _, v := range []scorer.Verdict{scorer.Routine, scorer.Monitor} {
		acc := accAt(0.2)
		sec := report(v, 0.3)
		out := New(DefaultPolicy()).Reconcile(primary(scorer.Routine, 0), &sec, acc, false)
		assert.Equal(t, v, out.Verdict)
		assert.False(t, out.Blocked)
		assert.Equal(t, 0.2, acc.Score())
	}
}

func TestReconcile_CumulativeBlock(t *testing.T) {
	tests := []struct {
		name     string
		verdict  scorer.Verdict
		safe     bool
		blocked  bool
		relieved bool
		rolling  float64
	}{
		{"routine over threshold blocks", scorer.Routine, false, true, false, 1.1},
		{"monitor over threshold passes", scorer.Monitor, false, false, false, 1.1},
		{"safe command relieved", scorer.Routine, true, false, true, 1.1 * 0.7},
		{"safe monitor command relieved", scorer.Monitor, true, false, true, 1.1 * 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := accAt(1.1)
			sec := report(tt.verdict, 0.3)
			out := New(DefaultPolicy()).Reconcile(primary(scorer.Routine, 0), &sec, acc, tt.safe)

			assert.Equal(t, tt.blocked, out.Blocked)
			assert.Equal(t, tt.relieved, out.Relieved)
			assert.InDelta(t, tt.rolling, acc.Score(), 1e-9)
			assert.InDelta(t, tt.rolling, out.RollingScore, 1e-9)
		})
	}
}

func TestReconcile_BelowThresholdNoRelief(t *testing.T) {
	acc := accAt(0.9)
	sec := report(scorer.Routine, 0.3)
	out := New(DefaultPolicy()).Reconcile(primary(scorer.Routine, 0), &sec, acc, true)
	assert.False(t, out.Relieved)
	assert.Equal(t, 0.9, acc.Score())
}

func TestReconcile_StrictMonitorBlocks(t *testing.T) {
	acc := accAt(0.2)
	sec := report(scorer.Monitor, 0.3)
	out := New(strict()).Reconcile(primary(scorer.Routine, 0), &sec, acc, true)
	assert.True(t, out.Blocked)
	assert.False(t, out.Relieved)
}

func TestReconcile_AutoReset(t *testing.T) {
	acc := accAt(2.7)
	sec := report(scorer.HighRisk, 1)
	out := New(DefaultPolicy()).Reconcile(primary(scorer.Monitor, 0.3), &sec, acc, false)

	assert.True(t, out.Blocked)
	assert.True(t, out.AutoReset)
	assert.Equal(t, 2.7, out.RollingScore)
	assert.Equal(t, 0.0, acc.Score())
}

func TestReconcile_NoAutoResetWithoutBlock(t *testing.T) {
	acc := accAt(2.7)
	sec := report(scorer.Monitor, 0.3)
	out := New(DefaultPolicy()).Reconcile(primary(scorer.Routine, 0), &sec, acc, false)

	assert.False(t, out.Blocked)
	assert.False(t, out.AutoReset)
	assert.Equal(t, 2.7, acc.Score())
}

func TestReconcile_ConfigurableBlockThreshold(t *testing.T) {
	p := DefaultPolicy()
	p.BlockThreshold = 1.3

	acc := accAt(1.1)
	sec := report(scorer.Routine, 0.3)
	out := New(p).Reconcile(primary(scorer.Routine, 0), &sec, acc, false)
	assert.False(t, out.Blocked)
}
