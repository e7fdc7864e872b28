// Package arbiter reconciles the primary and secondary scorer reports into
// a single verdict and decides whether the turn is blocked.
package arbiter

import (
	"strings"

	"github.com/gzhole/turnshield/internal/accumulator"
	"github.com/gzhole/turnshield/internal/scorer"
)

// Policy holds the reconciliation constants.
type Policy struct {
	// Strict is the zero-tolerance benchmark policy: Monitor blocks and
	// probation is disabled.
	Strict bool
	// BlockThreshold is the rolling score at which non-Monitor turns block.
	BlockThreshold float64
	// AutoResetCeiling resets the accumulator after a block above it.
	AutoResetCeiling float64
	// ProbationSemantic is the semantic signal below which an unsupported
	// secondary High-Risk call is downgraded.
	ProbationSemantic float64
	ProbationFactor   float64
	ReliefFactor      float64
	// SafetyNetFloor is the minimum rolling score after a primary High-Risk.
	SafetyNetFloor float64
}

func DefaultPolicy() Policy {
	return Policy{
		BlockThreshold:    1.0,
		AutoResetCeiling:  2.5,
		ProbationSemantic: 0.4,
		ProbationFactor:   0.5,
		ReliefFactor:      0.7,
		SafetyNetFloor:    1.0,
	}
}

// Outcome is the arbitrated result of one turn.
type Outcome struct {
	Verdict      scorer.Verdict
	Blocked      bool
	Reasoning    string
	Reasons      []string
	RollingScore float64

	// SafetyNet is set when the primary layer forced High-Risk.
	SafetyNet bool
	Probation bool
	Relieved  bool
	AutoReset bool
}

// Arbiter applies Policy to scorer reports. It holds no per-session state.
type Arbiter struct {
	policy Policy
}

func New(policy Policy) *Arbiter {
	return &Arbiter{policy: policy}
}

func (a *Arbiter) Policy() Policy { return a.policy }

// Reconcile combines the reports and mutates acc according to the override,
// probation, relief and auto-reset rules. secondary is nil when the
// secondary layer is unavailable. safeCommand marks recognized routine
// commands that earn relief instead of a cumulative block.
func (a *Arbiter) Reconcile(primary scorer.ScoreReport, secondary *scorer.ScoreReport, acc *accumulator.Accumulator, safeCommand bool) Outcome {
	out := a.reconcile(primary, secondary, acc)
	a.decideBlock(&out, acc, safeCommand)
	return out
}

func (a *Arbiter) reconcile(primary scorer.ScoreReport, secondary *scorer.ScoreReport, acc *accumulator.Accumulator) Outcome {
	out := Outcome{Reasons: append([]string(nil), primary.Reasons...)}

	// Primary-only: the safety net feeds the accumulator so staged attacks
	// still compound without a secondary layer.
	if secondary == nil {
		out.Verdict = primary.Verdict
		out.Reasoning = primary.Reasoning
		acc.Update(primary.Score)
		out.SafetyNet = primary.Verdict == scorer.HighRisk
		return out
	}

	out.Reasons = mergeReasons(out.Reasons, secondary.Reasons)

	switch {
	case primary.Verdict == scorer.HighRisk:
		out.Verdict = scorer.HighRisk
		out.SafetyNet = true
		out.Reasoning = joinReasoning(primary.Reasoning, secondary.Reasoning)
		acc.Raise(a.policy.SafetyNetFloor)

	case !a.policy.Strict &&
		secondary.Verdict == scorer.HighRisk &&
		primary.Verdict == scorer.Routine &&
		semanticBelow(*secondary, a.policy.ProbationSemantic):
		out.Verdict = scorer.Monitor
		out.Probation = true
		out.Reasoning = joinReasoning(secondary.Reasoning, "Low-confidence flag unsupported by the safety net; placed on probation.")
		acc.Scale(a.policy.ProbationFactor)

	default:
		out.Verdict = secondary.Verdict
		out.Reasoning = secondary.Reasoning
	}
	return out
}

func (a *Arbiter) decideBlock(out *Outcome, acc *accumulator.Accumulator, safeCommand bool) {
	switch {
	case out.Verdict == scorer.HighRisk:
		out.Blocked = true
	case a.policy.Strict && out.Verdict == scorer.Monitor:
		out.Blocked = true
	case acc.Score() >= a.policy.BlockThreshold:
		if safeCommand {
			acc.Scale(a.policy.ReliefFactor)
			out.Relieved = true
		} else if out.Verdict != scorer.Monitor {
			out.Blocked = true
			out.Reasoning = joinReasoning(out.Reasoning, "Cumulative session risk exceeded the block threshold.")
		}
	}

	if out.Blocked && acc.Score() > a.policy.AutoResetCeiling {
		out.RollingScore = acc.Score()
		acc.Reset()
		out.AutoReset = true
		return
	}
	out.RollingScore = acc.Score()
}

// semanticBelow reports whether the secondary's semantic signal is under
// limit. A report without the variable never qualifies.
func semanticBelow(r scorer.ScoreReport, limit float64) bool {
	v, ok := r.Variable("semantic")
	return ok && v < limit
}

func joinReasoning(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " | ")
}

func mergeReasons(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, r := range append(append([]string(nil), a...), b...) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
