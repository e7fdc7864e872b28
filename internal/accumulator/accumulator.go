// Package accumulator tracks rolling conversational risk with exponential decay.
package accumulator

// DefaultDecay is the per-turn retention factor applied before each increment.
const DefaultDecay = 0.85

// Accumulator holds a decaying risk score for one session.
//
// It performs no locking. The owning session serializes every call, so a
// single turn is the only writer at any moment.
type Accumulator struct {
	score float64
	decay float64
}

// New returns an accumulator with the given decay. Values outside (0,1)
// fall back to DefaultDecay.
func New(decay float64) *Accumulator {
	if decay <= 0 || decay >= 1 {
		decay = DefaultDecay
	}
	return &Accumulator{decay: decay}
}

// Update decays the current score and adds the increment, clamped to [0,1].
// It returns the new score.
func (a *Accumulator) Update(increment float64) float64 {
	a.score = a.score*a.decay + clamp01(increment)
	return a.score
}

// Score returns the current rolling score.
func (a *Accumulator) Score() float64 {
	return a.score
}

// Decay returns the retention factor.
func (a *Accumulator) Decay() float64 {
	return a.decay
}

// Reset sets the score to exactly zero.
func (a *Accumulator) Reset() {
	a.score = 0
}

// Scale multiplies the score by factor, clamped to [0,1].
func (a *Accumulator) Scale(factor float64) float64 {
	a.score *= clamp01(factor)
	return a.score
}

// Raise lifts the score to floor when it is currently lower.
func (a *Accumulator) Raise(floor float64) float64 {
	if a.score < floor {
		a.score = floor
	}
	return a.score
}

// Steady returns the value a constant per-turn increment converges to.
func (a *Accumulator) Steady(increment float64) float64 {
	return clamp01(increment) / (1 - a.decay)
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
