// Package bandit is the Bandit Decision Core (C3): a pure function from
// (campaign, posteriors, context) to an allocation and the changes that
// produced it. Nothing in this package performs I/O or blocks.
package bandit

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
)

// BanditAgent is the capability Decide samples through. ThompsonBernoulli
// is the only implementation this core ships with; the interface exists
// so a second agent (e.g. a contextual one) can be swapped in without
// reshaping Decide's signature.
type BanditAgent interface {
	// Sample draws one posterior sample for an arm with the given Beta
	// parameters.
	Sample(alpha, beta float64, rng *rand.Rand) float64
}

// ThompsonBernoulli draws θ ~ Beta(alpha, beta) via two Gamma(shape, 1)
// draws (Marsaglia-Tsang), the standard construction for a Beta sample
// when alpha/beta are not necessarily integers — the agent.py this is
// grounded on approximates the draw with a clamped Gaussian "for
// simplicity"; a real Beta draw is cheap enough in Go that there is no
// reason to carry that shortcut forward.
type ThompsonBernoulli struct{}

// Sample implements BanditAgent.
func (ThompsonBernoulli) Sample(alpha, beta float64, rng *rand.Rand) float64 {
	ga := gammaSample(alpha, rng)
	gb := gammaSample(beta, rng)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// ContextualLinUCB would be a second BanditAgent keyed on DecisionContext
// features (day-of-week, hour, quarter) rather than pooled Beta
// posteriors. Nothing in this codebase's spec requires it to ship; it is
// named here only so BanditAgent is demonstrably not closed over a
// single concrete type.
type ContextualLinUCB struct{}

// gammaSample draws from Gamma(shape, 1) using the Marsaglia-Tsang
// method for shape >= 1, boosted via Gamma(shape+1,1) * U^(1/shape) for
// shape in (0, 1) (alpha/beta are Laplace-smoothed to >= 1 in this
// codebase, but the boost keeps the function correct at the boundary).
func gammaSample(shape float64, rng *rand.Rand) float64 {
	if shape < 1 {
		u := rng.Float64()
		return gammaSample(shape+1, rng) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		var x, v float64
		for {
			x = rng.NormFloat64()
			v = 1 + c*x
			if v > 0 {
				break
			}
		}
		v = v * v * v
		u := rng.Float64()
		x2 := x * x
		if u < 1-0.0331*x2*x2 {
			return d * v
		}
		if math.Log(u) < 0.5*x2+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// SeedFor derives the deterministic per-cycle RNG seed hash(campaign_id,
// cycle_tick), using FNV-1a over the two integers — no third-party
// hashing library is warranted for hashing two int64s.
func SeedFor(campaignID, cycleTick int64) uint64 {
	h := fnv.New64a()
	var buf [16]byte
	putInt64(buf[0:8], campaignID)
	putInt64(buf[8:16], cycleTick)
	h.Write(buf[:])
	return h.Sum64()
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

// NewRNG builds the deterministic per-cycle RNG from SeedFor's output.
func NewRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
