package bandit

import (
	"fmt"
	"sync"
)

// MMMTable is the read-only configuration C3 consults for step 3: per-
// (quarter, channel) seasonality multipliers, per-channel ad-stock
// carryover parameters, and scalar external-factor multipliers. A
// missing key means "no factor applies" (multiplier 1.0), per spec.
type MMMTable struct {
	Seasonality     map[string]float64 // key: "<quarter>|<channel>"
	CarryoverGamma  float64            // γ ∈ (0,1), ad-stock decay rate
	CarryoverCap    float64            // cap on the carryover multiplier itself, >= 1
	ExternalFactors map[string]float64 // key: channel, or "*" for a global multiplier
}

func seasonalityKey(quarter int, channel string) string {
	return fmt.Sprintf("%d|%s", quarter, channel)
}

// seasonalityFactor returns the configured (quarter, channel) seasonality
// multiplier, or 1.0 if none is configured.
func (t MMMTable) seasonalityFactor(quarter int, channel string) float64 {
	if t.Seasonality == nil {
		return 1.0
	}
	if f, ok := t.Seasonality[seasonalityKey(quarter, channel)]; ok {
		return f
	}
	return 1.0
}

// externalFactor returns the configured scalar multiplier for channel,
// falling back to a global "*" entry, or 1.0 if neither is configured.
func (t MMMTable) externalFactor(channel string) float64 {
	if t.ExternalFactors == nil {
		return 1.0
	}
	if f, ok := t.ExternalFactors[channel]; ok {
		return f
	}
	if f, ok := t.ExternalFactors["*"]; ok {
		return f
	}
	return 1.0
}

// CarryoverState tracks each channel's decaying ad-stock across cycles.
// It belongs to the caller (one per campaign, owned by the scheduler),
// not to MMMTable, so Decide itself stays a pure function of its
// explicit arguments rather than hiding state inside this package.
type CarryoverState struct {
	mu    sync.Mutex
	stock map[string]float64
}

// NewCarryoverState returns an empty per-channel ad-stock tracker.
func NewCarryoverState() *CarryoverState {
	return &CarryoverState{stock: make(map[string]float64)}
}

// carryoverFactor decays channel's existing stock by gamma, adds
// spendThisCycle, and returns a multiplier of 1 + stock, capped at `cap`
// (cap is a multiplier cap, per spec's config surface, carryover_cap >= 1).
// The stored stock itself is not capped.
func (c *CarryoverState) carryoverFactor(channel string, gamma, cap, spendThisCycle float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	stock := c.stock[channel]*gamma + spendThisCycle
	if stock < 0 {
		stock = 0
	}
	c.stock[channel] = stock
	factor := 1 + stock
	if cap >= 1 && factor > cap {
		factor = cap
	}
	return factor
}
