package bandit

import "testing"

func TestSeasonalityFactorDefaultsToOne(t *testing.T) {
	table := MMMTable{}
	if f := table.seasonalityFactor(1, "search"); f != 1.0 {
		t.Errorf("seasonalityFactor() = %v, want 1.0 for unconfigured key", f)
	}
}

func TestSeasonalityFactorLookup(t *testing.T) {
	table := MMMTable{Seasonality: map[string]float64{"3|search": 1.4}}
	if f := table.seasonalityFactor(3, "search"); f != 1.4 {
		t.Errorf("seasonalityFactor(3, search) = %v, want 1.4", f)
	}
	if f := table.seasonalityFactor(4, "search"); f != 1.0 {
		t.Errorf("seasonalityFactor(4, search) = %v, want 1.0 (different quarter)", f)
	}
}

func TestExternalFactorChannelOverridesGlobal(t *testing.T) {
	table := MMMTable{ExternalFactors: map[string]float64{"*": 0.9, "feed": 1.2}}
	if f := table.externalFactor("feed"); f != 1.2 {
		t.Errorf("externalFactor(feed) = %v, want 1.2 (channel-specific)", f)
	}
	if f := table.externalFactor("search"); f != 0.9 {
		t.Errorf("externalFactor(search) = %v, want 0.9 (global fallback)", f)
	}
}

func TestCarryoverFactorDecaysAndCaps(t *testing.T) {
	state := NewCarryoverState()
	f1 := state.carryoverFactor("search", 0.5, 2.0, 1.0)
	if f1 != 2.0 { // 1 + 1.0 stock = 2.0, exactly at cap
		t.Errorf("first carryoverFactor() = %v, want 2.0", f1)
	}
	f2 := state.carryoverFactor("search", 0.5, 2.0, 0)
	// stock decays: 1.0*0.5 + 0 = 0.5, factor = 1.5
	if f2 != 1.5 {
		t.Errorf("second carryoverFactor() = %v, want 1.5", f2)
	}
}

func TestCarryoverFactorCappedAboveLimit(t *testing.T) {
	state := NewCarryoverState()
	f := state.carryoverFactor("search", 0.9, 1.5, 10.0)
	if f != 1.5 {
		t.Errorf("carryoverFactor() = %v, want capped at 1.5", f)
	}
}
