package bandit

import (
	"testing"

	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

func TestRiskAdjustNoGateWhenWithinVarianceLimit(t *testing.T) {
	p := store.ArmPosterior{Trials: 50, RewardSum: 100, RewardSqSum: 250} // mean 2, variance 1
	adjusted, riskScore, gated := riskAdjust(0.8, p, 0.3, 2.0, 30)
	if gated {
		t.Error("gated = true, want false when variance is within variance_limit")
	}
	wantRisk := 0.5 // variance 1 / limit 2
	if !floatNear(riskScore, wantRisk, 1e-9) {
		t.Errorf("riskScore = %v, want %v", riskScore, wantRisk)
	}
	wantAdjusted := 0.8 * (1 - 0.3*wantRisk)
	if !floatNear(adjusted, wantAdjusted, 1e-9) {
		t.Errorf("adjusted = %v, want %v", adjusted, wantAdjusted)
	}
}

func TestRiskAdjustGatesLowTrialHighVariance(t *testing.T) {
	p := store.ArmPosterior{Trials: 5, RewardSum: 50, RewardSqSum: 1000} // mean 10, high variance
	adjusted, _, gated := riskAdjust(0.8, p, 0.3, 0.1, 30)
	if !gated {
		t.Error("gated = false, want true when variance exceeds limit and trials are below the gate")
	}
	// adjusted should be half of what it would be without the gate.
	ungatedAdjusted, _, _ := riskAdjust(0.8, store.ArmPosterior{Trials: 100, RewardSum: 50, RewardSqSum: 1000}, 0.3, 0.1, 30)
	if !floatNear(adjusted, ungatedAdjusted*0.5, 1e-9) {
		t.Errorf("gated adjusted = %v, want half of %v", adjusted, ungatedAdjusted)
	}
}

func TestRiskAdjustNoGateWhenTrialsMeetGate(t *testing.T) {
	p := store.ArmPosterior{Trials: 30, RewardSum: 50, RewardSqSum: 1000}
	_, _, gated := riskAdjust(0.8, p, 0.3, 0.1, 30)
	if gated {
		t.Error("gated = true, want false once trials meet min_trials_for_risk_gate")
	}
}
