package bandit

import "github.com/komitreehouse/ads-budget-optimizer/internal/store"

// riskAdjust implements spec step 2: adjusted = theta * (1 - risk_tolerance
// * risk_score), with a further 0.5 exploration-penalty clip for an arm
// whose observed variance exceeds variance_limit while it still has too
// few trials for the gate to trust that variance estimate.
func riskAdjust(theta float64, p store.ArmPosterior, riskTolerance, varianceLimit float64, minTrialsForRiskGate int) (adjusted, riskScore float64, gated bool) {
	riskScore = p.RiskScore(varianceLimit)
	adjusted = theta * (1 - riskTolerance*riskScore)
	if p.RewardVariance() > varianceLimit && p.Trials < int64(minTrialsForRiskGate) {
		adjusted *= 0.5
		gated = true
	}
	return adjusted, riskScore, gated
}
