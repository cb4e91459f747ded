package changelog

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRowToAllocationChangeDecodesFactors(t *testing.T) {
	factors := map[string]float64{"thompson": 0.6, "risk": 0.9}
	mmm := map[string]float64{"mmm_seasonality": 1.1}
	factorsJSON, err := json.Marshal(factors)
	if err != nil {
		t.Fatalf("marshal factors: %v", err)
	}
	mmmJSON, err := json.Marshal(mmm)
	if err != nil {
		t.Fatalf("marshal mmm: %v", err)
	}

	row := Row{
		ID:          1,
		TS:          time.Unix(1000, 0),
		CampaignID:  7,
		ArmID:       3,
		OldAlloc:    0.2,
		NewAlloc:    0.3,
		ChangePct:   0.5,
		Reason:      "thompson sample favored arm",
		FactorsJSON: factorsJSON,
		MMMJSON:     mmmJSON,
		InitiatedBy: string(InitiatedAuto),
	}

	ac, err := row.toAllocationChange()
	if err != nil {
		t.Fatalf("toAllocationChange() error = %v", err)
	}
	if ac.CampaignID != 7 || ac.ArmID != 3 {
		t.Errorf("unexpected identity: campaign=%d arm=%d", ac.CampaignID, ac.ArmID)
	}
	if ac.Factors["thompson"] != 0.6 {
		t.Errorf("Factors[thompson] = %v, want 0.6", ac.Factors["thompson"])
	}
	if ac.MMMFactors["mmm_seasonality"] != 1.1 {
		t.Errorf("MMMFactors[mmm_seasonality] = %v, want 1.1", ac.MMMFactors["mmm_seasonality"])
	}
	if ac.InitiatedBy != InitiatedAuto {
		t.Errorf("InitiatedBy = %v, want %v", ac.InitiatedBy, InitiatedAuto)
	}
}

func TestRowToAllocationChangeEmptyJSON(t *testing.T) {
	row := Row{CampaignID: 1, ArmID: 1}
	ac, err := row.toAllocationChange()
	if err != nil {
		t.Fatalf("toAllocationChange() error = %v", err)
	}
	if ac.Factors != nil {
		t.Errorf("Factors = %v, want nil", ac.Factors)
	}
	if ac.MMMFactors != nil {
		t.Errorf("MMMFactors = %v, want nil", ac.MMMFactors)
	}
}
