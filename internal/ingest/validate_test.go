package ingest

import (
	"testing"
	"time"

	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

func baseMetric() store.Metric {
	return store.Metric{ArmID: 1, TS: time.Unix(1000, 0), Impressions: 100, Clicks: 10, Conversions: 2, Cost: 5, Revenue: 20}
}

func TestValidateFieldsRejectsMissingArmID(t *testing.T) {
	m := baseMetric()
	m.ArmID = 0
	if err := ValidateFields(m); err == nil {
		t.Error("ValidateFields() error = nil, want error for missing arm_id")
	}
}

func TestValidateFieldsRejectsClicksExceedingImpressions(t *testing.T) {
	m := baseMetric()
	m.Clicks = 1000
	if err := ValidateFields(m); err == nil {
		t.Error("ValidateFields() error = nil, want error when clicks > impressions")
	}
}

func TestValidateFieldsRejectsConversionsExceedingClicks(t *testing.T) {
	m := baseMetric()
	m.Conversions = 1000
	if err := ValidateFields(m); err == nil {
		t.Error("ValidateFields() error = nil, want error when conversions > clicks")
	}
}

func TestValidateFieldsRejectsRevenueWithZeroCost(t *testing.T) {
	m := baseMetric()
	m.Cost = 0
	m.Revenue = 10
	if err := ValidateFields(m); err == nil {
		t.Error("ValidateFields() error = nil, want error for revenue with zero cost")
	}
}

func TestValidateFieldsRejectsNegativeValues(t *testing.T) {
	m := baseMetric()
	m.Cost = -1
	if err := ValidateFields(m); err == nil {
		t.Error("ValidateFields() error = nil, want error for negative cost")
	}
}

func TestValidateFieldsAcceptsValidMetric(t *testing.T) {
	if err := ValidateFields(baseMetric()); err != nil {
		t.Errorf("ValidateFields() error = %v, want nil", err)
	}
}

func TestV3CrossFieldCheckFlagsImplausibleRoas(t *testing.T) {
	m := baseMetric()
	m.Cost = 1
	m.Revenue = 1000 // ROAS 1000, way above the default [0,100] bound
	if ok, _ := V3CrossFieldCheck(m); ok {
		t.Error("V3CrossFieldCheck() ok = true, want false for implausible ROAS")
	}
}

func TestV4AnomalyCheckPassesWithInsufficientHistory(t *testing.T) {
	m := baseMetric()
	ok, z := V4AnomalyCheck(m, RollingStat{Count: 1}, AnomalyZLimit)
	if !ok || z != 0 {
		t.Errorf("V4AnomalyCheck() = (%v, %v), want (true, 0) with <2 samples", ok, z)
	}
}

func TestV4AnomalyCheckFlagsOutlier(t *testing.T) {
	m := baseMetric() // ROAS = 20/5 = 4
	rolling := RollingStat{Count: 10, Mean: 1.0, StdDev: 0.1}
	ok, z := V4AnomalyCheck(m, rolling, AnomalyZLimit)
	if ok {
		t.Errorf("V4AnomalyCheck() ok = true, want false for a far outlier (z=%v)", z)
	}
}

func TestValidateMarksSuspectWithoutRejecting(t *testing.T) {
	m := baseMetric()
	m.Cost = 1
	m.Revenue = 1000
	out, err := Validate(m, RollingStat{}, AnomalyZLimit)
	if err != nil {
		t.Fatalf("Validate() error = %v, want nil (flag, don't reject)", err)
	}
	if out.Quality != store.QualitySuspect {
		t.Errorf("Quality = %v, want suspect", out.Quality)
	}
}

func TestValidateMarksOkForCleanMetric(t *testing.T) {
	out, err := Validate(baseMetric(), RollingStat{}, AnomalyZLimit)
	if err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
	if out.Quality != store.QualityOK {
		t.Errorf("Quality = %v, want ok", out.Quality)
	}
}
