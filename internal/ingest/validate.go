// Package ingest is the Metric Ingestor (C4): two intake paths (polling
// and webhook) feeding one validation pipeline before a Metric ever
// reaches C2.
package ingest

import (
	"fmt"

	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// RoasLowerBound and RoasUpperBound are the plausible-ROAS window of
// spec §4.4 V3.
const (
	RoasLowerBound = 0.0
	RoasUpperBound = 100.0
)

// AnomalyZLimit is the default |z| threshold of spec §4.4 V4. A row
// exceeding it is flagged quality=suspect, never dropped outright.
const AnomalyZLimit = 3.0

// ValidateFields runs V1 (required fields) and V2 (type/range) and
// returns a class-1 ValidationError on the first violation — these are
// structural and are rejected, not merely flagged.
func ValidateFields(m store.Metric) error {
	if m.ArmID == 0 {
		return fmt.Errorf("ingest: arm_id is required")
	}
	if m.TS.IsZero() {
		return fmt.Errorf("ingest: ts is required")
	}
	if m.Impressions < 0 || m.Clicks < 0 || m.Conversions < 0 || m.Cost < 0 || m.Revenue < 0 {
		return fmt.Errorf("ingest: impressions, clicks, conversions, cost and revenue must be >= 0")
	}
	if m.Clicks > m.Impressions {
		return fmt.Errorf("ingest: clicks (%d) must not exceed impressions (%d)", m.Clicks, m.Impressions)
	}
	if m.Conversions > m.Clicks {
		return fmt.Errorf("ingest: conversions (%d) must not exceed clicks (%d)", m.Conversions, m.Clicks)
	}
	if m.Cost == 0 && m.Revenue != 0 {
		return fmt.Errorf("ingest: revenue %v reported against zero cost", m.Revenue)
	}
	return nil
}

// V3CrossFieldCheck flags an implausible ROAS. It does not reject — the
// caller marks the row quality=suspect and continues.
func V3CrossFieldCheck(m store.Metric) (ok bool, reason string) {
	roas := m.ROAS(1e-9)
	if roas < RoasLowerBound || roas > RoasUpperBound {
		return false, fmt.Sprintf("ROAS %.2f outside plausible bound [%v, %v]", roas, RoasLowerBound, RoasUpperBound)
	}
	return true, ""
}

// V4AnomalyCheck flags a metric whose ROAS deviates more than zLimit
// standard deviations from the arm's rolling mean. A rolling window with
// fewer than two samples cannot support a z-score and always passes.
func V4AnomalyCheck(m store.Metric, rolling RollingStat, zLimit float64) (ok bool, z float64) {
	if rolling.Count < 2 || rolling.StdDev == 0 {
		return true, 0
	}
	z = (m.ROAS(1e-9) - rolling.Mean) / rolling.StdDev
	if z < 0 {
		z = -z
	}
	return z <= zLimit, z
}

// RollingStat is the rolling 7-day per-arm mean/std V4 compares against,
// maintained incrementally by internal/cache's zscore tracker.
type RollingStat struct {
	Count  int
	Mean   float64
	StdDev float64
}

// Validate runs the full V1-V4 pipeline and returns the Metric with its
// Quality field set, plus any hard rejection error from V1/V2.
func Validate(m store.Metric, rolling RollingStat, zLimit float64) (store.Metric, error) {
	if err := ValidateFields(m); err != nil {
		return m, err
	}
	m.Quality = store.QualityOK
	if ok, _ := V3CrossFieldCheck(m); !ok {
		m.Quality = store.QualitySuspect
		return m, nil
	}
	if ok, _ := V4AnomalyCheck(m, rolling, zLimit); !ok {
		m.Quality = store.QualitySuspect
	}
	return m, nil
}
