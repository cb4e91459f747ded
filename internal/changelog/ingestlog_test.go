package changelog

import "testing"

func TestIngestAttemptResponseTimeRoundTripsToMillis(t *testing.T) {
	a := IngestAttempt{ResponseTime: 250_000_000} // 250ms in nanoseconds
	row := ingestAttemptRow{ResponseTimeMs: a.ResponseTime.Milliseconds()}
	if row.ResponseTimeMs != 250 {
		t.Errorf("ResponseTimeMs = %d, want 250", row.ResponseTimeMs)
	}
}

func TestIngestAttemptRowTableName(t *testing.T) {
	if got := (ingestAttemptRow{}).TableName(); got != "ingest_attempts" {
		t.Errorf("TableName() = %q, want ingest_attempts", got)
	}
}
