package ingest

import (
	"context"
	"log"
	"time"

	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
)

// appendErrorChange records a non-local ingest error as an
// AllocationChange row, per spec §7's "every non-local error produces
// a row in the change log with initiated_by=auto and reason describing
// the error class" — distinct from LogIngestAttempt, which only ever
// writes to the separate ingest_attempts audit table and says nothing
// about whether the dashboard's change feed should mention it.
func appendErrorChange(ctx context.Context, cl ChangeLogger, campaignID, armID int64, reason string) {
	if cl == nil {
		return
	}
	change := changelog.AllocationChange{
		TS:          time.Now().UTC(),
		CampaignID:  campaignID,
		ArmID:       armID,
		Reason:      reason,
		InitiatedBy: changelog.InitiatedAuto,
	}
	if err := cl.Append(ctx, change); err != nil {
		log.Printf("ingest: append error change log row: %v", err)
	}
}
