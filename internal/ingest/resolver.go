package ingest

import (
	"context"
	"fmt"

	"github.com/komitreehouse/ads-budget-optimizer/internal/arms"
	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// StoreArmResolver implements ArmResolver against C2 directly: it scans
// every active-or-paused campaign for a name match, then the matched
// campaign's arms for an attribute match. Webhook volume is low enough
// (a real-time hint path, not the authoritative poll path) that this
// trades a little CPU for not widening the Store interface with a
// by-name lookup only this one caller needs.
type StoreArmResolver struct {
	Store store.Store
}

func (r StoreArmResolver) Resolve(ctx context.Context, campaignName, platform, channel, creative string, bid float64) (campaignID, armID int64, err error) {
	ids, err := r.Store.ActiveOrPausedCampaignIDs(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("ingest: resolve arm: %w", err)
	}

	for _, id := range ids {
		campaign, _, err := r.Store.LoadCampaign(ctx, id)
		if err != nil {
			continue
		}
		if campaign.Name != campaignName {
			continue
		}
		want := arms.Arm{Platform: platform, Channel: channel, Creative: creative, Bid: bid}.Key()
		for _, a := range campaign.Arms() {
			if a.Key() == want {
				return campaign.ID, a.ID, nil
			}
		}
		return 0, 0, fmt.Errorf("ingest: arm not found for %s/%s/%s/%v in campaign %q", platform, channel, creative, bid, campaignName)
	}
	return 0, 0, fmt.Errorf("ingest: campaign not found: %q", campaignName)
}
