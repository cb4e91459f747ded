// Package platform is the AdPlatform capability (design note §9:
// inheritance hierarchies become narrow capability interfaces), grounded
// on the teacher's handlers.MessageHandler pattern: one small interface,
// several concrete adapters registered by name. Real HTTP calls to
// vendor APIs are out of scope (spec §1); adapters take an injected
// httpDoer seam so a fake vendor can stand in for tests.
package platform

import (
	"context"
	"net/http"
	"time"

	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// ArmBinding is the minimum an adapter needs to address one arm on its
// vendor's side: which remote account it lives under and the arm's own
// identity within this engine.
type ArmBinding struct {
	ArmID      int64
	CampaignID int64
	AccountID  string
	Channel    string
	Creative   string
}

// RemoteCampaign is a campaign as reported by a vendor's API, used only
// by the (currently unexercised outside tests) campaign-discovery path.
type RemoteCampaign struct {
	ID     string
	Name   string
	Status string
}

// AdPlatform is the capability every vendor adapter implements. Three
// reference adapters (googleads, metaads, tradedesk) are carried over by
// name from original_source's webhooks.py handlers.
type AdPlatform interface {
	// FetchMetrics returns every metric row observed for the given
	// bindings since sinceTS. Adapters parse their vendor's raw JSON
	// shape directly into store.Metric — no free-form map crosses into
	// the core.
	FetchMetrics(ctx context.Context, accountID string, bindings []ArmBinding, sinceTS time.Time) ([]store.Metric, error)

	// SetBid is idempotent by (binding, bid): a second call with the
	// same bid for the same binding is a no-op.
	SetBid(ctx context.Context, binding ArmBinding, newBid float64) error

	// ListCampaigns lists every campaign the credentialed account can
	// see on the vendor's side.
	ListCampaigns(ctx context.Context, accountID string) ([]RemoteCampaign, error)
}

// httpDoer is the seam every adapter calls through instead of http.Client
// directly, so tests can substitute a fake vendor with no network calls.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
