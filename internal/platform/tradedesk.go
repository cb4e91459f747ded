package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

const tradeDeskBaseURL = "https://api.thetradedesk.com/optimizer/v3"

// TradeDesk adapts the AdPlatform capability to The Trade Desk's
// reporting and bid-management surface, named for
// original_source/webhooks.py's handle_trade_desk_webhook and
// api_connectors.py's TradeDeskConnector.
type TradeDesk struct {
	AuthToken string
	doer      httpDoer
	baseURL   string
	bids      *lastBidCache
}

// NewTradeDesk builds a TradeDesk adapter.
func NewTradeDesk(authToken string, doer httpDoer) *TradeDesk {
	return &TradeDesk{AuthToken: authToken, doer: doer, baseURL: tradeDeskBaseURL, bids: newLastBidCache()}
}

type tradeDeskMetricsResponse struct {
	Result []struct {
		ArmID       int64   `json:"ArmId"`
		Impressions int64   `json:"Impressions"`
		Clicks      int64   `json:"Clicks"`
		Conversions int64   `json:"Conversions"`
		Spend       float64 `json:"Spend"`
		Revenue     float64 `json:"Revenue"`
		ReportDate  string  `json:"ReportDate"`
	} `json:"Result"`
}

func (t *TradeDesk) FetchMetrics(ctx context.Context, accountID string, bindings []ArmBinding, sinceTS time.Time) ([]store.Metric, error) {
	url := fmt.Sprintf("%s/myquery/report?AdvertiserId=%s&StartDate=%s", t.baseURL, accountID, sinceTS.Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("TTD-Auth", t.AuthToken)

	resp, err := t.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tradedesk fetch metrics: %w", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("tradedesk.FetchMetrics", resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed tradeDeskMetricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("tradedesk decode metrics: %w", err)
	}

	byArm := bindingsByArmID(bindings)
	metrics := make([]store.Metric, 0, len(parsed.Result))
	for _, row := range parsed.Result {
		binding, ok := byArm[row.ArmID]
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, row.ReportDate)
		if err != nil {
			ts = sinceTS
		}
		metrics = append(metrics, store.Metric{
			ArmID:       row.ArmID,
			CampaignID:  binding.CampaignID,
			TS:          ts,
			Impressions: row.Impressions,
			Clicks:      row.Clicks,
			Conversions: row.Conversions,
			Cost:        row.Spend,
			Revenue:     row.Revenue,
			Source:      store.SourcePoll,
			Quality:     store.QualityOK,
		})
	}
	return metrics, nil
}

func (t *TradeDesk) SetBid(ctx context.Context, binding ArmBinding, newBid float64) error {
	if t.bids.alreadyApplied(binding.ArmID, newBid) {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"AdvertiserId": binding.AccountID,
		"ArmId":        binding.ArmID,
		"Bid":          newBid,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bid", t.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("TTD-Auth", t.AuthToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.doer.Do(req)
	if err != nil {
		return fmt.Errorf("tradedesk set bid: %w", err)
	}
	defer resp.Body.Close()
	return classifyStatus("tradedesk.SetBid", resp.StatusCode)
}

type tradeDeskCampaignsResponse struct {
	Result []struct {
		CampaignID     string `json:"CampaignId"`
		CampaignName   string `json:"CampaignName"`
		CampaignStatus string `json:"CampaignStatus"`
	} `json:"Result"`
}

func (t *TradeDesk) ListCampaigns(ctx context.Context, accountID string) ([]RemoteCampaign, error) {
	url := fmt.Sprintf("%s/campaign/query/advertiser?AdvertiserId=%s", t.baseURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("TTD-Auth", t.AuthToken)

	resp, err := t.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tradedesk list campaigns: %w", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("tradedesk.ListCampaigns", resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed tradeDeskCampaignsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("tradedesk decode campaigns: %w", err)
	}
	out := make([]RemoteCampaign, 0, len(parsed.Result))
	for _, c := range parsed.Result {
		out = append(out, RemoteCampaign{ID: c.CampaignID, Name: c.CampaignName, Status: c.CampaignStatus})
	}
	return out, nil
}
