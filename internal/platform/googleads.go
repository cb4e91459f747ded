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

const googleAdsBaseURL = "https://googleads.googleapis.com/optimizer/v1"

// GoogleAds adapts the AdPlatform capability to Google Ads' reporting
// and bid-management surface, named for original_source/webhooks.py's
// handle_google_ads_webhook and api_connectors.py's GoogleAdsConnector.
type GoogleAds struct {
	APIKey  string
	doer    httpDoer
	baseURL string
	bids    *lastBidCache
}

// NewGoogleAds builds a GoogleAds adapter. doer is the injected HTTP
// seam; pass a fake vendor in tests.
func NewGoogleAds(apiKey string, doer httpDoer) *GoogleAds {
	return &GoogleAds{APIKey: apiKey, doer: doer, baseURL: googleAdsBaseURL, bids: newLastBidCache()}
}

type googleAdsMetricsResponse struct {
	Rows []struct {
		ArmID            int64   `json:"arm_id"`
		Impressions      int64   `json:"impressions"`
		Clicks           int64   `json:"clicks"`
		Conversions      int64   `json:"conversions"`
		CostMicros       int64   `json:"cost_micros"`
		ConversionsValue float64 `json:"conversions_value"`
		Date             string  `json:"date"`
	} `json:"rows"`
}

func (g *GoogleAds) FetchMetrics(ctx context.Context, accountID string, bindings []ArmBinding, sinceTS time.Time) ([]store.Metric, error) {
	url := fmt.Sprintf("%s/accounts/%s/metrics?since=%s", g.baseURL, accountID, sinceTS.Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	resp, err := g.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("googleads fetch metrics: %w", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("googleads.FetchMetrics", resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed googleAdsMetricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("googleads decode metrics: %w", err)
	}

	byArm := bindingsByArmID(bindings)
	metrics := make([]store.Metric, 0, len(parsed.Rows))
	for _, row := range parsed.Rows {
		binding, ok := byArm[row.ArmID]
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, row.Date)
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
			Cost:        float64(row.CostMicros) / 1_000_000,
			Revenue:     row.ConversionsValue,
			Source:      store.SourcePoll,
			Quality:     store.QualityOK,
		})
	}
	return metrics, nil
}

func (g *GoogleAds) SetBid(ctx context.Context, binding ArmBinding, newBid float64) error {
	if g.bids.alreadyApplied(binding.ArmID, newBid) {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"arm_id":     binding.ArmID,
		"bid_micros": int64(newBid * 1_000_000),
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/accounts/%s/bids", g.baseURL, binding.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.doer.Do(req)
	if err != nil {
		return fmt.Errorf("googleads set bid: %w", err)
	}
	defer resp.Body.Close()
	return classifyStatus("googleads.SetBid", resp.StatusCode)
}

type googleAdsCampaignsResponse struct {
	Campaigns []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"campaigns"`
}

func (g *GoogleAds) ListCampaigns(ctx context.Context, accountID string) ([]RemoteCampaign, error) {
	url := fmt.Sprintf("%s/accounts/%s/campaigns", g.baseURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)

	resp, err := g.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("googleads list campaigns: %w", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("googleads.ListCampaigns", resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed googleAdsCampaignsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("googleads decode campaigns: %w", err)
	}
	out := make([]RemoteCampaign, 0, len(parsed.Campaigns))
	for _, c := range parsed.Campaigns {
		out = append(out, RemoteCampaign{ID: c.ID, Name: c.Name, Status: c.Status})
	}
	return out, nil
}

func bindingsByArmID(bindings []ArmBinding) map[int64]ArmBinding {
	m := make(map[int64]ArmBinding, len(bindings))
	for _, b := range bindings {
		m[b.ArmID] = b
	}
	return m
}
