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

const metaAdsBaseURL = "https://graph.facebook.com/optimizer/v1"

// MetaAds adapts the AdPlatform capability to Meta's Marketing API,
// named for original_source/webhooks.py's handle_meta_ads_webhook and
// api_connectors.py's MetaAdsConnector.
type MetaAds struct {
	AccessToken string
	doer        httpDoer
	baseURL     string
	bids        *lastBidCache
}

// NewMetaAds builds a MetaAds adapter.
func NewMetaAds(accessToken string, doer httpDoer) *MetaAds {
	return &MetaAds{AccessToken: accessToken, doer: doer, baseURL: metaAdsBaseURL, bids: newLastBidCache()}
}

type metaAdsAction struct {
	ActionType string  `json:"action_type"`
	Value      float64 `json:"value"`
}

type metaAdsMetricsResponse struct {
	Data []struct {
		ArmID       int64           `json:"arm_id"`
		Impressions int64           `json:"impressions"`
		Clicks      int64           `json:"clicks"`
		Spend       float64         `json:"spend"`
		Actions     []metaAdsAction `json:"actions"`
		DateStart   string          `json:"date_start"`
	} `json:"data"`
}

func (m *MetaAds) FetchMetrics(ctx context.Context, accountID string, bindings []ArmBinding, sinceTS time.Time) ([]store.Metric, error) {
	url := fmt.Sprintf("%s/act_%s/insights?since=%s", m.baseURL, accountID, sinceTS.Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.AccessToken)

	resp, err := m.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metaads fetch metrics: %w", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("metaads.FetchMetrics", resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed metaAdsMetricsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("metaads decode metrics: %w", err)
	}

	byArm := bindingsByArmID(bindings)
	metrics := make([]store.Metric, 0, len(parsed.Data))
	for _, row := range parsed.Data {
		binding, ok := byArm[row.ArmID]
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, row.DateStart)
		if err != nil {
			ts = sinceTS
		}
		var conversions int64
		var revenue float64
		for _, a := range row.Actions {
			if a.ActionType == "purchase" {
				conversions += int64(a.Value)
				revenue += a.Value
			}
		}
		metrics = append(metrics, store.Metric{
			ArmID:       row.ArmID,
			CampaignID:  binding.CampaignID,
			TS:          ts,
			Impressions: row.Impressions,
			Clicks:      row.Clicks,
			Conversions: conversions,
			Cost:        row.Spend,
			Revenue:     revenue,
			Source:      store.SourcePoll,
			Quality:     store.QualityOK,
		})
	}
	return metrics, nil
}

func (m *MetaAds) SetBid(ctx context.Context, binding ArmBinding, newBid float64) error {
	if m.bids.alreadyApplied(binding.ArmID, newBid) {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"arm_id":     binding.ArmID,
		"bid_amount": newBid,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/act_%s/bids", m.baseURL, binding.AccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.doer.Do(req)
	if err != nil {
		return fmt.Errorf("metaads set bid: %w", err)
	}
	defer resp.Body.Close()
	return classifyStatus("metaads.SetBid", resp.StatusCode)
}

type metaAdsCampaignsResponse struct {
	Data []struct {
		ID              string `json:"id"`
		Name            string `json:"name"`
		EffectiveStatus string `json:"effective_status"`
	} `json:"data"`
}

func (m *MetaAds) ListCampaigns(ctx context.Context, accountID string) ([]RemoteCampaign, error) {
	url := fmt.Sprintf("%s/act_%s/campaigns", m.baseURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+m.AccessToken)

	resp, err := m.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metaads list campaigns: %w", err)
	}
	defer resp.Body.Close()
	if err := classifyStatus("metaads.ListCampaigns", resp.StatusCode); err != nil {
		return nil, err
	}

	var parsed metaAdsCampaignsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("metaads decode campaigns: %w", err)
	}
	out := make([]RemoteCampaign, 0, len(parsed.Data))
	for _, c := range parsed.Data {
		out = append(out, RemoteCampaign{ID: c.ID, Name: c.Name, Status: c.EffectiveStatus})
	}
	return out, nil
}
