package ingest

import "encoding/json"

// DecodeGoogleAdsWebhook parses a Google Ads conversion webhook,
// grounded on original_source/webhooks.py's handle_google_ads_webhook.
func DecodeGoogleAdsWebhook(body []byte) (WebhookPayload, error) {
	var env struct {
		Conversion struct {
			CampaignName string  `json:"campaign_name"`
			Platform     string  `json:"platform"`
			Channel      string  `json:"channel"`
			Creative     string  `json:"creative"`
			Bid          float64 `json:"bid"`
			Impressions  int64   `json:"impressions"`
			Clicks       int64   `json:"clicks"`
			Conversions  int64   `json:"conversions"`
			Cost         float64 `json:"cost"`
			Revenue      float64 `json:"revenue"`
		} `json:"conversion"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return WebhookPayload{}, err
	}
	c := env.Conversion
	return webhookPayloadWithDefaults(c.CampaignName, "Google", c.Channel, "Search", c.Creative, c.Bid, c.Impressions, c.Clicks, c.Conversions, c.Cost, c.Revenue), nil
}

// DecodeMetaAdsWebhook parses a Meta Ads conversion webhook, grounded on
// original_source/webhooks.py's handle_meta_ads_webhook.
func DecodeMetaAdsWebhook(body []byte) (WebhookPayload, error) {
	var env struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					CampaignName string  `json:"campaign_name"`
					Channel      string  `json:"channel"`
					Creative     string  `json:"creative"`
					Bid          float64 `json:"bid"`
					Impressions  int64   `json:"impressions"`
					Clicks       int64   `json:"clicks"`
					Conversions  int64   `json:"conversions"`
					Cost         float64 `json:"cost"`
					Revenue      float64 `json:"revenue"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return WebhookPayload{}, err
	}
	if len(env.Entry) == 0 || len(env.Entry[0].Changes) == 0 {
		return WebhookPayload{}, errEmptyMetaPayload
	}
	v := env.Entry[0].Changes[0].Value
	return webhookPayloadWithDefaults(v.CampaignName, "Meta", v.Channel, "Social", v.Creative, v.Bid, v.Impressions, v.Clicks, v.Conversions, v.Cost, v.Revenue), nil
}

// DecodeTradeDeskWebhook parses a Trade Desk event webhook, grounded on
// original_source/webhooks.py's handle_trade_desk_webhook.
func DecodeTradeDeskWebhook(body []byte) (WebhookPayload, error) {
	var env struct {
		Event struct {
			CampaignName string  `json:"campaign_name"`
			Channel      string  `json:"channel"`
			Creative     string  `json:"creative"`
			Bid          float64 `json:"bid"`
			Impressions  int64   `json:"impressions"`
			Clicks       int64   `json:"clicks"`
			Conversions  int64   `json:"conversions"`
			Cost         float64 `json:"cost"`
			Revenue      float64 `json:"revenue"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return WebhookPayload{}, err
	}
	e := env.Event
	return webhookPayloadWithDefaults(e.CampaignName, "The Trade Desk", e.Channel, "Display", e.Creative, e.Bid, e.Impressions, e.Clicks, e.Conversions, e.Cost, e.Revenue), nil
}

func webhookPayloadWithDefaults(campaignName, platform, channel, defaultChannel, creative string, bid float64, impressions, clicks, conversions int64, cost, revenue float64) WebhookPayload {
	if channel == "" {
		channel = defaultChannel
	}
	if creative == "" {
		creative = "Unknown"
	}
	if bid == 0 {
		bid = 1.0
	}
	if conversions == 0 {
		conversions = 1 // a webhook delivery usually means exactly one conversion event
	}
	return WebhookPayload{
		CampaignName: campaignName,
		Platform:     platform,
		Channel:      channel,
		Creative:     creative,
		Bid:          bid,
		Impressions:  impressions,
		Clicks:       clicks,
		Conversions:  conversions,
		Cost:         cost,
		Revenue:      revenue,
	}
}

var errEmptyMetaPayload = decodeError("meta ads webhook: empty entry/changes")

type decodeError string

func (e decodeError) Error() string { return string(e) }
