package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// defaultQueueCap bounds in-flight webhook ingests when Server.QueueCap
// is left at zero.
const defaultQueueCap = 256

// DefaultSignatureHeaders is the per-vendor signature header name each
// platform's webhook delivery actually uses, grounded on
// original_source/webhooks.py's three distinct request.headers.get
// calls — each vendor picks its own header, so there is no single
// convention to default to. Callers wiring a Server normally start from
// this map rather than hand-writing it.
var DefaultSignatureHeaders = map[string]string{
	"google":     "X-Google-Signature",
	"meta":       "X-Hub-Signature-256",
	"trade_desk": "X-Trade-Desk-Signature",
}

// WebhookPayload is the vendor-agnostic shape a platform-specific
// decoder produces: the (campaign_name, platform, channel, creative,
// bid) attribute tuple original_source/webhooks.py resolves against the
// store, plus the observed counters. The decoder itself never touches
// the store — resolving names to IDs is ArmResolver's job.
type WebhookPayload struct {
	CampaignName string
	Platform     string
	Channel      string
	Creative     string
	Bid          float64
	Impressions  int64
	Clicks       int64
	Conversions  int64
	Cost         float64
	Revenue      float64
}

// WebhookDecoder turns one platform's raw POST body into a
// WebhookPayload. Registered per platform name in Server.Decoders.
type WebhookDecoder func(body []byte) (WebhookPayload, error)

// ArmResolver maps a webhook's (campaign_name, platform, channel,
// creative, bid) tuple to the arm it identifies, grounded on
// original_source/webhooks.py's get_campaign_by_name +
// get_arm_by_attributes lookup pair.
type ArmResolver interface {
	Resolve(ctx context.Context, campaignName, platform, channel, creative string, bid float64) (campaignID, armID int64, err error)
}

// Server is the webhook intake of spec §4.4: one POST /webhook/{platform}
// route per registered decoder, HMAC-SHA256-signed as a hard
// precondition, grounded in original_source/webhooks.py's
// hmac.compare_digest pattern carried into Go's constant-time
// hmac.Equal.
type Server struct {
	Secrets map[string]string // platform -> shared secret; a missing secret rejects every request for that platform
	// SignatureHeader maps platform -> the HTTP header that vendor sends
	// its HMAC-SHA256 signature in. Each vendor picks its own header
	// name (original_source/webhooks.py: Google "X-Google-Signature",
	// Meta "X-Hub-Signature-256", The Trade Desk "X-Trade-Desk-Signature"),
	// so there is no single default; a platform missing an entry here
	// rejects every request for it, the same as a missing secret.
	SignatureHeader map[string]string
	Decoders        map[string]WebhookDecoder
	Store           store.Store
	Resolver        ArmResolver
	ChangeLog       ChangeLogger
	Rolling         RollingProvider
	Pending         *PendingQueue
	AnomalyZ        float64
	QueueCap        int // max in-flight ingests before a delivery is rejected with 503; 0 uses defaultQueueCap

	// HintThreshold is the webhook_hint_threshold of spec §4.4's
	// Deduplication resolution: a webhook whose ROAS differs from the
	// arm's rolling mean by more than this fraction applies its
	// posterior delta immediately instead of waiting for the next
	// cycle to drain it from Pending. Zero disables early application;
	// every webhook metric then just joins Pending like a poll result.
	HintThreshold float64

	rejected atomic.Int64
	accepted atomic.Int64

	slotsOnce sync.Once
	slots     chan struct{}
}

func (s *Server) ensureSlots() chan struct{} {
	s.slotsOnce.Do(func() {
		capacity := s.QueueCap
		if capacity <= 0 {
			capacity = defaultQueueCap
		}
		s.slots = make(chan struct{}, capacity)
	})
	return s.slots
}

// Rejected returns the running count of 401'd webhook deliveries.
func (s *Server) Rejected() int64 { return s.rejected.Load() }

// Accepted returns the running count of successfully ingested webhook
// deliveries.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// Handler returns an http.Handler serving POST /webhook/{platform}
// routes for every key in s.Decoders.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for platformName := range s.Decoders {
		p := platformName
		mux.HandleFunc("/webhook/"+p, func(w http.ResponseWriter, r *http.Request) {
			s.handle(p, w, r)
		})
	}
	return mux
}

func (s *Server) handle(platformName string, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	slots := s.ensureSlots()
	select {
	case slots <- struct{}{}:
		defer func() { <-slots }()
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	header, ok := s.SignatureHeader[platformName]
	if !ok || !s.verifySignature(platformName, body, r.Header.Get(header)) {
		s.rejected.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	decoder, ok := s.Decoders[platformName]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ctx := r.Context()
	payload, err := decoder(body)
	if err != nil {
		// A decode failure means the vendor sent a payload our decoder
		// doesn't recognize — the webhook analog of class 3's "schema
		// mismatch", not a locally-rejected input like a bad signature.
		appendErrorChange(ctx, s.ChangeLog, 0, 0, fmt.Sprintf("webhook schema mismatch for platform %s: %v", platformName, err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	campaignID, armID, err := s.Resolver.Resolve(ctx, payload.CampaignName, payload.Platform, payload.Channel, payload.Creative, payload.Bid)
	if err != nil {
		appendErrorChange(ctx, s.ChangeLog, 0, 0, fmt.Sprintf("webhook arm resolution failed for platform %s: %v", platformName, err))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m := store.Metric{
		ArmID:       armID,
		CampaignID:  campaignID,
		TS:          time.Now().UTC(),
		Impressions: payload.Impressions,
		Clicks:      payload.Clicks,
		Conversions: payload.Conversions,
		Cost:        payload.Cost,
		Revenue:     payload.Revenue,
		Source:      store.SourceWebhook,
	}

	if err := s.ingest(ctx, platformName, m); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.accepted.Add(1)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"success":true}`))
}

func (s *Server) ingest(ctx context.Context, platformName string, m store.Metric) error {
	start := time.Now()
	rolling := RollingStat{}
	if s.Rolling != nil {
		if r, err := s.Rolling.Lookup(ctx, m.ArmID); err == nil {
			rolling = r
		}
	}
	zLimit := s.AnomalyZ
	if zLimit <= 0 {
		zLimit = AnomalyZLimit
	}
	validated, err := Validate(m, rolling, zLimit)
	s.logAttempt(ctx, platformName, start, err)
	if err != nil {
		return err
	}

	outcome, err := s.Store.RecordMetric(ctx, validated)
	if err != nil {
		appendErrorChange(ctx, s.ChangeLog, validated.CampaignID, validated.ArmID,
			fmt.Sprintf("ingest error: record metric failed: %v", err))
		return err
	}
	if outcome == store.Inserted && validated.Quality == store.QualitySuspect {
		// S6: the suspect flag itself is dashboard-visible, independent
		// of the posterior update being skipped for it below.
		appendErrorChange(ctx, s.ChangeLog, validated.CampaignID, validated.ArmID,
			fmt.Sprintf("data quality flag: metric for arm %d marked suspect", validated.ArmID))
	}
	if outcome != store.Inserted || validated.Quality != store.QualityOK {
		return nil
	}

	if s.hintExceedsThreshold(validated, rolling) {
		// Out-of-cycle application: a webhook whose reported ROAS
		// deviates sharply from the rolling mean is worth reflecting
		// in the posterior now rather than at the next tick.
		_ = s.Store.UpdatePosterior(ctx, validated.ArmID, DeltaFromMetric(validated))
	} else if s.Pending != nil {
		s.Pending.Enqueue(validated.CampaignID, validated)
	}

	if s.Rolling != nil {
		_ = s.Rolling.Record(ctx, validated.ArmID, validated.ROAS(1e-9))
	}
	return nil
}

// hintExceedsThreshold implements spec §4.4's webhook-hint resolution:
// a webhook joins the ordinary per-cycle batch unless its ROAS departs
// from the arm's rolling mean by more than HintThreshold, in which case
// it is applied immediately. A cold rolling window (too few samples)
// never triggers an early application — there is nothing to compare
// against yet.
func (s *Server) hintExceedsThreshold(m store.Metric, rolling RollingStat) bool {
	if s.HintThreshold <= 0 || rolling.Count < 2 || rolling.Mean == 0 {
		return false
	}
	delta := (m.ROAS(1e-9) - rolling.Mean) / rolling.Mean
	if delta < 0 {
		delta = -delta
	}
	return delta > s.HintThreshold
}

func (s *Server) logAttempt(ctx context.Context, platformName string, start time.Time, err error) {
	if s.ChangeLog == nil {
		return
	}
	attempt := changelog.IngestAttempt{
		TS:           start,
		Platform:     platformName,
		Endpoint:     "webhook",
		Method:       "POST",
		Success:      err == nil,
		ResponseTime: time.Since(start),
	}
	if err != nil {
		attempt.ErrorMessage = err.Error()
	}
	_ = s.ChangeLog.LogIngestAttempt(ctx, attempt)
}

// verifySignature checks body against the platform's configured secret
// using constant-time comparison. A platform with no configured secret
// rejects every request rather than silently accepting unsigned traffic
// (a deliberate stricter-than-reference departure from
// original_source/webhooks.py, which allows unsigned requests through
// when no secret is configured).
func (s *Server) verifySignature(platformName string, body []byte, signature string) bool {
	secret, ok := s.Secrets[platformName]
	if !ok || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
