package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/komitreehouse/ads-budget-optimizer/internal/arms"
	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// fakeStore implements store.Store with just enough behavior for the
// webhook and resolver tests: RecordMetric observes what it's given,
// everything else is an inert stub.
type fakeStore struct {
	recorded         []store.Metric
	posteriorUpdates []store.PosteriorDelta
}

func (f *fakeStore) LoadCampaign(ctx context.Context, id int64) (*arms.Campaign, []store.ArmPosterior, error) {
	return nil, nil, nil
}
func (f *fakeStore) SaveCampaign(ctx context.Context, c *arms.Campaign) error { return nil }
func (f *fakeStore) SaveArm(ctx context.Context, a arms.Arm) error           { return nil }
func (f *fakeStore) RecordMetric(ctx context.Context, m store.Metric) (store.RecordOutcome, error) {
	f.recorded = append(f.recorded, m)
	return store.Inserted, nil
}
func (f *fakeStore) UpdatePosterior(ctx context.Context, armID int64, delta store.PosteriorDelta) error {
	f.posteriorUpdates = append(f.posteriorUpdates, delta)
	return nil
}
func (f *fakeStore) AppendChange(ctx context.Context, c changelog.AllocationChange) error { return nil }
func (f *fakeStore) Snapshot(ctx context.Context, campaignID int64) (store.Snapshot, error) {
	return store.Snapshot{}, nil
}
func (f *fakeStore) JournalIntendedAllocation(ctx context.Context, campaignID int64, alloc map[int64]float64) error {
	return nil
}
func (f *fakeStore) ReconcileJournal(ctx context.Context, campaignID int64) (map[int64]float64, error) {
	return nil, nil
}
func (f *fakeStore) ActiveOrPausedCampaignIDs(ctx context.Context) ([]int64, error) { return nil, nil }
func (f *fakeStore) Close() error                                                   { return nil }

type fakeResolver struct {
	campaignID, armID int64
	err               error
}

func (r fakeResolver) Resolve(ctx context.Context, campaignName, platform, channel, creative string, bid float64) (int64, int64, error) {
	return r.campaignID, r.armID, r.err
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookServerRejectsMissingSignature(t *testing.T) {
	s := &Server{
		Secrets:         map[string]string{"google": "shh"},
		SignatureHeader: map[string]string{"google": "X-Google-Signature"},
		Decoders:        map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:           &fakeStore{},
		Resolver:        fakeResolver{campaignID: 1, armID: 2},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(`{"conversion":{"campaign_name":"x"}}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if s.Rejected() != 1 {
		t.Errorf("Rejected() = %d, want 1", s.Rejected())
	}
}

func TestWebhookServerAcceptsValidSignature(t *testing.T) {
	fs := &fakeStore{}
	body := `{"conversion":{"campaign_name":"x","impressions":100,"clicks":10,"conversions":1,"cost":5,"revenue":10}}`
	s := &Server{
		Secrets:         map[string]string{"google": "shh"},
		SignatureHeader: map[string]string{"google": "X-Google-Signature"},
		Decoders:        map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:           fs,
		Resolver:        fakeResolver{campaignID: 1, armID: 2},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(body))
	req.Header.Set("X-Google-Signature", sign("shh", []byte(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(fs.recorded) != 1 {
		t.Fatalf("len(recorded) = %d, want 1", len(fs.recorded))
	}
	if fs.recorded[0].ArmID != 2 || fs.recorded[0].CampaignID != 1 {
		t.Errorf("recorded metric identity = (%d,%d), want (2,1) from the resolver", fs.recorded[0].ArmID, fs.recorded[0].CampaignID)
	}
	if s.Accepted() != 1 {
		t.Errorf("Accepted() = %d, want 1", s.Accepted())
	}
}

func TestWebhookServerRejectsUnconfiguredPlatform(t *testing.T) {
	s := &Server{
		Secrets:  map[string]string{},
		Decoders: map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:    &fakeStore{},
		Resolver: fakeResolver{},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(`{}`))
	req.Header.Set("X-Signature", "anything")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 when no secret is configured for the platform", rec.Code)
	}
}

func TestWebhookServerRejectsWhenQueueFull(t *testing.T) {
	s := &Server{
		Secrets:  map[string]string{"google": "shh"},
		Decoders: map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:    &fakeStore{},
		Resolver: fakeResolver{campaignID: 1, armID: 2},
		QueueCap: 1,
	}
	slots := s.ensureSlots()
	slots <- struct{}{} // occupy the only slot

	body := `{"conversion":{"campaign_name":"x"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(body))
	req.Header.Set("X-Signature", sign("shh", []byte(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 when the in-flight queue is full", rec.Code)
	}
}

type fakeWebhookRolling struct {
	stat RollingStat
}

func (r fakeWebhookRolling) Lookup(ctx context.Context, armID int64) (RollingStat, error) {
	return r.stat, nil
}
func (r fakeWebhookRolling) Record(ctx context.Context, armID int64, roas float64) error {
	return nil
}

func TestWebhookServerDefaultsToPendingQueue(t *testing.T) {
	fs := &fakeStore{}
	pending := NewPendingQueue()
	body := `{"conversion":{"campaign_name":"x","impressions":100,"clicks":10,"conversions":1,"cost":5,"revenue":10}}`
	s := &Server{
		Secrets:         map[string]string{"google": "shh"},
		SignatureHeader: map[string]string{"google": "X-Google-Signature"},
		Decoders:        map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:           fs,
		Resolver:        fakeResolver{campaignID: 1, armID: 2},
		Pending:         pending,
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(body))
	req.Header.Set("X-Google-Signature", sign("shh", []byte(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(fs.posteriorUpdates) != 0 {
		t.Errorf("posteriorUpdates = %d, want 0 (no hint threshold configured)", len(fs.posteriorUpdates))
	}
	if len(pending.DrainPendingFor(1)) != 1 {
		t.Error("expected the metric to land in the pending queue for the next cycle")
	}
}

func TestWebhookServerAppliesHintThresholdImmediately(t *testing.T) {
	fs := &fakeStore{}
	pending := NewPendingQueue()
	// ROAS here is 10/5 = 2.0, far from the rolling mean of 0.5.
	body := `{"conversion":{"campaign_name":"x","impressions":100,"clicks":10,"conversions":1,"cost":5,"revenue":10}}`
	s := &Server{
		Secrets:         map[string]string{"google": "shh"},
		SignatureHeader: map[string]string{"google": "X-Google-Signature"},
		Decoders:        map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:           fs,
		Resolver:        fakeResolver{campaignID: 1, armID: 2},
		Pending:         pending,
		Rolling:         fakeWebhookRolling{stat: RollingStat{Count: 5, Mean: 0.5, StdDev: 0.6}},
		HintThreshold:   0.15,
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(body))
	req.Header.Set("X-Google-Signature", sign("shh", []byte(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(fs.posteriorUpdates) != 1 {
		t.Fatalf("posteriorUpdates = %d, want 1 (hint threshold exceeded)", len(fs.posteriorUpdates))
	}
	if len(pending.DrainPendingFor(1)) != 0 {
		t.Error("expected no pending entry when the hint was applied immediately")
	}
}

func TestWebhookServerLogsSchemaMismatchToChangeLog(t *testing.T) {
	cl := &fakeChangeLog{}
	s := &Server{
		Secrets:         map[string]string{"google": "shh"},
		SignatureHeader: map[string]string{"google": "X-Google-Signature"},
		Decoders:        map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:           &fakeStore{},
		Resolver:        fakeResolver{campaignID: 1, armID: 2},
		ChangeLog:       cl,
	}
	body := `not valid json at all`
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(body))
	req.Header.Set("X-Google-Signature", sign("shh", []byte(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 on an undecodable payload", rec.Code)
	}
	if len(cl.changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1 change-log row for the undecodable (schema mismatch) payload", len(cl.changes))
	}
}

func TestWebhookServerLogsResolveFailureToChangeLog(t *testing.T) {
	cl := &fakeChangeLog{}
	s := &Server{
		Secrets:         map[string]string{"google": "shh"},
		SignatureHeader: map[string]string{"google": "X-Google-Signature"},
		Decoders:        map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:           &fakeStore{},
		Resolver:        fakeResolver{err: errors.New("no matching arm")},
		ChangeLog:       cl,
	}
	body := `{"conversion":{"campaign_name":"x"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(body))
	req.Header.Set("X-Google-Signature", sign("shh", []byte(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 on a resolve failure", rec.Code)
	}
	if len(cl.changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1 change-log row for the arm-resolution failure", len(cl.changes))
	}
}

func TestWebhookServerRejectsSignatureWithoutLoggingChange(t *testing.T) {
	cl := &fakeChangeLog{}
	s := &Server{
		Secrets:         map[string]string{"google": "shh"},
		SignatureHeader: map[string]string{"google": "X-Google-Signature"},
		Decoders:        map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:           &fakeStore{},
		Resolver:        fakeResolver{campaignID: 1, armID: 2},
		ChangeLog:       cl,
	}
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(`{"conversion":{"campaign_name":"x"}}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(cl.changes) != 0 {
		t.Errorf("len(changes) = %d, want 0: a bad signature is a local (class-1) rejection, not a dashboard-visible error", len(cl.changes))
	}
}

func TestWebhookServerLogsSuspectQualityToChangeLog(t *testing.T) {
	fs := &fakeStore{}
	cl := &fakeChangeLog{}
	s := &Server{
		Secrets:         map[string]string{"google": "shh"},
		SignatureHeader: map[string]string{"google": "X-Google-Signature"},
		Decoders:        map[string]WebhookDecoder{"google": DecodeGoogleAdsWebhook},
		Store:           fs,
		Resolver:        fakeResolver{campaignID: 1, armID: 2},
		ChangeLog:       cl,
	}
	// revenue/cost = 1000/1, well outside V3's plausible ROAS bound.
	body := `{"conversion":{"campaign_name":"x","impressions":100,"clicks":10,"conversions":1,"cost":1,"revenue":1000}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/google", strings.NewReader(body))
	req.Header.Set("X-Google-Signature", sign("shh", []byte(body)))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if len(fs.recorded) != 1 || fs.recorded[0].Quality != store.QualitySuspect {
		t.Fatalf("recorded = %+v, want one row flagged suspect", fs.recorded)
	}
	if len(cl.changes) != 1 {
		t.Fatalf("len(changes) = %d, want 1 change-log row recording the suspect flag (S6)", len(cl.changes))
	}
}
