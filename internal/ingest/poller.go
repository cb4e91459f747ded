package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/komitreehouse/ads-budget-optimizer/internal/changelog"
	"github.com/komitreehouse/ads-budget-optimizer/internal/errs"
	"github.com/komitreehouse/ads-budget-optimizer/internal/platform"
	"github.com/komitreehouse/ads-budget-optimizer/internal/store"
)

// RollingProvider supplies and updates the rolling 7-day per-arm
// mean/std V4 compares against, kept in internal/cache rather than here
// so the ingest pipeline stays storage-agnostic (accept an interface,
// per design note §9).
type RollingProvider interface {
	Lookup(ctx context.Context, armID int64) (RollingStat, error)
	Record(ctx context.Context, armID int64, roas float64) error
}

// ChangeLogger is the subset of *changelog.Logger the ingest pipeline
// writes to: LogIngestAttempt for the fetch/webhook audit trail, Append
// for the dashboard-visible AllocationChange stream. An interface, like
// RollingProvider, so tests substitute a fake instead of a live
// database.
type ChangeLogger interface {
	Append(ctx context.Context, c changelog.AllocationChange) error
	LogIngestAttempt(ctx context.Context, a changelog.IngestAttempt) error
}

// Poller drives one bound, credentialed platform's FetchMetrics calls.
// The scheduler (C5) owns the goroutine this runs on; Poller owns only
// the polling logic, matching spec §6's C4/C5 split.
type Poller struct {
	Platform     platform.AdPlatform
	PlatformName string
	AccountID    string
	Bindings     func() []platform.ArmBinding
	Limiter      *rate.Limiter
	Sem          *semaphore.Weighted // per-platform concurrent-call cap; nil disables the cap
	Store        store.Store
	ChangeLog    ChangeLogger
	Rolling      RollingProvider
	Pending      *PendingQueue
	AnomalyZ     float64

	// RetryClock overrides the backoff delay between retries; nil uses a
	// real-time sleep. Tests substitute an instant clock.
	RetryClock func(ctx context.Context, d time.Duration) error
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	if p.RetryClock != nil {
		return p.RetryClock(ctx, d)
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollOnce runs a single fetch-validate-persist cycle for every bound
// arm, retrying transient failures with capped exponential backoff and
// abandoning the cycle on the first permanent failure.
func (p *Poller) PollOnce(ctx context.Context, sinceTS time.Time) error {
	if err := p.Limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ingest: rate limiter: %w", err)
	}
	if p.Sem != nil {
		if err := p.Sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("ingest: acquire platform semaphore: %w", err)
		}
		defer p.Sem.Release(1)
	}

	bindings := p.Bindings()
	start := time.Now()
	metrics, err := p.fetchWithBackoff(ctx, bindings, sinceTS)
	p.logAttempt(ctx, start, err)
	if err != nil {
		p.logPermanentFetchFailure(ctx, bindings, err)
		return err
	}

	for _, m := range metrics {
		if err := p.ingestOne(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (p *Poller) fetchWithBackoff(ctx context.Context, bindings []platform.ArmBinding, sinceTS time.Time) ([]store.Metric, error) {
	var lastErr error
	for attempt := 1; attempt <= backoffMaxRetries+1; attempt++ {
		metrics, err := p.Platform.FetchMetrics(ctx, p.AccountID, bindings, sinceTS)
		if err == nil {
			return metrics, nil
		}
		lastErr = err

		var permanent *errs.PermanentError
		if errors.As(err, &permanent) {
			return nil, err
		}
		var transient *errs.TransientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		if attempt > backoffMaxRetries {
			break
		}
		if err := p.sleep(ctx, backoffDelay(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("ingest: exhausted %d retries: %w", backoffMaxRetries, lastErr)
}

func (p *Poller) ingestOne(ctx context.Context, m store.Metric) error {
	m.Source = store.SourcePoll
	rolling := RollingStat{}
	if p.Rolling != nil {
		if r, err := p.Rolling.Lookup(ctx, m.ArmID); err == nil {
			rolling = r
		}
	}

	validated, err := Validate(m, rolling, p.anomalyZ())
	if err != nil {
		return errs.NewValidation("metric", err.Error())
	}

	outcome, err := p.Store.RecordMetric(ctx, validated)
	if err != nil {
		appendErrorChange(ctx, p.ChangeLog, validated.CampaignID, validated.ArmID,
			fmt.Sprintf("ingest error: record metric failed: %v", err))
		return fmt.Errorf("ingest: record metric: %w", err)
	}
	if outcome == store.Inserted && validated.Quality == store.QualitySuspect {
		// S6: a suspect flag is itself a dashboard-visible event even
		// though the posterior update below is skipped for it.
		appendErrorChange(ctx, p.ChangeLog, validated.CampaignID, validated.ArmID,
			fmt.Sprintf("data quality flag: metric for arm %d marked suspect", validated.ArmID))
	}
	if outcome == store.Inserted && validated.Quality == store.QualityOK {
		if p.Rolling != nil {
			_ = p.Rolling.Record(ctx, validated.ArmID, validated.ROAS(1e-9))
		}
		if p.Pending != nil {
			p.Pending.Enqueue(validated.CampaignID, validated)
		}
	}
	return nil
}

// logPermanentFetchFailure records a change-log row when fetchWithBackoff
// gives up on a class-3 PermanentError — spec §4.2's "permanent fetch
// failures are reported to the change log as an ingest error." Exhausted
// transient retries don't reach here: fetchWithBackoff wraps those in a
// bare error, not *errs.PermanentError, so this is a no-op for them.
func (p *Poller) logPermanentFetchFailure(ctx context.Context, bindings []platform.ArmBinding, err error) {
	var permanent *errs.PermanentError
	if !errors.As(err, &permanent) {
		return
	}
	seen := make(map[int64]bool, len(bindings))
	for _, b := range bindings {
		if seen[b.CampaignID] {
			continue
		}
		seen[b.CampaignID] = true
		appendErrorChange(ctx, p.ChangeLog, b.CampaignID, 0, fmt.Sprintf("permanent ingest error: %v", err))
	}
}

func (p *Poller) anomalyZ() float64 {
	if p.AnomalyZ > 0 {
		return p.AnomalyZ
	}
	return AnomalyZLimit
}

func (p *Poller) logAttempt(ctx context.Context, start time.Time, err error) {
	if p.ChangeLog == nil {
		return
	}
	attempt := changelog.IngestAttempt{
		TS:           start,
		Platform:     p.PlatformName,
		Endpoint:     "FetchMetrics",
		Method:       "poll",
		Success:      err == nil,
		ResponseTime: time.Since(start),
	}
	if err != nil {
		attempt.ErrorMessage = err.Error()
	}
	// Logging the attempt is best-effort: a failure here must never mask
	// the original poll result.
	_ = p.ChangeLog.LogIngestAttempt(ctx, attempt)
}
