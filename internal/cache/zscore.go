package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/komitreehouse/ads-budget-optimizer/internal/ingest"
)

// rollingWindow is the lookback spec §4.4 V4 compares against.
const rollingWindow = 7 * 24 * time.Hour

type roasSample struct {
	TS   time.Time `json:"ts"`
	ROAS float64   `json:"roas"`
}

// RedisZScoreTracker maintains each arm's rolling-window ROAS samples
// in Redis and computes the mean/std the anomaly check needs, playing
// the role `GetPriceVolumeZScores` plays for the teacher — but kept
// incrementally in a cache instead of queried from a materialized SQL
// view, since there is no per-arm candle table here to aggregate over.
// Satisfies ingest.RollingProvider.
type RedisZScoreTracker struct {
	Client *RedisClient
}

func zscoreKey(armID int64) string {
	return fmt.Sprintf("roas:window:%d", armID)
}

func (t *RedisZScoreTracker) load(ctx context.Context, armID int64) ([]roasSample, error) {
	var samples []roasSample
	err := t.Client.Get(ctx, zscoreKey(armID), &samples)
	if errors.Is(err, redis.Nil) || errors.Is(err, ErrNotConfigured) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func pruneOld(samples []roasSample, cutoff time.Time) []roasSample {
	kept := samples[:0]
	for _, s := range samples {
		if s.TS.After(cutoff) {
			kept = append(kept, s)
		}
	}
	return kept
}

// Lookup returns the current rolling mean/std for armID, ignoring
// samples older than the rolling window. A cache miss is a cold start,
// not an error: it returns a zero RollingStat, which V4AnomalyCheck
// already treats as "too few samples, always pass".
func (t *RedisZScoreTracker) Lookup(ctx context.Context, armID int64) (ingest.RollingStat, error) {
	samples, err := t.load(ctx, armID)
	if err != nil {
		return ingest.RollingStat{}, err
	}
	samples = pruneOld(samples, time.Now().Add(-rollingWindow))
	return statsOf(samples), nil
}

// Record appends a new ROAS observation, pruning anything that has
// aged out of the rolling window, and re-keys the cache entry's TTL to
// the window so an abandoned arm's samples expire on their own.
func (t *RedisZScoreTracker) Record(ctx context.Context, armID int64, roas float64) error {
	samples, err := t.load(ctx, armID)
	if err != nil {
		return err
	}
	samples = pruneOld(samples, time.Now().Add(-rollingWindow))
	samples = append(samples, roasSample{TS: time.Now().UTC(), ROAS: roas})
	return t.Client.Set(ctx, zscoreKey(armID), samples, rollingWindow)
}

// statsOf returns the sample mean and sample standard deviation,
// matching Postgres STDDEV's default (STDDEV_SAMP) semantics so this
// tracks the teacher's own SQL the same way the repository query does.
func statsOf(samples []roasSample) ingest.RollingStat {
	n := len(samples)
	if n == 0 {
		return ingest.RollingStat{}
	}
	var sum float64
	for _, s := range samples {
		sum += s.ROAS
	}
	mean := sum / float64(n)
	if n < 2 {
		return ingest.RollingStat{Count: n, Mean: mean}
	}
	var sqDiff float64
	for _, s := range samples {
		d := s.ROAS - mean
		sqDiff += d * d
	}
	stdDev := math.Sqrt(sqDiff / float64(n-1))
	return ingest.RollingStat{Count: n, Mean: mean, StdDev: stdDev}
}
