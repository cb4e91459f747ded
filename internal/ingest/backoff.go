package ingest

import "time"

const (
	backoffBase       = time.Second
	backoffFactor     = 2
	backoffCap        = 60 * time.Second
	backoffMaxRetries = 5
)

// backoffDelay returns the capped exponential backoff delay before
// retry attempt n (1-indexed), per spec §4.4: base 1s, factor 2, cap
// 60s.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
