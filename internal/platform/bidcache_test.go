package platform

import "testing"

func TestLastBidCacheFirstCallNeverIdempotent(t *testing.T) {
	c := newLastBidCache()
	if c.alreadyApplied(1, 2.0) {
		t.Error("alreadyApplied() = true on first call, want false")
	}
}

func TestLastBidCacheRepeatsSameBidAreIdempotent(t *testing.T) {
	c := newLastBidCache()
	c.alreadyApplied(1, 2.0)
	if !c.alreadyApplied(1, 2.0) {
		t.Error("alreadyApplied() = false on repeat of same bid, want true")
	}
}

func TestLastBidCacheDifferentArmsAreIndependent(t *testing.T) {
	c := newLastBidCache()
	c.alreadyApplied(1, 2.0)
	if c.alreadyApplied(2, 2.0) {
		t.Error("alreadyApplied() = true for a different arm, want false")
	}
}
