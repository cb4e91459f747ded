// Package arms defines the canonical Arm and Campaign entities and the
// invariants that hold over them. It has no behavior beyond construction
// and validation — no I/O, no persistence, no decision logic.
package arms

import (
	"fmt"
	"strconv"
	"strings"
)

// Arm is the immutable (platform, channel, creative, bid) tuple that is
// the atomic unit of allocation. Arms belong to exactly one campaign. ID
// is assigned by the store on first persistence and is zero for an arm
// that has not yet been saved.
type Arm struct {
	ID         int64
	CampaignID int64
	Platform   string
	Channel    string
	Creative   string
	Bid        float64
	Disabled   bool
}

// Key returns the deterministic arm_key: the concatenation of platform,
// channel, creative and bid. Two arms with the same key within the same
// campaign are the same arm.
func (a Arm) Key() string {
	return a.Platform + "|" + a.Channel + "|" + a.Creative + "|" + strconv.FormatFloat(a.Bid, 'f', -1, 64)
}

// ValidateArm rejects negative bids, empty identifying fields, and is the
// single place new-arm invariants are enforced.
func ValidateArm(a Arm) error {
	if strings.TrimSpace(a.Platform) == "" {
		return fmt.Errorf("arm: platform must not be empty")
	}
	if strings.TrimSpace(a.Channel) == "" {
		return fmt.Errorf("arm: channel must not be empty")
	}
	if strings.TrimSpace(a.Creative) == "" {
		return fmt.Errorf("arm: creative must not be empty")
	}
	if a.Bid < 0 {
		return fmt.Errorf("arm: bid must not be negative, got %v", a.Bid)
	}
	return nil
}
