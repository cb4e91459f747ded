package store

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// encodeAllocation/decodeAllocation round-trip a per-arm allocation
// vector through the journal's JSON column. JSON object keys are always
// strings, so arm IDs are stringified on the way out and parsed back on
// the way in.
func encodeAllocation(alloc map[int64]float64) ([]byte, error) {
	asStrings := make(map[string]float64, len(alloc))
	for armID, frac := range alloc {
		asStrings[strconv.FormatInt(armID, 10)] = frac
	}
	return json.Marshal(asStrings)
}

func decodeAllocation(payload []byte) (map[int64]float64, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var asStrings map[string]float64
	if err := json.Unmarshal(payload, &asStrings); err != nil {
		return nil, fmt.Errorf("store: decode allocation journal: %w", err)
	}
	out := make(map[int64]float64, len(asStrings))
	for k, v := range asStrings {
		armID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("store: decode allocation journal: bad arm id %q: %w", k, err)
		}
		out[armID] = v
	}
	return out, nil
}
