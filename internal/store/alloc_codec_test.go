package store

import "testing"

func TestAllocationCodecRoundTrip(t *testing.T) {
	original := map[int64]float64{
		101: 0.4,
		202: 0.35,
		303: 0.25,
	}

	payload, err := encodeAllocation(original)
	if err != nil {
		t.Fatalf("encodeAllocation() error = %v", err)
	}

	decoded, err := decodeAllocation(payload)
	if err != nil {
		t.Fatalf("decodeAllocation() error = %v", err)
	}

	if len(decoded) != len(original) {
		t.Fatalf("decoded %d entries, want %d", len(decoded), len(original))
	}
	for armID, frac := range original {
		if decoded[armID] != frac {
			t.Errorf("decoded[%d] = %v, want %v", armID, decoded[armID], frac)
		}
	}
}

func TestDecodeAllocationEmptyPayload(t *testing.T) {
	decoded, err := decodeAllocation(nil)
	if err != nil {
		t.Fatalf("decodeAllocation(nil) error = %v", err)
	}
	if decoded != nil {
		t.Errorf("decodeAllocation(nil) = %v, want nil", decoded)
	}
}

func TestDecodeAllocationBadKey(t *testing.T) {
	_, err := decodeAllocation([]byte(`{"not-a-number": 1.0}`))
	if err == nil {
		t.Error("decodeAllocation() with non-numeric key: want error, got nil")
	}
}
