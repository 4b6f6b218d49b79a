package crawler

import (
	"encoding/json"
	"fmt"
)

// RecordKey derives the deduplication key of a record: the digest of its
// canonical JSON form. encoding/json sorts map keys, so two records share a
// key iff every field matches.
func RecordKey(h Hasher, rec Record) (string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	key, err := h.Hash(payload)
	if err != nil {
		return "", fmt.Errorf("hash record: %w", err)
	}
	return key, nil
}
