// Package compactor deduplicates replayed checkpoint records.
package compactor

import (
	"fmt"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// Compactor drops records whose every field matches an earlier record.
type Compactor struct {
	hasher crawler.Hasher
}

// New returns a Compactor keyed by hasher.
func New(hasher crawler.Hasher) *Compactor {
	return &Compactor{hasher: hasher}
}

// Compact keeps the first occurrence of each distinct record, in log order.
// Two records are duplicates iff their canonical JSON forms hash equally.
func (c *Compactor) Compact(records []crawler.CheckpointRecord) ([]crawler.Record, error) {
	seen := make(map[string]struct{}, len(records))
	out := make([]crawler.Record, 0, len(records))
	for i, rec := range records {
		key, err := crawler.RecordKey(c.hasher, rec.Record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, rec.Record)
	}
	return out, nil
}
