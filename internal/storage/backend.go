// Package storage selects the blob store that receives the final dataset.
package storage

import (
	"context"
	"fmt"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/storage/gcs"
	"github.com/JakeFAU/listing-harvester/internal/storage/local"
	"github.com/JakeFAU/listing-harvester/internal/storage/memory"
)

// Backend names.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendMemory = "memory"
)

// Config selects and configures a backend.
type Config struct {
	Backend   string
	BaseDir   string
	GCSBucket string
	GCSPrefix string
}

// Open returns the configured blob store and a release func that is always
// safe to call.
func Open(ctx context.Context, cfg Config, factory gcs.ClientFactory) (crawler.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "", BackendLocal:
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("local blob store: %w", err)
		}
		return store, noop, nil
	case BackendGCS:
		store, err := gcs.Open(ctx, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix}, factory)
		if err != nil {
			return nil, noop, fmt.Errorf("gcs blob store: %w", err)
		}
		return store, store.Close, nil
	case BackendMemory:
		return memory.NewBlobStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("%w: unknown output backend %q", crawler.ErrInvalidInput, cfg.Backend)
	}
}
