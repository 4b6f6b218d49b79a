package crawler

import (
	"context"
	"io"
	"time"
)

// Transport performs exactly one GET attempt.
type Transport interface {
	Get(ctx context.Context, rawURL string) (Page, error)
}

// Fetcher fetches a URL under the retry budget.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// ResultsPredicate reports whether a listing page holds at least one entry.
type ResultsPredicate interface {
	HasResults(page Page) bool
}

// LinkExtractor returns the detail links of a listing page in page order.
type LinkExtractor interface {
	Links(page Page) ([]string, error)
}

// RecordExtractor turns a detail page into a record or fails with an
// *ExtractionError.
type RecordExtractor interface {
	Extract(page Page, sourceURL string) (Record, error)
}

// PageURLFunc maps a page index to the listing URL for that page.
type PageURLFunc func(page int) string

// CheckpointWriter is the append side of the checkpoint store.
type CheckpointWriter interface {
	Append(rec CheckpointRecord) error
	AppendMissed(missed MissedLink) error
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for record keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Sleeper blocks for a duration. Pauses are not cancellable.
type Sleeper interface {
	Sleep(d time.Duration)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
