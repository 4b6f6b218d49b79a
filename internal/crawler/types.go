package crawler

import (
	"net/http"
	"time"
)

// RunState names a step of the crawl driver state machine.
type RunState string

// Crawl driver states.
const (
	StateInitializing        RunState = "initializing"
	StateResolvingBoundary   RunState = "resolving_boundary"
	StateFetchingListingPage RunState = "fetching_listing_page"
	StateExtractingLinks     RunState = "extracting_links"
	StateFetchingDetailPage  RunState = "fetching_detail_page"
	StateExtractingRecord    RunState = "extracting_record"
	StateAppending           RunState = "appending"
	StateDraining            RunState = "draining"
	StateDone                RunState = "done"
	StateFaulted             RunState = "faulted"
)

// Page is the successful result of a fetch: the raw body plus the URL that
// actually served it once redirects were followed.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Record is an extracted detail page. The core never looks inside it.
type Record map[string]any

// CheckpointRecord is one line of the checkpoint log.
type CheckpointRecord struct {
	SourcePage int    `json:"source_page"`
	Link       string `json:"link,omitempty"`
	Record     Record `json:"record"`
}

// MissedLink is a detail link that could not be turned into a record.
type MissedLink struct {
	Link       string
	RunID      string
	SourcePage int
	Reason     string
}

// CrawlState is the immutable snapshot rebuilt from the checkpoint log at
// startup.
type CrawlState struct {
	// ResumePage is the highest source page seen in the log, or 1 for an
	// empty log.
	ResumePage int
	// Records holds every replayed checkpoint entry in log order.
	Records []CheckpointRecord
	// processed is the set of links already stored for ResumePage.
	processed map[string]struct{}
	// seen is the set of record keys already stored anywhere in the log.
	seen map[string]struct{}
}

// NewCrawlState builds a snapshot. The maps are copied.
func NewCrawlState(resume int, records []CheckpointRecord, processed, seen map[string]struct{}) CrawlState {
	if resume < 1 {
		resume = 1
	}
	return CrawlState{
		ResumePage: resume,
		Records:    append([]CheckpointRecord(nil), records...),
		processed:  copySet(processed),
		seen:       copySet(seen),
	}
}

// Processed reports whether link was already checkpointed on the resume page.
func (s CrawlState) Processed(link string) bool {
	_, ok := s.processed[link]
	return ok
}

// Seen reports whether a record with the given key is already in the log.
func (s CrawlState) Seen(key string) bool {
	_, ok := s.seen[key]
	return ok
}

// SeenCount returns the number of distinct record keys in the log.
func (s CrawlState) SeenCount() int {
	return len(s.seen)
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// Summary describes the outcome of one crawl run.
type Summary struct {
	RunID          string   `json:"run_id"`
	State          RunState `json:"state"`
	Boundary       int      `json:"boundary"`
	ResumePage     int      `json:"resume_page"`
	LastPage       int      `json:"last_page"`
	PagesProcessed int      `json:"pages_processed"`
	Appended       int      `json:"appended"`
	Skipped        int      `json:"skipped"`
	Missed         int      `json:"missed"`
	StoppedEarly   bool     `json:"stopped_early"`
}
