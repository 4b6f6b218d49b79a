// Package worker implements the crawl driver: it resolves the listing
// boundary, walks listing pages from the resume point, and turns every
// detail link into a checkpointed record or a missed link.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/clock/system"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/logging"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
	"github.com/JakeFAU/listing-harvester/internal/progress"
)

// ListingFailurePolicy decides what an unreachable listing page does to the run.
type ListingFailurePolicy string

// Listing failure policies.
const (
	// StopOnListingFailure ends pagination at the first unreachable page.
	StopOnListingFailure ListingFailurePolicy = "stop"
	// SkipOnListingFailure logs the page and moves on to the next one.
	SkipOnListingFailure ListingFailurePolicy = "skip"
)

// DefaultPauseFloor is the fixed part of the pause before each detail fetch.
const DefaultPauseFloor = time.Second

// BoundaryFinder resolves the last listing page with results.
type BoundaryFinder interface {
	FindBoundary(ctx context.Context, upperBound int) (int, error)
}

// Deps are the collaborators of a Worker.
type Deps struct {
	Fetcher    crawler.Fetcher
	Finder     BoundaryFinder
	Pages      crawler.PageURLFunc
	Links      crawler.LinkExtractor
	Records    crawler.RecordExtractor
	Checkpoint crawler.CheckpointWriter
	// State is the snapshot rebuilt from Checkpoint's log before the run.
	State   crawler.CrawlState
	Hasher  crawler.Hasher
	Sleeper crawler.Sleeper
	Clock   crawler.Clock
	Emitter progress.Emitter
	// Rand overrides the pause jitter source. Nil uses crypto/rand.
	Rand func(n int64) int64
}

// Config controls a Worker.
type Config struct {
	RunID         string
	ListingPrefix string
	UpperBound    int
	PauseFloor    time.Duration
	OnListingFail ListingFailurePolicy
	// EarlyDedup skips appending records whose key is already in the log.
	// A skipped record leaves no line for its link, so if the run stops on
	// that page the link is fetched again on resume. Dedup is best effort;
	// compaction still removes any duplicate that gets through.
	EarlyDedup bool
}

// RetrySummary describes a missed-link retry pass.
type RetrySummary struct {
	RunID     string   `json:"run_id"`
	Attempted int      `json:"attempted"`
	Recovered int      `json:"recovered"`
	Skipped   int      `json:"skipped"`
	Failed    []string `json:"failed,omitempty"`
}

// Worker drives one crawl run.
type Worker struct {
	deps   Deps
	cfg    Config
	pause  crawler.PausePolicy
	seen   map[string]struct{}
	logger *zap.Logger
}

type pageOutcome int

const (
	pageDone pageOutcome = iota
	pageUnreachable
	pageInterrupted
)

// New constructs a Worker. Missing optional collaborators get defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if deps.Sleeper == nil || deps.Clock == nil {
		sys := system.New()
		if deps.Sleeper == nil {
			deps.Sleeper = sys
		}
		if deps.Clock == nil {
			deps.Clock = sys
		}
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if cfg.OnListingFail == "" {
		cfg.OnListingFail = StopOnListingFailure
	}
	if cfg.PauseFloor < 0 {
		cfg.PauseFloor = 0
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		pause:  crawler.PausePolicy{Floor: cfg.PauseFloor, Spread: time.Second, Rand: deps.Rand},
		seen:   make(map[string]struct{}),
		logger: logging.ForRun(logger, "worker", cfg.RunID),
	}
}

// Run executes the crawl until the boundary, an unreachable listing page
// under the stop policy, or context cancellation. Only a boundary failure is
// returned as an error; the summary is always populated.
func (w *Worker) Run(ctx context.Context) (crawler.Summary, error) {
	start := w.deps.Clock.Now()
	sum := crawler.Summary{
		RunID:      w.cfg.RunID,
		State:      crawler.StateInitializing,
		ResumePage: w.deps.State.ResumePage,
	}
	w.logger.Info("run started",
		zap.Int("resume_page", sum.ResumePage),
		zap.Int("replayed", len(w.deps.State.Records)),
		zap.Int("known_records", w.deps.State.SeenCount()),
		zap.Int("upper_bound", w.cfg.UpperBound),
	)
	w.deps.Emitter.Emit(progress.Event{Stage: progress.StageRunStart, Page: sum.ResumePage})

	w.transition(&sum, crawler.StateResolvingBoundary)
	boundary, err := w.deps.Finder.FindBoundary(ctx, w.cfg.UpperBound)
	if err != nil {
		w.transition(&sum, crawler.StateFaulted)
		w.logger.Error("boundary resolution failed", zap.Error(err))
		w.deps.Emitter.Emit(progress.Event{
			Stage: progress.StageRunFaulted,
			Dur:   w.since(start),
			Note:  err.Error(),
		})
		return sum, err
	}
	sum.Boundary = boundary
	metrics.SetBoundary(boundary)
	w.logger.Info("boundary resolved", zap.Int("boundary", boundary))
	w.deps.Emitter.Emit(progress.Event{Stage: progress.StageBoundaryResolved, Page: boundary})

	for page := sum.ResumePage; page <= boundary; page++ {
		if ctx.Err() != nil {
			sum.StoppedEarly = true
			w.logger.Warn("run interrupted", zap.Int("page", page), zap.Error(ctx.Err()))
			break
		}
		outcome := w.processPage(ctx, page, &sum)
		if outcome == pageInterrupted {
			sum.StoppedEarly = true
			w.logger.Warn("run interrupted", zap.Int("page", page), zap.Error(ctx.Err()))
			break
		}
		if outcome == pageUnreachable && w.cfg.OnListingFail == StopOnListingFailure {
			sum.StoppedEarly = true
			w.logger.Warn("stopping at unreachable listing page", zap.Int("page", page))
			break
		}
	}

	w.transition(&sum, crawler.StateDraining)
	w.transition(&sum, crawler.StateDone)
	w.logger.Info("run finished",
		zap.Int("boundary", sum.Boundary),
		zap.Int("last_page", sum.LastPage),
		zap.Int("pages", sum.PagesProcessed),
		zap.Int("appended", sum.Appended),
		zap.Int("skipped", sum.Skipped),
		zap.Int("missed", sum.Missed),
		zap.Bool("stopped_early", sum.StoppedEarly),
	)
	w.deps.Emitter.Emit(progress.Event{
		Stage: progress.StageRunDone,
		Page:  sum.LastPage,
		Count: int64(sum.Appended),
		Dur:   w.since(start),
	})
	return sum, nil
}

func (w *Worker) processPage(ctx context.Context, page int, sum *crawler.Summary) pageOutcome {
	listingURL := w.deps.Pages(page)
	w.deps.Emitter.Emit(progress.Event{Stage: progress.StagePageStart, Page: page, URL: listingURL})

	w.transition(sum, crawler.StateFetchingListingPage)
	listing, err := w.fetchListing(ctx, listingURL)
	if err != nil {
		if ctx.Err() != nil {
			return pageInterrupted
		}
		return w.unreachable(page, listingURL, err)
	}

	w.transition(sum, crawler.StateExtractingLinks)
	raw, err := w.deps.Links.Links(listing)
	if err != nil {
		return w.unreachable(page, listingURL, fmt.Errorf("%w: %w", crawler.ErrListingPageUnreachable, err))
	}
	base := listing.FinalURL
	if base == "" {
		base = listing.URL
	}
	w.logger.Info("listing page fetched", zap.Int("page", page), zap.Int("links", len(raw)))

	for _, href := range raw {
		link, err := crawler.ResolveLink(base, href)
		if err != nil {
			w.miss(sum, page, href, err)
			continue
		}
		if page == w.deps.State.ResumePage && w.deps.State.Processed(link) {
			sum.Skipped++
			w.logger.Debug("link already checkpointed", zap.Int("page", page), zap.String("link", link))
			w.deps.Emitter.Emit(progress.Event{
				Stage: progress.StageRecordSkipped, Page: page, URL: link, Note: "checkpointed",
			})
			continue
		}
		if ctx.Err() != nil {
			return pageInterrupted
		}
		w.processLink(ctx, sum, page, link)
	}

	sum.PagesProcessed++
	sum.LastPage = page
	metrics.ObservePage("done")
	w.deps.Emitter.Emit(progress.Event{
		Stage: progress.StagePageDone, Page: page, URL: listingURL, Count: int64(len(raw)),
	})
	return pageDone
}

func (w *Worker) fetchListing(ctx context.Context, listingURL string) (crawler.Page, error) {
	listing, err := w.deps.Fetcher.Fetch(ctx, listingURL)
	if err != nil {
		return crawler.Page{}, fmt.Errorf("%w: %w", crawler.ErrListingPageUnreachable, err)
	}
	if w.cfg.ListingPrefix != "" && !crawler.ServedFromListing(listing, w.cfg.ListingPrefix) {
		return crawler.Page{}, fmt.Errorf("%w: %s served from %s",
			crawler.ErrListingPageUnreachable, listingURL, listing.FinalURL)
	}
	return listing, nil
}

func (w *Worker) unreachable(page int, listingURL string, err error) pageOutcome {
	metrics.ObservePage("unreachable")
	w.logger.Warn("listing page unreachable",
		zap.Int("page", page),
		zap.String("url", listingURL),
		zap.String("policy", string(w.cfg.OnListingFail)),
		zap.Error(err),
	)
	w.deps.Emitter.Emit(progress.Event{
		Stage: progress.StagePageUnreachable, Page: page, URL: listingURL, Note: err.Error(),
	})
	return pageUnreachable
}

func (w *Worker) processLink(ctx context.Context, sum *crawler.Summary, page int, link string) {
	w.deps.Sleeper.Sleep(w.pause.Next())

	w.transition(sum, crawler.StateFetchingDetailPage)
	rec, key, err := w.harvest(ctx, sum, link)
	if err != nil {
		if ctx.Err() != nil {
			// Left unrecorded so the next run picks it up again.
			return
		}
		w.miss(sum, page, link, err)
		return
	}
	if w.duplicate(key) {
		sum.Skipped++
		metrics.ObserveRecord("duplicate")
		w.logger.Debug("duplicate record skipped", zap.Int("page", page), zap.String("link", link))
		w.deps.Emitter.Emit(progress.Event{
			Stage: progress.StageRecordSkipped, Page: page, URL: link, Note: "duplicate",
		})
		return
	}

	w.transition(sum, crawler.StateAppending)
	if err := w.deps.Checkpoint.Append(crawler.CheckpointRecord{SourcePage: page, Link: link, Record: rec}); err != nil {
		w.logger.Error("checkpoint append failed", zap.Int("page", page), zap.String("link", link), zap.Error(err))
		w.miss(sum, page, link, err)
		return
	}
	w.seen[key] = struct{}{}
	sum.Appended++
	metrics.ObserveRecord("stored")
	w.deps.Emitter.Emit(progress.Event{Stage: progress.StageRecordStored, Page: page, URL: link})
}

// harvest fetches and extracts one detail page.
func (w *Worker) harvest(ctx context.Context, sum *crawler.Summary, link string) (crawler.Record, string, error) {
	detail, err := w.deps.Fetcher.Fetch(ctx, link)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", crawler.ErrDetailFetch, err)
	}
	final := detail.FinalURL
	if final == "" {
		final = detail.URL
	}
	if !crawler.SameHost(link, final) {
		return nil, "", fmt.Errorf("%w: %s redirected to %s", crawler.ErrDetailFetch, link, final)
	}

	if sum != nil {
		w.transition(sum, crawler.StateExtractingRecord)
	}
	rec, err := w.deps.Records.Extract(detail, link)
	if err != nil {
		return nil, "", err
	}
	key, err := crawler.RecordKey(w.deps.Hasher, rec)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", crawler.ErrExtraction, err)
	}
	return rec, key, nil
}

func (w *Worker) duplicate(key string) bool {
	if !w.cfg.EarlyDedup {
		return false
	}
	if w.deps.State.Seen(key) {
		return true
	}
	_, ok := w.seen[key]
	return ok
}

func (w *Worker) miss(sum *crawler.Summary, page int, link string, cause error) {
	sum.Missed++
	metrics.ObserveRecord("missed")
	w.logger.Warn("link missed", zap.Int("page", page), zap.String("link", link), zap.Error(cause))
	missed := crawler.MissedLink{Link: link, RunID: w.cfg.RunID, SourcePage: page, Reason: cause.Error()}
	if err := w.deps.Checkpoint.AppendMissed(missed); err != nil {
		w.logger.Error("missed link append failed", zap.String("link", link), zap.Error(err))
	}
	w.deps.Emitter.Emit(progress.Event{
		Stage: progress.StageRecordMissed, Page: page, URL: link, Note: cause.Error(),
	})
}

// RetryMissed re-fetches links recorded as missed by earlier runs. Recovered
// records are appended with source page 0 since their listing page is
// unknown. Links that fail again are logged and listed in the summary.
func (w *Worker) RetryMissed(ctx context.Context, links []string) (RetrySummary, error) {
	start := w.deps.Clock.Now()
	sum := RetrySummary{RunID: w.cfg.RunID}
	w.logger.Info("retry pass started", zap.Int("links", len(links)))
	w.deps.Emitter.Emit(progress.Event{Stage: progress.StageRunStart, Count: int64(len(links))})

	for i, link := range links {
		if ctx.Err() != nil {
			w.logger.Warn("retry pass interrupted", zap.Int("remaining", len(links)-i), zap.Error(ctx.Err()))
			break
		}
		sum.Attempted++
		w.deps.Sleeper.Sleep(w.pause.Next())

		rec, key, err := w.harvest(ctx, nil, link)
		if err == nil && w.duplicate(key) {
			sum.Skipped++
			w.deps.Emitter.Emit(progress.Event{Stage: progress.StageRecordSkipped, URL: link, Note: "duplicate"})
			continue
		}
		if err == nil {
			err = w.deps.Checkpoint.Append(crawler.CheckpointRecord{SourcePage: 0, Link: link, Record: rec})
		}
		if err != nil {
			sum.Failed = append(sum.Failed, link)
			metrics.ObserveRecord("missed")
			w.logger.Warn("link failed again", zap.String("link", link), zap.Error(err))
			w.deps.Emitter.Emit(progress.Event{Stage: progress.StageRecordMissed, URL: link, Note: err.Error()})
			continue
		}
		w.seen[key] = struct{}{}
		sum.Recovered++
		metrics.ObserveRecord("recovered")
		w.deps.Emitter.Emit(progress.Event{Stage: progress.StageRecordStored, URL: link})
	}

	w.logger.Info("retry pass finished",
		zap.Int("attempted", sum.Attempted),
		zap.Int("recovered", sum.Recovered),
		zap.Int("failed", len(sum.Failed)),
	)
	w.deps.Emitter.Emit(progress.Event{
		Stage: progress.StageRunDone,
		Count: int64(sum.Recovered),
		Dur:   w.since(start),
	})
	return sum, nil
}

func (w *Worker) transition(sum *crawler.Summary, next crawler.RunState) {
	if sum.State == next {
		return
	}
	w.logger.Debug("state transition", zap.String("from", string(sum.State)), zap.String("to", string(next)))
	sum.State = next
}

func (w *Worker) since(start time.Time) time.Duration {
	d := w.deps.Clock.Now().Sub(start)
	if d < 0 {
		return 0
	}
	return d
}

// IsFatal reports whether a Run error must fail the process.
func IsFatal(err error) bool {
	return errors.Is(err, crawler.ErrBoundaryResolution) || errors.Is(err, crawler.ErrInvalidInput)
}
