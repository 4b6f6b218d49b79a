package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/listing-harvester/internal/checkpoint"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/hash/sha256"
	"github.com/JakeFAU/listing-harvester/internal/progress"
)

const (
	host   = "https://site.example"
	prefix = host + "/list/?page="
)

func TestRunHarvestsEveryPage(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	site.listing(1, "/item/a", "/item/b")
	site.listing(2, "/item/c")
	sink := &recordingCheckpoint{}
	emitter := &recordingEmitter{}
	sleeper := &recordingSleeper{}

	w := newTestWorker(site, 2, sink, crawler.NewCrawlState(1, nil, nil, nil), func(d *Deps, _ *Config) {
		d.Emitter = emitter
		d.Sleeper = sleeper
	})

	sum, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, crawler.StateDone, sum.State)
	assert.Equal(t, 2, sum.Boundary)
	assert.Equal(t, 2, sum.LastPage)
	assert.Equal(t, 2, sum.PagesProcessed)
	assert.Equal(t, 3, sum.Appended)
	assert.Zero(t, sum.Missed)
	assert.False(t, sum.StoppedEarly)

	require.Len(t, sink.records, 3)
	assert.Equal(t, 1, sink.records[0].SourcePage)
	assert.Equal(t, host+"/item/a", sink.records[0].Link)
	assert.Equal(t, 2, sink.records[2].SourcePage)
	assert.Equal(t, host+"/item/c", sink.records[2].Record["url"])

	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, sleeper.waits)
	assert.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageBoundaryResolved,
		progress.StagePageStart,
		progress.StageRecordStored,
		progress.StageRecordStored,
		progress.StagePageDone,
		progress.StagePageStart,
		progress.StageRecordStored,
		progress.StagePageDone,
		progress.StageRunDone,
	}, emitter.stages())
}

func TestRunIsolatesDetailFailures(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	site.listing(1, "/item/1", "/item/2", "/item/3", "/item/4", "/item/5")
	site.fail[host+"/item/3"] = &crawler.FetchError{
		URL: host + "/item/3", Kind: crawler.KindHTTPStatus, Attempts: 7,
		Err: &crawler.StatusError{URL: host + "/item/3", StatusCode: 503},
	}
	sink := &recordingCheckpoint{}

	sum, err := newTestWorker(site, 1, sink, crawler.NewCrawlState(1, nil, nil, nil)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, sum.Appended)
	assert.Equal(t, 1, sum.Missed)
	require.Len(t, sink.missed, 1)
	assert.Equal(t, host+"/item/3", sink.missed[0].Link)
	assert.Equal(t, 1, sink.missed[0].SourcePage)
	assert.Equal(t, "run-1", sink.missed[0].RunID)
	assert.Contains(t, sink.missed[0].Reason, "detail fetch failed")
}

func TestRunRecordsExtractionAndRedirectFailures(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	site.listing(1, "/item/ok", "/item/broken", "/item/moved")
	site.pages[host+"/item/broken"] = crawler.Page{URL: host + "/item/broken", FinalURL: host + "/item/broken", Body: []byte("broken")}
	site.pages[host+"/item/moved"] = crawler.Page{URL: host + "/item/moved", FinalURL: "https://elsewhere.example/", Body: []byte("x")}
	sink := &recordingCheckpoint{}

	sum, err := newTestWorker(site, 1, sink, crawler.NewCrawlState(1, nil, nil, nil)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Appended)
	assert.Equal(t, 2, sum.Missed)
	require.Len(t, sink.missed, 2)
	assert.Contains(t, sink.missed[0].Reason, `field "statement"`)
	assert.Contains(t, sink.missed[1].Reason, "redirected")
}

func TestRunEmptyListingPage(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	site.listing(1)
	sink := &recordingCheckpoint{}

	sum, err := newTestWorker(site, 1, sink, crawler.NewCrawlState(1, nil, nil, nil)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.PagesProcessed)
	assert.Zero(t, sum.Appended)
	assert.Zero(t, sum.Missed)
}

func TestRunBoundaryFailureFaults(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	emitter := &recordingEmitter{}
	w := newTestWorker(site, 0, &recordingCheckpoint{}, crawler.NewCrawlState(1, nil, nil, nil), func(d *Deps, _ *Config) {
		d.Finder = stubFinder{err: fmt.Errorf("%w: probe 10: boom", crawler.ErrBoundaryResolution)}
		d.Emitter = emitter
	})

	sum, err := w.Run(context.Background())
	require.ErrorIs(t, err, crawler.ErrBoundaryResolution)
	assert.True(t, IsFatal(err))
	assert.Equal(t, crawler.StateFaulted, sum.State)
	assert.Empty(t, site.requested)
	assert.Equal(t, []progress.Stage{progress.StageRunStart, progress.StageRunFaulted}, emitter.stages())
}

func TestRunListingFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    ListingFailurePolicy
		redirect  bool
		pages     int
		last      int
		appended  int
		stopEarly bool
	}{
		{name: "stop on fetch failure", policy: StopOnListingFailure, pages: 1, last: 1, appended: 1, stopEarly: true},
		{name: "stop on redirect", policy: StopOnListingFailure, redirect: true, pages: 1, last: 1, appended: 1, stopEarly: true},
		{name: "skip", policy: SkipOnListingFailure, pages: 2, last: 3, appended: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			site := newFakeSite()
			site.listing(1, "/item/a")
			site.listing(2, "/item/b")
			site.listing(3, "/item/c")
			if tt.redirect {
				site.pages[prefix+"2"] = crawler.Page{URL: prefix + "2", FinalURL: host + "/", Body: []byte("links:/item/b")}
			} else {
				site.fail[prefix+"2"] = errors.New("listing down")
			}
			sink := &recordingCheckpoint{}
			w := newTestWorker(site, 3, sink, crawler.NewCrawlState(1, nil, nil, nil), func(_ *Deps, c *Config) {
				c.OnListingFail = tt.policy
			})

			sum, err := w.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.pages, sum.PagesProcessed)
			assert.Equal(t, tt.last, sum.LastPage)
			assert.Equal(t, tt.appended, sum.Appended)
			assert.Equal(t, tt.stopEarly, sum.StoppedEarly)
			assert.NotContains(t, site.requested, host+"/item/b")
		})
	}
}

func TestRunEarlyDedup(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	site.listing(1, "/item/a", "/item/b")
	same := crawler.Page{Body: []byte("same")}
	same.URL, same.FinalURL = host+"/item/a", host+"/item/a"
	site.pages[host+"/item/a"] = same
	same.URL, same.FinalURL = host+"/item/b", host+"/item/b"
	site.pages[host+"/item/b"] = same
	sink := &recordingCheckpoint{}

	w := newTestWorker(site, 1, sink, crawler.NewCrawlState(1, nil, nil, nil), func(d *Deps, _ *Config) {
		d.Records = bodyExtractor{}
	})
	sum, err := w.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Appended)
	assert.Equal(t, 1, sum.Skipped)
}

func TestRunResumesWithoutRefetchingCheckpointedLinks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := checkpoint.Config{
		Path:       filepath.Join(dir, "checkpoint.jsonl"),
		MissedPath: filepath.Join(dir, "missed.txt"),
	}
	hasher := sha256.New()

	// First run crashes after storing page 1 and the first link of page 2.
	store, err := checkpoint.Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(crawler.CheckpointRecord{SourcePage: 1, Link: host + "/item/a", Record: crawler.Record{"url": host + "/item/a"}}))
	require.NoError(t, store.Append(crawler.CheckpointRecord{SourcePage: 2, Link: host + "/item/b", Record: crawler.Record{"url": host + "/item/b"}}))
	require.NoError(t, store.Close())

	state, err := checkpoint.LoadState(cfg.Path, hasher, nil)
	require.NoError(t, err)
	require.Equal(t, 2, state.ResumePage)

	site := newFakeSite()
	site.listing(1, "/item/a")
	site.listing(2, "/item/b", "/item/c")
	site.listing(3, "/item/d")

	store, err = checkpoint.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	w := newTestWorker(site, 3, store, state)
	sum, err := w.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sum.ResumePage)
	assert.Equal(t, 2, sum.PagesProcessed)
	assert.Equal(t, 2, sum.Appended)
	assert.Equal(t, 1, sum.Skipped)
	assert.NotContains(t, site.requested, prefix+"1")
	assert.NotContains(t, site.requested, host+"/item/b")
	assert.Contains(t, site.requested, host+"/item/c")

	replayed, err := checkpoint.Replay(cfg.Path, nil)
	require.NoError(t, err)
	links := make([]string, 0, len(replayed))
	for _, r := range replayed {
		links = append(links, r.Link)
	}
	assert.Equal(t, []string{host + "/item/a", host + "/item/b", host + "/item/c", host + "/item/d"}, links)
}

func TestRunLogsKnownRecordCount(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	site.listing(1, "/item/a")
	seen := map[string]struct{}{"k1": {}, "k2": {}}
	w := newTestWorker(site, 1, &recordingCheckpoint{}, crawler.NewCrawlState(1, nil, nil, seen))
	core, logs := observer.New(zapcore.InfoLevel)
	w.logger = zap.New(core)

	_, err := w.Run(context.Background())
	require.NoError(t, err)

	started := logs.FilterMessage("run started").All()
	require.Len(t, started, 1)
	assert.Equal(t, int64(2), started[0].ContextMap()["known_records"])
}

func TestRunStopsWhenContextCanceled(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	site.listing(1, "/item/a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := newTestWorker(site, 1, &recordingCheckpoint{}, crawler.NewCrawlState(1, nil, nil, nil)).Run(ctx)
	require.NoError(t, err)
	assert.True(t, sum.StoppedEarly)
	assert.Zero(t, sum.PagesProcessed)
	assert.Empty(t, site.requested)
}

func TestRetryMissed(t *testing.T) {
	t.Parallel()

	site := newFakeSite()
	site.detail("/item/a")
	site.detail("/item/b")
	site.fail[host+"/item/b"] = errors.New("still down")
	sink := &recordingCheckpoint{}
	sleeper := &recordingSleeper{}

	w := newTestWorker(site, 0, sink, crawler.NewCrawlState(1, nil, nil, nil), func(d *Deps, c *Config) {
		d.Sleeper = sleeper
		c.PauseFloor = 500 * time.Millisecond
	})
	sum, err := w.RetryMissed(context.Background(), []string{host + "/item/a", host + "/item/b"})
	require.NoError(t, err)

	assert.Equal(t, 2, sum.Attempted)
	assert.Equal(t, 1, sum.Recovered)
	assert.Equal(t, []string{host + "/item/b"}, sum.Failed)
	require.Len(t, sink.records, 1)
	assert.Zero(t, sink.records[0].SourcePage)
	assert.Empty(t, sink.missed)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, sleeper.waits)
}

func newTestWorker(
	site *fakeSite,
	boundary int,
	sink crawler.CheckpointWriter,
	state crawler.CrawlState,
	mutate ...func(*Deps, *Config),
) *Worker {
	deps := Deps{
		Fetcher:    site,
		Finder:     stubFinder{boundary: boundary},
		Pages:      crawler.ListingPages(prefix),
		Links:      site,
		Records:    site,
		Checkpoint: sink,
		State:      state,
		Hasher:     sha256.New(),
		Sleeper:    &recordingSleeper{},
		Clock:      fixedClock{},
		Rand:       func(int64) int64 { return 0 },
	}
	cfg := Config{
		RunID:         "run-1",
		ListingPrefix: prefix,
		UpperBound:    10,
		PauseFloor:    0,
		EarlyDedup:    true,
	}
	for _, m := range mutate {
		m(&deps, &cfg)
	}
	return New(deps, cfg, nil)
}

// fakeSite serves listing pages whose body is "links:<href>,<href>" and
// detail pages whose record echoes the URL.
type fakeSite struct {
	pages     map[string]crawler.Page
	fail      map[string]error
	requested []string
}

func newFakeSite() *fakeSite {
	return &fakeSite{pages: map[string]crawler.Page{}, fail: map[string]error{}}
}

func (s *fakeSite) listing(page int, hrefs ...string) {
	u := fmt.Sprintf("%s%d", prefix, page)
	s.pages[u] = crawler.Page{URL: u, FinalURL: u, StatusCode: 200, Body: []byte("links:" + strings.Join(hrefs, ","))}
	for _, h := range hrefs {
		s.detail(h)
	}
}

func (s *fakeSite) detail(path string) {
	u := host + path
	if _, ok := s.pages[u]; !ok {
		s.pages[u] = crawler.Page{URL: u, FinalURL: u, StatusCode: 200, Body: []byte("detail")}
	}
}

func (s *fakeSite) Fetch(ctx context.Context, rawURL string) (crawler.Page, error) {
	if err := ctx.Err(); err != nil {
		return crawler.Page{}, err
	}
	s.requested = append(s.requested, rawURL)
	if err, ok := s.fail[rawURL]; ok {
		return crawler.Page{}, err
	}
	page, ok := s.pages[rawURL]
	if !ok {
		return crawler.Page{}, &crawler.StatusError{URL: rawURL, StatusCode: 404}
	}
	return page, nil
}

func (s *fakeSite) Links(page crawler.Page) ([]string, error) {
	body := strings.TrimPrefix(string(page.Body), "links:")
	if body == "" {
		return nil, nil
	}
	return strings.Split(body, ","), nil
}

func (s *fakeSite) Extract(page crawler.Page, sourceURL string) (crawler.Record, error) {
	if string(page.Body) == "broken" {
		return nil, &crawler.ExtractionError{URL: sourceURL, Field: "statement", Reason: "missing"}
	}
	return crawler.Record{"url": sourceURL, "body": string(page.Body)}, nil
}

// bodyExtractor ignores the URL so identical bodies yield identical records.
type bodyExtractor struct{}

func (bodyExtractor) Extract(page crawler.Page, _ string) (crawler.Record, error) {
	return crawler.Record{"body": string(page.Body)}, nil
}

type stubFinder struct {
	boundary int
	err      error
}

func (f stubFinder) FindBoundary(context.Context, int) (int, error) {
	return f.boundary, f.err
}

type recordingCheckpoint struct {
	records []crawler.CheckpointRecord
	missed  []crawler.MissedLink
}

func (r *recordingCheckpoint) Append(rec crawler.CheckpointRecord) error {
	r.records = append(r.records, rec)
	return nil
}

func (r *recordingCheckpoint) AppendMissed(m crawler.MissedLink) error {
	r.missed = append(r.missed, m)
	return nil
}

type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(d time.Duration) {
	s.waits = append(s.waits, d)
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

type recordingEmitter struct {
	events []progress.Event
}

func (e *recordingEmitter) Emit(evt progress.Event) {
	e.events = append(e.events, evt)
}

func (e *recordingEmitter) stages() []progress.Stage {
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}
