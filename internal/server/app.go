// Package server builds the harvester's long-lived dependencies from
// configuration and runs the crawl, compaction and retry passes on them.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/api"
	"github.com/JakeFAU/listing-harvester/internal/boundary"
	"github.com/JakeFAU/listing-harvester/internal/checkpoint"
	"github.com/JakeFAU/listing-harvester/internal/clock/system"
	"github.com/JakeFAU/listing-harvester/internal/compactor"
	"github.com/JakeFAU/listing-harvester/internal/config"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/dataset"
	"github.com/JakeFAU/listing-harvester/internal/extract"
	"github.com/JakeFAU/listing-harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/listing-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/listing-harvester/internal/hash/sha256"
	"github.com/JakeFAU/listing-harvester/internal/id/uuid"
	"github.com/JakeFAU/listing-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/listing-harvester/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/listing-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/listing-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/listing-harvester/internal/storage"
	gcsstorage "github.com/JakeFAU/listing-harvester/internal/storage/gcs"
	pgstore "github.com/JakeFAU/listing-harvester/internal/storage/postgres"
	"github.com/JakeFAU/listing-harvester/internal/store"
	"github.com/JakeFAU/listing-harvester/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	hasher  crawler.Hasher
	clock   crawler.Clock
	sleeper crawler.Sleeper
	ids     crawler.IDGenerator

	fetcher   *fetcher.Fetcher
	extractor *extract.Extractor

	blobs      crawler.BlobStore
	closeBlobs func() error

	pool     *pgxpool.Pool
	datasets *pgstore.DatasetStore
	runs     store.RunRepository

	publisher      crawler.Publisher
	closePublisher func() error

	hub       *progress.Hub
	snapshots *progresssinks.SnapshotSink
	api       *api.Server
}

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	sleeper    crawler.Sleeper
	gcsFactory gcsstorage.ClientFactory
	publisher  crawler.Publisher
	runs       store.RunRepository
}

// WithRegisterer registers progress collectors somewhere other than the
// default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSleeper replaces the real sleeper used for backoff and pauses.
func WithSleeper(s crawler.Sleeper) Option {
	return func(o *options) { o.sleeper = s }
}

// WithGCSClientFactory overrides how GCS clients are created.
func WithGCSClientFactory(f gcsstorage.ClientFactory) Option {
	return func(o *options) { o.gcsFactory = f }
}

// WithPublisher replaces the configured Pub/Sub publisher.
func WithPublisher(p crawler.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithRunRepository replaces the Postgres run repository.
func WithRunRepository(r store.RunRepository) Option {
	return func(o *options) { o.runs = r }
}

// Build creates the application's dependencies. On failure everything built
// so far is released; otherwise the caller owns the App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{
		registerer: prometheus.DefaultRegisterer,
		gcsFactory: gcsstorage.DefaultClientFactory{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	sys := system.New()
	app := &App{
		cfg:            cfg,
		logger:         logger,
		hasher:         sha256.New(),
		clock:          sys,
		sleeper:        sys,
		ids:            uuid.New(),
		closeBlobs:     func() error { return nil },
		closePublisher: func() error { return nil },
	}
	if o.sleeper != nil {
		app.sleeper = o.sleeper
	}
	logger.Info("building application dependencies",
		zap.String("listing", cfg.Listing.PageURL),
		zap.Int("upper_bound", cfg.Listing.UpperBound),
		zap.String("output_backend", cfg.Output.Backend),
	)

	steps := []func() error{
		func() error { return app.setupFetcher() },
		func() error { return app.setupExtractor() },
		func() error { return app.setupStorage(ctx, o.gcsFactory) },
		func() error { return app.setupDatabase(ctx, o.runs) },
		func() error { return app.setupPublisher(ctx, o.publisher) },
		func() error { return app.setupProgress(ctx, o.registerer) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			_ = app.Close(ctx)
			return nil, err
		}
	}
	if cfg.Metrics.Addr != "" {
		app.api = api.NewServer(app.snapshots, app.runs, logger.Named("api"))
	}
	return app, nil
}

func (a *App) setupFetcher() error {
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.HTTP.UserAgent,
		RespectRobots: a.cfg.HTTP.RespectRobots,
		Timeout:       a.cfg.HTTP.Timeout,
		MaxBodyBytes:  a.cfg.HTTP.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: a.cfg.HTTP.MaxRPS, DefaultBurst: 1})
	f, err := fetcher.New(transport, fetcher.Config{
		MaxRetries: a.cfg.HTTP.MaxRetries,
		RetryDelay: a.cfg.HTTP.RetryDelay,
	},
		fetcher.WithSleeper(a.sleeper),
		fetcher.WithWaiter(limiter),
		fetcher.WithLogger(a.logger.Named("fetcher")),
	)
	if err != nil {
		return fmt.Errorf("fetcher init failed: %w", err)
	}
	a.fetcher = f
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.HTTP.UserAgent),
		zap.Int("max_retries", a.cfg.HTTP.MaxRetries),
		zap.Duration("retry_delay", a.cfg.HTTP.RetryDelay),
		zap.Float64("max_rps", a.cfg.HTTP.MaxRPS),
	)
	return nil
}

// setupExtractor leaves the extractor unset when no link selector is
// configured; only compaction works then.
func (a *App) setupExtractor() error {
	if a.cfg.Extract.LinkSelector == "" {
		a.logger.Info("no link selector configured, harvesting disabled")
		return nil
	}
	ex, err := extract.New(a.cfg.Extract)
	if err != nil {
		return fmt.Errorf("extractor init failed: %w", err)
	}
	a.extractor = ex
	return nil
}

func (a *App) setupStorage(ctx context.Context, factory gcsstorage.ClientFactory) error {
	blobs, closeFn, err := storage.Open(ctx, storage.Config{
		Backend:   a.cfg.Output.Backend,
		BaseDir:   a.cfg.Output.BaseDir,
		GCSBucket: a.cfg.Output.GCSBucket,
		GCSPrefix: a.cfg.Output.GCSPrefix,
	}, factory)
	if err != nil {
		return fmt.Errorf("output storage init failed: %w", err)
	}
	a.blobs, a.closeBlobs = blobs, closeFn
	a.logger.Info("output storage ready", zap.String("backend", a.cfg.Output.Backend))
	return nil
}

func (a *App) setupDatabase(ctx context.Context, runs store.RunRepository) error {
	a.runs = runs
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no DSN configured, skipping Postgres mirror")
		return nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	a.datasets, err = pgstore.NewDatasetStore(pool, a.cfg.DB.Table, a.hasher)
	if err != nil {
		return fmt.Errorf("dataset store init failed: %w", err)
	}
	if err := a.datasets.EnsureSchema(ctx); err != nil {
		return err
	}
	if a.runs == nil {
		runStore, err := pgstore.NewRunStore(pool, a.cfg.DB.RunsTable)
		if err != nil {
			return fmt.Errorf("run store init failed: %w", err)
		}
		if err := runStore.EnsureSchema(ctx); err != nil {
			return err
		}
		a.runs = runStore
	}
	a.logger.Info("postgres mirror initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupPublisher(ctx context.Context, override crawler.Publisher) error {
	if override != nil {
		a.publisher = override
		return nil
	}
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub init failed: %w", err)
	}
	a.publisher, a.closePublisher = pub, pub.Close
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context, reg prometheus.Registerer) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.snapshots = progresssinks.NewSnapshotSink()
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		a.snapshots,
	}
	if a.runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.runs, a.logger.Named("progress_store")))
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

// Serve runs the status server until ctx ends. It is a no-op without
// metrics.addr.
func (a *App) Serve(ctx context.Context) {
	if a.api == nil {
		return
	}
	go func() {
		if err := a.api.ListenAndServe(ctx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Error("status server error", zap.Error(err))
		}
	}()
}

// RunReport is published when a crawl finishes.
type RunReport struct {
	RunID        string `json:"run_id"`
	Boundary     int    `json:"boundary"`
	Records      int    `json:"records"`
	Missed       int    `json:"missed"`
	DatasetURI   string `json:"dataset_uri"`
	StoppedEarly bool   `json:"stopped_early"`
}

// CompactResult describes a written dataset.
type CompactResult struct {
	Replayed   int    `json:"replayed"`
	Records    int    `json:"records"`
	DatasetURI string `json:"dataset_uri"`
	Mirrored   int64  `json:"mirrored,omitempty"`
}

// requireHarvest reports the settings that Build let through for compaction
// but that fetching needs.
func (a *App) requireHarvest(listing bool) error {
	var errs []error
	if listing && a.cfg.Listing.PageURL == "" {
		errs = append(errs, fmt.Errorf("%w: listing.page_url is required", crawler.ErrInvalidInput))
	}
	if a.extractor == nil {
		errs = append(errs, fmt.Errorf("%w: extract.link_selector is required", crawler.ErrInvalidInput))
	}
	return errors.Join(errs...)
}

// Crawl runs the crawl driver, then compacts the checkpoint log into the
// dataset. A boundary failure skips compaction and is returned.
func (a *App) Crawl(ctx context.Context) (crawler.Summary, error) {
	if err := a.requireHarvest(true); err != nil {
		return crawler.Summary{State: crawler.StateFaulted}, err
	}
	runID, emitter, err := a.newRun()
	if err != nil {
		return crawler.Summary{}, err
	}
	logger := a.logger.With(zap.String("run_id", runID))

	state, err := checkpoint.LoadState(a.cfg.Storage.CheckpointPath, a.hasher, logger.Named("checkpoint"))
	if err != nil {
		return crawler.Summary{RunID: runID, State: crawler.StateFaulted}, fmt.Errorf("load checkpoint: %w", err)
	}
	cp, err := checkpoint.Open(checkpoint.Config{
		Path:       a.cfg.Storage.CheckpointPath,
		MissedPath: a.cfg.Storage.MissedLinksPath,
	}, logger.Named("checkpoint"))
	if err != nil {
		return crawler.Summary{RunID: runID, State: crawler.StateFaulted}, err
	}
	defer func() {
		if cerr := cp.Close(); cerr != nil {
			logger.Warn("checkpoint close failed", zap.Error(cerr))
		}
	}()

	pages := crawler.ListingPages(a.cfg.Listing.PageURL)
	finder, err := boundary.New(a.fetcher, pages, a.extractor, boundary.Config{
		Strategy:      boundary.Strategy(a.cfg.Boundary.Strategy),
		PauseFloor:    a.cfg.Boundary.PauseFloor,
		ListingPrefix: a.cfg.Listing.PageURL,
	}, boundary.WithSleeper(a.sleeper), boundary.WithLogger(logger.Named("boundary")))
	if err != nil {
		return crawler.Summary{RunID: runID, State: crawler.StateFaulted}, err
	}

	w := worker.New(worker.Deps{
		Fetcher:    a.fetcher,
		Finder:     finder,
		Pages:      pages,
		Links:      a.extractor,
		Records:    a.extractor,
		Checkpoint: cp,
		State:      state,
		Hasher:     a.hasher,
		Sleeper:    a.sleeper,
		Clock:      a.clock,
		Emitter:    emitter,
	}, worker.Config{
		RunID:         runID,
		ListingPrefix: a.cfg.Listing.PageURL,
		UpperBound:    a.cfg.Listing.UpperBound,
		PauseFloor:    a.cfg.Crawler.PauseFloor,
		OnListingFail: worker.ListingFailurePolicy(a.cfg.Crawler.ListingFailurePolicy),
		EarlyDedup:    a.cfg.Crawler.EarlyDedup,
	}, a.logger)

	sum, err := w.Run(ctx)
	if err != nil {
		return sum, err
	}

	// The run context may be canceled already; the dataset is still written.
	out, err := a.compact(context.WithoutCancel(ctx), runID, a.cfg.Storage.CheckpointPath, a.cfg.Output.DatasetPath)
	if err != nil {
		return sum, err
	}
	a.publish(context.WithoutCancel(ctx), RunReport{
		RunID:        runID,
		Boundary:     sum.Boundary,
		Records:      out.Records,
		Missed:       sum.Missed,
		DatasetURI:   out.DatasetURI,
		StoppedEarly: sum.StoppedEarly,
	})
	return sum, nil
}

// Compact rebuilds the dataset from the checkpoint log without network access.
func (a *App) Compact(ctx context.Context) (CompactResult, error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return CompactResult{}, err
	}
	return a.compact(ctx, runID, a.cfg.Storage.CheckpointPath, a.cfg.Output.DatasetPath)
}

// RetryMissed re-fetches the missed links into the missed checkpoint log and
// compacts that log into the missed dataset.
func (a *App) RetryMissed(ctx context.Context) (worker.RetrySummary, CompactResult, error) {
	if err := a.requireHarvest(false); err != nil {
		return worker.RetrySummary{}, CompactResult{}, err
	}
	runID, emitter, err := a.newRun()
	if err != nil {
		return worker.RetrySummary{}, CompactResult{}, err
	}
	logger := a.logger.With(zap.String("run_id", runID))

	links, err := checkpoint.ReadMissed(a.cfg.Storage.MissedLinksPath)
	if err != nil {
		return worker.RetrySummary{}, CompactResult{}, err
	}
	state, err := checkpoint.LoadState(a.cfg.Storage.MissedCheckpointPath, a.hasher, logger.Named("checkpoint"))
	if err != nil {
		return worker.RetrySummary{}, CompactResult{}, fmt.Errorf("load missed checkpoint: %w", err)
	}
	cp, err := checkpoint.Open(checkpoint.Config{
		Path:       a.cfg.Storage.MissedCheckpointPath,
		MissedPath: a.cfg.Storage.MissedLinksPath,
	}, logger.Named("checkpoint"))
	if err != nil {
		return worker.RetrySummary{}, CompactResult{}, err
	}
	defer func() {
		if cerr := cp.Close(); cerr != nil {
			logger.Warn("checkpoint close failed", zap.Error(cerr))
		}
	}()

	w := worker.New(worker.Deps{
		Fetcher:    a.fetcher,
		Records:    a.extractor,
		Checkpoint: cp,
		State:      state,
		Hasher:     a.hasher,
		Sleeper:    a.sleeper,
		Clock:      a.clock,
		Emitter:    emitter,
	}, worker.Config{
		RunID:      runID,
		PauseFloor: a.cfg.Retry.PauseFloor,
		EarlyDedup: a.cfg.Crawler.EarlyDedup,
	}, a.logger)

	sum, err := w.RetryMissed(ctx, links)
	if err != nil {
		return sum, CompactResult{}, err
	}
	out, err := a.compact(context.WithoutCancel(ctx), runID, a.cfg.Storage.MissedCheckpointPath, a.cfg.Output.MissedDatasetPath)
	return sum, out, err
}

func (a *App) newRun() (string, progress.Emitter, error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return "", nil, err
	}
	parsed, err := uuid.Parse(runID)
	if err != nil {
		return "", nil, err
	}
	return runID, progress.NewRunEmitter(a.hub, parsed, a.clock.Now), nil
}

func (a *App) compact(ctx context.Context, runID, logPath, datasetPath string) (CompactResult, error) {
	replayed, err := checkpoint.Replay(logPath, a.logger.Named("checkpoint"))
	if err != nil {
		return CompactResult{}, fmt.Errorf("replay %s: %w", logPath, err)
	}
	records, err := compactor.New(a.hasher).Compact(replayed)
	if err != nil {
		return CompactResult{}, fmt.Errorf("compact %s: %w", logPath, err)
	}
	uri, err := dataset.NewWriter(a.blobs, a.logger.Named("dataset")).Write(ctx, datasetPath, records)
	if err != nil {
		return CompactResult{}, err
	}
	out := CompactResult{Replayed: len(replayed), Records: len(records), DatasetURI: uri}
	if a.datasets != nil {
		out.Mirrored, err = a.datasets.SaveRecords(ctx, runID, records)
		if err != nil {
			return out, fmt.Errorf("mirror dataset: %w", err)
		}
	}
	a.logger.Info("compaction finished",
		zap.String("run_id", runID),
		zap.Int("replayed", out.Replayed),
		zap.Int("records", out.Records),
		zap.Int64("mirrored", out.Mirrored),
		zap.String("uri", uri),
	)
	return out, nil
}

func (a *App) publish(ctx context.Context, report RunReport) {
	id, err := a.publisher.Publish(ctx, a.cfg.PubSub.TopicName, report)
	if err != nil {
		a.logger.Warn("run report publish failed", zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	a.logger.Debug("run report published", zap.String("run_id", report.RunID), zap.String("message_id", id))
}

// Snapshots exposes the in-process progress snapshots.
func (a *App) Snapshots() *progresssinks.SnapshotSink {
	return a.snapshots
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := a.hub.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
		cancel()
	}
	if err := a.closePublisher(); err != nil {
		errs = append(errs, err)
	}
	if err := a.closeBlobs(); err != nil {
		errs = append(errs, err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
