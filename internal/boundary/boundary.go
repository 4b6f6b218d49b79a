// Package boundary locates the last listing page that still has entries.
package boundary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/clock/system"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// Strategy selects the probe order.
type Strategy string

// Probe strategies.
const (
	// StrategyLinear walks down from the upper bound one page at a time.
	StrategyLinear Strategy = "linear"
	// StrategyBisect binary searches [1, upper]. It requires has_results to
	// be monotonic over the range.
	StrategyBisect Strategy = "bisect"
)

// DefaultPauseFloor is the fixed part of the pause between probes.
const DefaultPauseFloor = 300 * time.Millisecond

// Config controls a Finder.
type Config struct {
	Strategy   Strategy
	PauseFloor time.Duration
	// ListingPrefix, when set, must prefix the final URL of a probed page.
	// Pages redirected elsewhere count as having no results.
	ListingPrefix string
}

// Option customizes a Finder.
type Option func(*Finder)

// WithSleeper overrides the sleeper used for inter-probe pauses.
func WithSleeper(s crawler.Sleeper) Option {
	return func(f *Finder) {
		if s != nil {
			f.sleeper = s
		}
	}
}

// WithPausePolicy overrides the pause distribution.
func WithPausePolicy(p crawler.PausePolicy) Option {
	return func(f *Finder) {
		f.pause = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Finder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Finder probes listing pages through a Fetcher.
type Finder struct {
	fetcher   crawler.Fetcher
	pages     crawler.PageURLFunc
	predicate crawler.ResultsPredicate
	cfg       Config
	pause     crawler.PausePolicy
	sleeper   crawler.Sleeper
	logger    *zap.Logger
	probes    int
}

// New builds a Finder.
func New(
	fetcher crawler.Fetcher,
	pages crawler.PageURLFunc,
	predicate crawler.ResultsPredicate,
	cfg Config,
	opts ...Option,
) (*Finder, error) {
	if fetcher == nil || pages == nil || predicate == nil {
		return nil, fmt.Errorf("%w: boundary finder needs a fetcher, page URLs and a predicate", crawler.ErrInvalidInput)
	}
	switch cfg.Strategy {
	case "":
		cfg.Strategy = StrategyLinear
	case StrategyLinear, StrategyBisect:
	default:
		return nil, fmt.Errorf("%w: unknown boundary strategy %q", crawler.ErrInvalidInput, cfg.Strategy)
	}
	if cfg.PauseFloor < 0 {
		return nil, fmt.Errorf("%w: boundary pause floor must be >= 0", crawler.ErrInvalidInput)
	}
	f := &Finder{
		fetcher:   fetcher,
		pages:     pages,
		predicate: predicate,
		cfg:       cfg,
		pause:     crawler.NewPausePolicy(cfg.PauseFloor),
		sleeper:   system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// FindBoundary returns the page P with results whose successor has none, or
// 0 when no page in [1, upperBound] has results. upperBound must exceed the
// true last page. Any failed probe aborts with crawler.ErrBoundaryResolution.
func (f *Finder) FindBoundary(ctx context.Context, upperBound int) (int, error) {
	if upperBound < 1 {
		return 0, fmt.Errorf("%w: upper bound must be >= 1, got %d", crawler.ErrInvalidInput, upperBound)
	}
	f.probes = 0
	var (
		page int
		err  error
	)
	if f.cfg.Strategy == StrategyBisect {
		page, err = f.bisect(ctx, upperBound)
	} else {
		page, err = f.linear(ctx, upperBound)
	}
	if err != nil {
		return 0, err
	}
	f.logger.Info("boundary resolved",
		zap.Int("boundary", page),
		zap.Int("upper_bound", upperBound),
		zap.Int("probes", f.probes),
		zap.String("strategy", string(f.cfg.Strategy)),
	)
	return page, nil
}

func (f *Finder) linear(ctx context.Context, upperBound int) (int, error) {
	for page := upperBound; page >= 1; page-- {
		ok, err := f.probe(ctx, page)
		if err != nil {
			return 0, err
		}
		if ok {
			return page, nil
		}
	}
	return 0, nil
}

// bisect keeps lo with results (0 by convention) and hi without
// (upperBound+1 by the caller's precondition).
func (f *Finder) bisect(ctx context.Context, upperBound int) (int, error) {
	lo, hi := 0, upperBound+1
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		ok, err := f.probe(ctx, mid)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, nil
}

func (f *Finder) probe(ctx context.Context, page int) (bool, error) {
	if f.probes > 0 {
		f.sleeper.Sleep(f.pause.Next())
	}
	f.probes++

	url := f.pages(page)
	result, err := f.fetcher.Fetch(ctx, url)
	if err != nil {
		if errors.Is(err, crawler.ErrInvalidInput) {
			return false, err
		}
		return false, fmt.Errorf("%w: probe page %d (%s): %w", crawler.ErrBoundaryResolution, page, url, err)
	}
	if f.cfg.ListingPrefix != "" && !crawler.ServedFromListing(result, f.cfg.ListingPrefix) {
		f.logger.Debug("probe redirected off listing",
			zap.Int("page", page),
			zap.String("final_url", result.FinalURL),
		)
		return false, nil
	}
	ok := f.predicate.HasResults(result)
	f.logger.Debug("probe", zap.Int("page", page), zap.Bool("has_results", ok))
	return ok, nil
}
