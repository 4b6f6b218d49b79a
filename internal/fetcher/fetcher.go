// Package fetcher wraps a single-attempt transport with the harvester's
// linear retry policy.
package fetcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/clock/system"
	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/metrics"
)

// Default retry budget.
const (
	DefaultMaxRetries = 7
	DefaultRetryDelay = 2 * time.Second
)

// Config holds the retry budget. MaxRetries counts total attempts.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Waiter gates each attempt, typically a per-domain rate limiter.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithSleeper overrides the sleeper used between attempts.
func WithSleeper(s crawler.Sleeper) Option {
	return func(f *Fetcher) {
		if s != nil {
			f.sleeper = s
		}
	}
}

// WithWaiter installs a gate consulted before every attempt.
func WithWaiter(w Waiter) Option {
	return func(f *Fetcher) {
		f.waiter = w
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// Fetcher retries transport failures with linearly growing delays.
type Fetcher struct {
	transport crawler.Transport
	policy    *crawler.LinearRetryPolicy
	sleeper   crawler.Sleeper
	waiter    Waiter
	logger    *zap.Logger
}

// New validates cfg and builds a Fetcher.
func New(transport crawler.Transport, cfg Config, opts ...Option) (*Fetcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", crawler.ErrInvalidInput)
	}
	policy, err := crawler.NewLinearRetryPolicy(cfg.MaxRetries, cfg.RetryDelay)
	if err != nil {
		return nil, err
	}
	f := &Fetcher{
		transport: transport,
		policy:    policy,
		sleeper:   system.New(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch performs up to MaxRetries attempts. Malformed URLs fail with
// crawler.ErrInvalidInput before any network activity; exhaustion returns a
// *crawler.FetchError carrying the last error and its classification.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.Page, error) {
	if _, err := crawler.ValidateAbsoluteURL(rawURL); err != nil {
		return crawler.Page{}, err
	}

	start := time.Now()
	var lastErr error
	attempt := 0
	for attempt = 1; attempt <= f.policy.MaxAttempts(); attempt++ {
		if wait := f.policy.Backoff(attempt); wait > 0 {
			f.logger.Debug("retry backoff",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
			)
			f.sleeper.Sleep(wait)
		}
		if err := ctx.Err(); err != nil {
			return crawler.Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
		}
		if f.waiter != nil {
			if err := f.waiter.Wait(ctx, rawURL); err != nil {
				return crawler.Page{}, fmt.Errorf("fetch %s: %w", rawURL, err)
			}
		}

		page, err := f.transport.Get(ctx, rawURL)
		if err == nil {
			metrics.ObserveAttempt(rawURL, "ok")
			metrics.ObserveFetch(rawURL, len(page.Body), time.Since(start))
			return page, nil
		}
		lastErr = err
		kind := crawler.Classify(err)
		metrics.ObserveAttempt(rawURL, string(kind))
		f.logger.Warn("fetch attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", f.policy.MaxAttempts()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if !f.policy.ShouldRetry(err, attempt) {
			break
		}
	}
	if attempt > f.policy.MaxAttempts() {
		attempt = f.policy.MaxAttempts()
	}

	fetchErr := &crawler.FetchError{
		URL:      rawURL,
		Kind:     crawler.Classify(lastErr),
		Attempts: attempt,
		Err:      lastErr,
	}
	metrics.ObserveFetchFailure(rawURL, string(fetchErr.Kind))
	return crawler.Page{}, fetchErr
}
