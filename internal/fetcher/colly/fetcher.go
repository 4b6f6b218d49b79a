// Package collyfetcher implements a single-attempt crawler.Transport using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 10 * 1024 * 1024
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Transport performs one GET per call through a cloned Colly collector.
// Redirects are followed; the served URL is reported as Page.FinalURL.
type Transport struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attemptResult collects what the hooks observed during one visit.
type attemptResult struct {
	page       crawler.Page
	statusCode int
	err        error
}

// New builds a Transport.
func New(cfg Config) *Transport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	c := colly.NewCollector(colly.Async(false))
	// Listing and boundary pages are fetched more than once per run.
	c.AllowURLRevisit = true

	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Transport{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Get executes a single HTTP GET. Non-success statuses are returned as
// *crawler.StatusError so the caller can classify them.
func (t *Transport) Get(ctx context.Context, rawURL string) (crawler.Page, error) {
	var result attemptResult
	start := time.Now()
	collector := t.buildCollector(rawURL, start, &result)

	if err := t.runCollector(ctx, collector, rawURL, &result); err != nil {
		return crawler.Page{}, err
	}
	return result.page, nil
}

func (t *Transport) buildCollector(rawURL string, start time.Time, result *attemptResult) *colly.Collector {
	collector := t.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if t.cfg.UserAgent != "" {
		collector.UserAgent = t.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !t.cfg.RespectRobots
	collector.MaxBodySize = t.cfg.MaxBodyBytes
	collector.SetRequestTimeout(t.cfg.Timeout)
	collector.WithTransport(t.transport)

	t.configureCollectorHooks(collector, rawURL, start, result)
	return collector
}

func (t *Transport) configureCollectorHooks(
	hooks collectorHooks,
	rawURL string,
	start time.Time,
	result *attemptResult,
) {
	hooks.OnResponse(func(r *colly.Response) {
		page := crawler.Page{
			URL:        rawURL,
			FinalURL:   rawURL,
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
		if r.Request != nil && r.Request.URL != nil {
			page.FinalURL = r.Request.URL.String()
		}
		if r.Headers != nil {
			page.Headers = r.Headers.Clone()
		}
		result.page = page
	})

	hooks.OnError(func(r *colly.Response, err error) {
		result.err = err
		if r != nil {
			result.statusCode = r.StatusCode
		}
	})
}

func (t *Transport) runCollector(ctx context.Context, collector *colly.Collector, rawURL string, result *attemptResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		return attemptError(rawURL, err, result)
	}
}

// attemptError folds the Visit error and the hook observations into one
// error. A recorded status code wins so HTTP failures classify as such.
func attemptError(rawURL string, visitErr error, result *attemptResult) error {
	if result.statusCode != 0 && (visitErr != nil || result.err != nil) {
		return &crawler.StatusError{URL: rawURL, StatusCode: result.statusCode}
	}
	if visitErr != nil {
		return fmt.Errorf("colly visit failed: %w", visitErr)
	}
	if result.err != nil {
		return fmt.Errorf("colly response failed: %w", result.err)
	}
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
