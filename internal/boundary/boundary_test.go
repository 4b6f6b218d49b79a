package boundary

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

const prefix = "https://listing.example/items/?page="

func TestFindBoundaryExact(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		strategy Strategy
		last     int
		upper    int
	}{
		{name: "linear middle", strategy: StrategyLinear, last: 7, upper: 12},
		{name: "linear just below upper", strategy: StrategyLinear, last: 11, upper: 12},
		{name: "linear none", strategy: StrategyLinear, last: 0, upper: 5},
		{name: "linear first page only", strategy: StrategyLinear, last: 1, upper: 4},
		{name: "bisect middle", strategy: StrategyBisect, last: 37, upper: 100},
		{name: "bisect none", strategy: StrategyBisect, last: 0, upper: 64},
		{name: "bisect first page only", strategy: StrategyBisect, last: 1, upper: 64},
		{name: "bisect upper minus one", strategy: StrategyBisect, last: 63, upper: 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := &listingFetcher{last: tt.last}
			finder, err := New(f, crawler.ListingPages(prefix), pagePredicate{}, Config{Strategy: tt.strategy, ListingPrefix: prefix},
				WithSleeper(&countingSleeper{}))
			require.NoError(t, err)

			got, err := finder.FindBoundary(context.Background(), tt.upper)
			require.NoError(t, err)
			assert.Equal(t, tt.last, got)
		})
	}
}

func TestLinearProbesDescendingFromUpperBound(t *testing.T) {
	t.Parallel()

	f := &listingFetcher{last: 3}
	sleeper := &countingSleeper{}
	finder, err := New(f, crawler.ListingPages(prefix), pagePredicate{}, Config{PauseFloor: 300 * time.Millisecond},
		WithSleeper(sleeper), WithPausePolicy(crawler.PausePolicy{Floor: 300 * time.Millisecond, Spread: time.Second, Rand: func(int64) int64 { return 0 }}))
	require.NoError(t, err)

	got, err := finder.FindBoundary(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	assert.Equal(t, []int{6, 5, 4, 3}, f.requested)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}, sleeper.waits)
}

func TestRedirectedProbeCountsAsEmpty(t *testing.T) {
	t.Parallel()

	f := &listingFetcher{last: 5, redirect: map[int]bool{5: true}}
	finder, err := New(f, crawler.ListingPages(prefix), pagePredicate{}, Config{ListingPrefix: prefix}, WithSleeper(&countingSleeper{}))
	require.NoError(t, err)

	got, err := finder.FindBoundary(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, 4, got)
}

func TestProbeFailureIsFatal(t *testing.T) {
	t.Parallel()

	f := &listingFetcher{last: 3, fail: map[int]bool{8: true}}
	finder, err := New(f, crawler.ListingPages(prefix), pagePredicate{}, Config{}, WithSleeper(&countingSleeper{}))
	require.NoError(t, err)

	_, err = finder.FindBoundary(context.Background(), 10)
	require.ErrorIs(t, err, crawler.ErrBoundaryResolution)
	require.ErrorIs(t, err, crawler.ErrFetchExhausted)
	assert.Equal(t, []int{10, 9, 8}, f.requested)
}

func TestNewAndFindValidate(t *testing.T) {
	t.Parallel()

	_, err := New(nil, crawler.ListingPages(prefix), pagePredicate{}, Config{})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)

	_, err = New(&listingFetcher{}, crawler.ListingPages(prefix), pagePredicate{}, Config{Strategy: "galloping"})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)

	_, err = New(&listingFetcher{}, crawler.ListingPages(prefix), pagePredicate{}, Config{PauseFloor: -time.Second})
	require.ErrorIs(t, err, crawler.ErrInvalidInput)

	finder, err := New(&listingFetcher{}, crawler.ListingPages(prefix), pagePredicate{}, Config{})
	require.NoError(t, err)
	_, err = finder.FindBoundary(context.Background(), 0)
	require.ErrorIs(t, err, crawler.ErrInvalidInput)
}

// listingFetcher serves pages 1..last with results and later pages empty.
type listingFetcher struct {
	last      int
	fail      map[int]bool
	redirect  map[int]bool
	requested []int
}

func (l *listingFetcher) Fetch(_ context.Context, rawURL string) (crawler.Page, error) {
	page, err := strconv.Atoi(strings.TrimPrefix(rawURL, prefix))
	if err != nil {
		return crawler.Page{}, err
	}
	l.requested = append(l.requested, page)
	if l.fail[page] {
		return crawler.Page{}, &crawler.FetchError{URL: rawURL, Kind: crawler.KindNetwork, Attempts: 7, Err: errors.New("connection reset")}
	}
	final := rawURL
	if l.redirect[page] {
		final = "https://listing.example/"
	}
	body := "empty"
	if page <= l.last {
		body = "results"
	}
	return crawler.Page{URL: rawURL, FinalURL: final, StatusCode: 200, Body: []byte(body)}, nil
}

type pagePredicate struct{}

func (pagePredicate) HasResults(p crawler.Page) bool {
	return string(p.Body) == "results"
}

type countingSleeper struct {
	waits []time.Duration
}

func (c *countingSleeper) Sleep(d time.Duration) {
	c.waits = append(c.waits, d)
}
