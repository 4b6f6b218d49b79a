package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

func TestTransportBuildCollector(t *testing.T) {
	t.Parallel()

	tr := New(Config{UserAgent: "coverage-agent", RespectRobots: false, Timeout: time.Second, MaxBodyBytes: 512})
	collector := tr.buildCollector("https://example.com", time.Unix(0, 0), &attemptResult{})

	assert.Equal(t, "coverage-agent", collector.UserAgent)
	assert.True(t, collector.IgnoreRobotsTxt)
	assert.True(t, collector.AllowURLRevisit)
	assert.Equal(t, 512, collector.MaxBodySize)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	tr := New(Config{})
	var result attemptResult
	hooks := &stubHooks{}
	tr.configureCollectorHooks(hooks, "https://example.com/page/1", time.Now(), &result)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com/page/2"),
		},
	})
	assert.Equal(t, http.StatusOK, result.page.StatusCode)
	assert.Equal(t, "body", string(result.page.Body))
	assert.Equal(t, "https://example.com/page/1", result.page.URL)
	assert.Equal(t, "https://example.com/page/2", result.page.FinalURL)
	assert.Equal(t, "ok", result.page.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	assert.Equal(t, http.StatusBadGateway, result.statusCode)
	assert.EqualError(t, result.err, "Bad Gateway")
}

func TestTransportGetFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/list/7", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/list/", http.StatusFound)
	})
	mux.HandleFunc("/list/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>home</html>"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr := New(Config{Timeout: 5 * time.Second})
	page, err := tr.Get(context.Background(), srv.URL+"/list/7")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, page.StatusCode)
	assert.Equal(t, srv.URL+"/list/7", page.URL)
	assert.Equal(t, srv.URL+"/list/", page.FinalURL)
	assert.Contains(t, string(page.Body), "home")
}

func TestTransportGetStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := New(Config{Timeout: 5 * time.Second})
	_, err := tr.Get(context.Background(), srv.URL)
	var statusErr *crawler.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Equal(t, crawler.KindHTTPStatus, crawler.Classify(err))
}

func TestTransportGetRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr := New(Config{Timeout: 5 * time.Second})
	for i := 0; i < 2; i++ {
		_, err := tr.Get(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestTransportGetCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := New(Config{})
	_, err := tr.Get(ctx, "http://127.0.0.1:1/")
	require.Error(t, err)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
