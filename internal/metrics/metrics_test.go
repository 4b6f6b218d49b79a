package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchAttemptsTotal == nil || harvesterRecordsTotal == nil ||
		httpRequestsTotal == nil || harvesterBoundaryPage == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	before := testutil.ToFloat64(harvesterRecordsTotalFor("missed"))
	ObserveRecord("missed")
	if got := testutil.ToFloat64(harvesterRecordsTotalFor("missed")); got != before+1 {
		t.Errorf("expected missed counter to grow by 1, got %f -> %f", before, got)
	}

	SetBoundary(42)
	if got := testutil.ToFloat64(harvesterBoundaryPage); got != 42 {
		t.Errorf("expected boundary gauge 42, got %f", got)
	}

	ObserveAttempt("https://Metrics.Example/page/1", "ok")
	if got := testutil.ToFloat64(fetchAttemptsTotal.WithLabelValues("metrics.example", "ok")); got < 1 {
		t.Errorf("expected attempt counter for metrics.example, got %f", got)
	}

	ObserveFetch("https://metrics.example/", 128, 10*time.Millisecond)
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics.example")); got < 128 {
		t.Errorf("expected at least 128 bytes, got %f", got)
	}
}

func harvesterRecordsTotalFor(result string) prometheus.Counter {
	Init()
	return harvesterRecordsTotal.WithLabelValues(result)
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
