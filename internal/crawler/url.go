package crawler

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ValidateAbsoluteURL accepts only http(s) URLs with a host.
func ValidateAbsoluteURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: parse url %q: %v", ErrInvalidInput, rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: url %q must use http or https", ErrInvalidInput, rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: url %q has no host", ErrInvalidInput, rawURL)
	}
	return u, nil
}

// ListingPages returns a PageURLFunc that appends the page number to prefix,
// e.g. "https://example.com/items/?page=" + "3".
func ListingPages(prefix string) PageURLFunc {
	return func(page int) string {
		return prefix + strconv.Itoa(page)
	}
}

// ServedFromListing reports whether the final URL of a listing page still
// belongs to the listing. Upstream failures sometimes answer 200 from a
// redirected URL, whose body must not be trusted.
func ServedFromListing(page Page, prefix string) bool {
	final := page.FinalURL
	if final == "" {
		final = page.URL
	}
	return strings.HasPrefix(final, prefix)
}

// SameHost reports whether a and b share a hostname, ignoring case.
func SameHost(a, b string) bool {
	ua, err := url.Parse(a)
	if err != nil {
		return false
	}
	ub, err := url.Parse(b)
	if err != nil {
		return false
	}
	return ua.Hostname() != "" && strings.EqualFold(ua.Hostname(), ub.Hostname())
}

// ResolveLink resolves a listing link against the listing page URL. Absolute
// links are returned unchanged; fragments are dropped.
func ResolveLink(base, link string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	ref, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", fmt.Errorf("parse link %q: %w", link, err)
	}
	resolved := b.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String(), nil
}
