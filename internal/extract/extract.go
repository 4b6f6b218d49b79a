// Package extract turns listing and detail pages into links and records using
// CSS selectors configured per site.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// FieldSpec describes one record field.
type FieldSpec struct {
	Name     string `mapstructure:"name"`
	Selector string `mapstructure:"selector"`
	// Attr reads an attribute instead of the element text.
	Attr string `mapstructure:"attr"`
	// Pattern keeps the first submatch (or the whole match) of a regexp.
	Pattern string `mapstructure:"pattern"`
	// All collects every matching element instead of the first one.
	All bool `mapstructure:"all"`
	// Join concatenates All values into one string when set.
	Join     string `mapstructure:"join"`
	Required bool   `mapstructure:"required"`
}

// Config selects the parts of a site's markup the harvester needs.
type Config struct {
	// LinkSelector matches elements carrying detail links: anchors, or
	// containers whose first descendant anchor holds the link.
	LinkSelector string `mapstructure:"link_selector"`
	// EmptySelector and EmptyText identify the "no results" marker.
	EmptySelector string `mapstructure:"empty_selector"`
	EmptyText     string `mapstructure:"empty_text"`
	// URLField, when set, stores the detail URL in the record.
	URLField string      `mapstructure:"url_field"`
	Fields   []FieldSpec `mapstructure:"fields"`
}

type compiledField struct {
	FieldSpec
	re *regexp.Regexp
}

// Extractor implements crawler.ResultsPredicate, crawler.LinkExtractor and
// crawler.RecordExtractor.
type Extractor struct {
	cfg    Config
	fields []compiledField
}

// New compiles the field patterns.
func New(cfg Config) (*Extractor, error) {
	if strings.TrimSpace(cfg.LinkSelector) == "" {
		return nil, fmt.Errorf("%w: extract.link_selector is required", crawler.ErrInvalidInput)
	}
	fields := make([]compiledField, 0, len(cfg.Fields))
	names := make(map[string]struct{}, len(cfg.Fields))
	for _, spec := range cfg.Fields {
		if spec.Name == "" || spec.Selector == "" {
			return nil, fmt.Errorf("%w: extract field needs a name and a selector", crawler.ErrInvalidInput)
		}
		if _, dup := names[spec.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate extract field %q", crawler.ErrInvalidInput, spec.Name)
		}
		names[spec.Name] = struct{}{}
		cf := compiledField{FieldSpec: spec}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: field %q pattern: %v", crawler.ErrInvalidInput, spec.Name, err)
			}
			cf.re = re
		}
		fields = append(fields, cf)
	}
	return &Extractor{cfg: cfg, fields: fields}, nil
}

// HasResults reports false when the page shows the configured "no results"
// marker, or, without a marker, when it lists no links.
func (e *Extractor) HasResults(page crawler.Page) bool {
	doc, err := parse(page)
	if err != nil {
		return false
	}
	if e.cfg.EmptySelector != "" {
		marker := doc.Find(e.cfg.EmptySelector)
		if marker.Length() > 0 && (e.cfg.EmptyText == "" || strings.Contains(marker.Text(), e.cfg.EmptyText)) {
			return false
		}
		return true
	}
	return len(e.links(doc)) > 0
}

// Links returns detail hrefs in page order. Relative links are returned
// as-is; resolving them is the caller's job.
func (e *Extractor) Links(page crawler.Page) ([]string, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, err
	}
	return e.links(doc), nil
}

func (e *Extractor) links(doc *goquery.Document) []string {
	var out []string
	doc.Find(e.cfg.LinkSelector).Each(func(_ int, s *goquery.Selection) {
		anchor := s
		if goquery.NodeName(s) != "a" {
			anchor = s.Find("a[href]").First()
		}
		href, ok := anchor.Attr("href")
		href = strings.TrimSpace(href)
		if ok && href != "" {
			out = append(out, href)
		}
	})
	return out
}

// Extract builds a record from a detail page. Missing required fields yield
// a *crawler.ExtractionError.
func (e *Extractor) Extract(page crawler.Page, sourceURL string) (crawler.Record, error) {
	doc, err := parse(page)
	if err != nil {
		return nil, &crawler.ExtractionError{URL: sourceURL, Reason: err.Error()}
	}
	rec := make(crawler.Record, len(e.fields)+1)
	for _, field := range e.fields {
		value, found := field.extract(doc)
		if !found {
			if field.Required {
				return nil, &crawler.ExtractionError{URL: sourceURL, Field: field.Name, Reason: "no match for " + field.Selector}
			}
			rec[field.Name] = nil
			continue
		}
		rec[field.Name] = value
	}
	if e.cfg.URLField != "" {
		rec[e.cfg.URLField] = sourceURL
	}
	return rec, nil
}

func (f compiledField) extract(doc *goquery.Document) (any, bool) {
	sel := doc.Find(f.Selector)
	if !f.All {
		sel = sel.First()
	}
	var values []string
	sel.Each(func(_ int, s *goquery.Selection) {
		if v, ok := f.value(s); ok {
			values = append(values, v)
		}
	})
	if len(values) == 0 {
		return nil, false
	}
	if !f.All {
		return values[0], true
	}
	if f.Join != "" {
		return strings.Join(values, f.Join), true
	}
	return values, true
}

func (f compiledField) value(s *goquery.Selection) (string, bool) {
	var raw string
	if f.Attr != "" {
		v, ok := s.Attr(f.Attr)
		if !ok {
			return "", false
		}
		raw = v
	} else {
		raw = s.Text()
	}
	raw = collapseSpace(raw)
	if f.re != nil {
		m := f.re.FindStringSubmatch(raw)
		if m == nil {
			return "", false
		}
		if len(m) > 1 {
			raw = m[1]
		} else {
			raw = m[0]
		}
	}
	return raw, raw != ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func parse(page crawler.Page) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return doc, nil
}
