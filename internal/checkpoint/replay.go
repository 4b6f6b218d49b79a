package checkpoint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// Replay reads the checkpoint log in insertion order. A missing file is an
// empty log. Duplicates are returned as written. A final line without a
// trailing newline that does not parse is treated as a torn write and
// skipped; any other malformed line is an error.
func Replay(path string, logger *zap.Logger) ([]crawler.CheckpointRecord, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var records []crawler.CheckpointRecord
	reader := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := reader.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return nil, fmt.Errorf("read checkpoint log: %w", readErr)
		}
		complete := readErr == nil
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			rec, err := decodeLine(trimmed)
			switch {
			case err == nil:
				records = append(records, rec)
			case !complete:
				logger.Warn("skipping torn checkpoint line",
					zap.String("path", path),
					zap.Int("line", lineNo),
					zap.Error(err),
				)
			default:
				return nil, fmt.Errorf("checkpoint log %s line %d: %w", path, lineNo, err)
			}
		}
		if !complete {
			break
		}
	}
	return records, nil
}

func decodeLine(line []byte) (crawler.CheckpointRecord, error) {
	var raw struct {
		SourcePage *int           `json:"source_page"`
		Link       string         `json:"link"`
		Record     crawler.Record `json:"record"`
	}
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return crawler.CheckpointRecord{}, fmt.Errorf("decode: %w", err)
	}
	if raw.SourcePage == nil {
		return crawler.CheckpointRecord{}, errors.New("missing source_page")
	}
	if raw.Record == nil {
		raw.Record = crawler.Record{}
	}
	return crawler.CheckpointRecord{SourcePage: *raw.SourcePage, Link: raw.Link, Record: raw.Record}, nil
}

// ReadMissed returns the non-empty lines of the missed-links file in order.
// A missing file yields no links.
func ReadMissed(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read missed links: %w", err)
	}
	var links []string
	for _, line := range strings.Split(string(data), "\n") {
		if link := strings.TrimSpace(line); link != "" {
			links = append(links, link)
		}
	}
	return links, nil
}

// LoadState replays the log into the immutable snapshot the driver resumes
// from: the highest source page, the links already stored for that page and
// the keys of every stored record.
func LoadState(path string, hasher crawler.Hasher, logger *zap.Logger) (crawler.CrawlState, error) {
	records, err := Replay(path, logger)
	if err != nil {
		return crawler.CrawlState{}, err
	}
	resume := 1
	for _, rec := range records {
		if rec.SourcePage > resume {
			resume = rec.SourcePage
		}
	}
	processed := make(map[string]struct{})
	seen := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.SourcePage == resume && rec.Link != "" {
			processed[rec.Link] = struct{}{}
		}
		key, err := crawler.RecordKey(hasher, rec.Record)
		if err != nil {
			return crawler.CrawlState{}, fmt.Errorf("key replayed record: %w", err)
		}
		seen[key] = struct{}{}
	}
	return crawler.NewCrawlState(resume, records, processed, seen), nil
}
