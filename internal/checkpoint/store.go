// Package checkpoint persists processed records as an append-only JSON lines
// log and rebuilds crawl state from it.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// Config names the files owned by a Store.
type Config struct {
	// Path is the checkpoint log, one CheckpointRecord per line.
	Path string
	// MissedPath is the missed-links file, one link per line.
	MissedPath string
}

// Store appends checkpoint and missed-link lines. Each append is synced to
// disk before it returns.
type Store struct {
	mu     sync.Mutex
	log    *os.File
	missed *os.File
	logger *zap.Logger
}

// Open opens (creating if needed) both files for appending so that later
// appends start on a clean line. An unterminated last log line that still
// decodes is kept and terminated; one that does not is a torn write and is
// cut off. The missed-links file is only ever terminated, never cut.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.Path) == "" || strings.TrimSpace(cfg.MissedPath) == "" {
		return nil, fmt.Errorf("%w: checkpoint and missed-links paths are required", crawler.ErrInvalidInput)
	}
	logFile, err := openAppend(cfg.Path, logger, validLogLine)
	if err != nil {
		return nil, err
	}
	missedFile, err := openAppend(cfg.MissedPath, logger, keepAnyLine)
	if err != nil {
		_ = logFile.Close()
		return nil, err
	}
	return &Store{log: logFile, missed: missedFile, logger: logger}, nil
}

// tailCheck reports whether an unterminated last line should be kept.
type tailCheck func(tail []byte) bool

func validLogLine(tail []byte) bool {
	_, err := decodeLine(bytes.TrimSpace(tail))
	return err == nil
}

func keepAnyLine([]byte) bool { return true }

func openAppend(path string, logger *zap.Logger, keep tailCheck) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir for %s: %w", path, err)
	}
	if err := repairTail(path, logger, keep); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Append writes one record line and syncs it.
func (s *Store) Append(rec crawler.CheckpointRecord) error {
	if rec.SourcePage < 0 {
		return fmt.Errorf("%w: source page must be >= 0, got %d", crawler.ErrInvalidInput, rec.SourcePage)
	}
	if rec.Record == nil {
		rec.Record = crawler.Record{}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint record: %w", err)
	}
	return s.writeLine(s.log, append(line, '\n'))
}

// AppendMissed writes the link on its own line and syncs it. The run context
// goes to the log only.
func (s *Store) AppendMissed(m crawler.MissedLink) error {
	link := strings.TrimSpace(m.Link)
	if link == "" || strings.ContainsAny(link, "\r\n") {
		return fmt.Errorf("%w: missed link %q", crawler.ErrInvalidInput, m.Link)
	}
	if err := s.writeLine(s.missed, []byte(link+"\n")); err != nil {
		return err
	}
	s.logger.Warn("link missed",
		zap.String("link", link),
		zap.String("run_id", m.RunID),
		zap.Int("page", m.SourcePage),
		zap.String("reason", m.Reason),
	)
	return nil
}

func (s *Store) writeLine(f *os.File, line []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == nil {
		return errors.New("checkpoint store is closed")
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append to %s: %w", f.Name(), err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", f.Name(), err)
	}
	return nil
}

// Close releases both files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.log != nil {
		errs = append(errs, s.log.Close())
		s.log = nil
	}
	if s.missed != nil {
		errs = append(errs, s.missed.Close())
		s.missed = nil
	}
	return errors.Join(errs...)
}

// repairTail makes path end with a newline. An unterminated last line is
// terminated when keep accepts it and truncated otherwise.
func repairTail(path string, logger *zap.Logger, keep tailCheck) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // closed after the repair is synced

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	end, err := lastNewlineEnd(f, size)
	if err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	if end == size {
		return nil
	}
	tail := make([]byte, size-end)
	if _, err := f.ReadAt(tail, end); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read tail of %s: %w", path, err)
	}

	if keep(tail) {
		logger.Info("terminating unterminated last line",
			zap.String("path", path),
			zap.Int64("bytes", size-end),
		)
		if _, err := f.WriteAt([]byte("\n"), size); err != nil {
			return fmt.Errorf("terminate %s: %w", path, err)
		}
	} else {
		logger.Warn("dropping partial trailing line",
			zap.String("path", path),
			zap.Int64("bytes", size-end),
		)
		if err := f.Truncate(end); err != nil {
			return fmt.Errorf("truncate %s: %w", path, err)
		}
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}

// lastNewlineEnd returns the offset just past the last '\n', or 0.
func lastNewlineEnd(r io.ReaderAt, size int64) (int64, error) {
	const chunk = 4096
	buf := make([]byte, chunk)
	for end := size; end > 0; {
		start := end - chunk
		if start < 0 {
			start = 0
		}
		n, err := r.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		for i := n - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				return start + int64(i) + 1, nil
			}
		}
		end = start
	}
	return 0, nil
}
