package dataset

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// ContentType is the media type of the encoded dataset.
const ContentType = "text/csv"

// Writer stores encoded datasets in a blob store.
type Writer struct {
	blobs  crawler.BlobStore
	logger *zap.Logger
}

// NewWriter builds a Writer.
func NewWriter(blobs crawler.BlobStore, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{blobs: blobs, logger: logger}
}

// Write encodes records and stores them at path, returning the blob URI. An
// empty record set still produces a (header-only) file.
func (w *Writer) Write(ctx context.Context, path string, records []crawler.Record) (string, error) {
	data, err := EncodeCSV(records)
	if err != nil {
		return "", err
	}
	uri, err := w.blobs.PutObject(ctx, path, ContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("store dataset %s: %w", path, err)
	}
	w.logger.Info("dataset written",
		zap.String("uri", uri),
		zap.Int("records", len(records)),
		zap.Int("bytes", len(data)),
	)
	return uri, nil
}
