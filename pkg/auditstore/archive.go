package auditstore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ArchiveBucket is the single seam between the archive store and object
// storage, so unit tests can capture uploads without a real GCS client.
type ArchiveBucket interface {
	// NewObjectWriter opens a writer for a new object. Closing the writer
	// finalizes the upload.
	NewObjectWriter(ctx context.Context, objectName string) io.WriteCloser
}

// gcsArchiveBucket adapts a concrete *storage.Client bucket to ArchiveBucket.
type gcsArchiveBucket struct {
	bucket *storage.BucketHandle
}

// NewGCSArchiveBucket wraps one bucket of a Google Cloud Storage client.
func NewGCSArchiveBucket(client *storage.Client, bucketName string) ArchiveBucket {
	if client == nil {
		return nil
	}
	return &gcsArchiveBucket{bucket: client.Bucket(bucketName)}
}

func (b *gcsArchiveBucket) NewObjectWriter(ctx context.Context, objectName string) io.WriteCloser {
	return b.bucket.Object(objectName).NewWriter(ctx)
}

// GCSArchiveConfig holds the configuration for the archival audit store.
type GCSArchiveConfig struct {
	// ObjectPrefix roots every object written, conventionally the worker
	// service's name.
	ObjectPrefix string
	// BatchSize flushes the buffer when this many records accumulate.
	// Defaults to 100.
	BatchSize int
	// FlushInterval flushes a partially filled buffer on a timer so records
	// from quiet periods still land. Defaults to 1 minute.
	FlushInterval time.Duration
}

// GCSArchiveStore buffers audit records and writes them as gzip-compressed
// JSONL objects under date-based object names. It trades per-record latency
// for cheap long-term storage, so it suits archival rather than lookup.
type GCSArchiveStore struct {
	bucket ArchiveBucket
	cfg    GCSArchiveConfig
	logger zerolog.Logger

	mu     sync.Mutex
	buffer []*AuditRecord
	closed bool

	uploads  sync.WaitGroup
	stopOnce sync.Once
	stopTick chan struct{}
}

// NewGCSArchiveStore creates the store and starts its interval flusher.
func NewGCSArchiveStore(bucket ArchiveBucket, cfg GCSArchiveConfig, logger zerolog.Logger) (*GCSArchiveStore, error) {
	if bucket == nil {
		return nil, errors.New("archive bucket cannot be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}

	store := &GCSArchiveStore{
		bucket:   bucket,
		cfg:      cfg,
		logger:   logger.With().Str("component", "GCSArchiveStore").Logger(),
		stopTick: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				store.flush()
			case <-store.stopTick:
				return
			}
		}
	}()

	return store, nil
}

// Insert buffers the record, flushing asynchronously once the batch size is
// reached.
func (s *GCSArchiveStore) Insert(_ context.Context, record *AuditRecord) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("archive store is closed")
	}
	recordCopy := *record
	s.buffer = append(s.buffer, &recordCopy)
	full := len(s.buffer) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		s.flush()
	}
	return nil
}

// flush snapshots the buffer and uploads it in the background.
func (s *GCSArchiveStore) flush() {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	s.uploads.Add(1)
	go func() {
		defer s.uploads.Done()
		uploadCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.upload(uploadCtx, batch); err != nil {
			s.logger.Error().Err(err).Int("record_count", len(batch)).Msg("Failed to upload audit archive batch.")
		}
	}()
}

// upload writes one batch as a gzip JSONL object.
func (s *GCSArchiveStore) upload(ctx context.Context, batch []*AuditRecord) error {
	objectName := path.Join(
		s.cfg.ObjectPrefix,
		time.Now().UTC().Format("2006/01/02"),
		fmt.Sprintf("%s.jsonl.gz", uuid.NewString()),
	)

	writer := s.bucket.NewObjectWriter(ctx, objectName)
	gz := gzip.NewWriter(writer)
	enc := json.NewEncoder(gz)
	for _, record := range batch {
		if err := enc.Encode(record); err != nil {
			_ = gz.Close()
			_ = writer.Close()
			return fmt.Errorf("json encoding failed for %s: %w", objectName, err)
		}
	}
	if err := gz.Close(); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to finalize compression for %s: %w", objectName, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close object writer for %s: %w", objectName, err)
	}

	s.logger.Info().Str("object_name", objectName).Int("record_count", len(batch)).Msg("Uploaded audit archive batch.")
	return nil
}

// Close stops the interval flusher, flushes what remains and waits for
// pending uploads.
func (s *GCSArchiveStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopTick) })

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.flush()
	s.uploads.Wait()
	return nil
}
