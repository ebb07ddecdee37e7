package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const archiveContentType = "application/x-ndjson"

// ArchiveWriter streams newline-delimited JSON records into a Cloud Storage object.
type ArchiveWriter struct {
	client *gcs.Client
	bucket string
}

// NewArchiveWriter constructs an ArchiveWriter targeting the given bucket.
func NewArchiveWriter(client *gcs.Client, bucket string) (*ArchiveWriter, error) {
	if client == nil {
		return nil, errors.New("storage archive: client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archive: bucket is required")
	}
	return &ArchiveWriter{client: client, bucket: bucket}, nil
}

// Bucket returns the bucket this writer targets.
func (w *ArchiveWriter) Bucket() string {
	if w == nil {
		return ""
	}
	return w.bucket
}

// WriteJSONL encodes each record as a JSON line and writes the result to the
// named object. The object becomes visible only after every record is written.
func (w *ArchiveWriter) WriteJSONL(ctx context.Context, object string, records []any) error {
	if w == nil || w.client == nil {
		return errors.New("storage archive: writer is not initialised")
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return errors.New("storage archive: object name is required")
	}

	writer := w.client.Bucket(w.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = archiveContentType

	encoder := json.NewEncoder(writer)
	for i, record := range records {
		if err := encoder.Encode(record); err != nil {
			_ = writer.Close()
			return fmt.Errorf("storage archive: encode record %d: %w", i, err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("storage archive: finalise %s: %w", object, err)
	}
	return nil
}

// ArchiveSigner issues signed download URLs for archive exports in a fixed bucket.
type ArchiveSigner struct {
	client *Client
	bucket string
}

// NewArchiveSigner constructs an ArchiveSigner backed by the signing client.
func NewArchiveSigner(client *Client, bucket string) (*ArchiveSigner, error) {
	if client == nil {
		return nil, errors.New("storage archive: signing client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage archive: bucket is required")
	}
	return &ArchiveSigner{client: client, bucket: bucket}, nil
}

// SignedDownloadURL returns a time-limited GET URL for the named object.
// Access control happens at the API layer; the URL itself is bearer-style.
func (s *ArchiveSigner) SignedDownloadURL(ctx context.Context, object string, ttl time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("storage archive: signer is not initialised")
	}
	result, err := s.client.SignedURL(ctx, s.bucket, object, SignedURLOptions{
		Download: &DownloadOptions{
			Method:         httpMethodGet,
			ExpiresIn:      ttl,
			AllowAnonymous: true,
		},
	})
	if err != nil {
		return "", err
	}
	return result.URL, nil
}
