// Package storage wraps GCS object access behind the deterministic key
// layout the processing core depends on for idempotent writes:
//
//	drawings/{drawing_version_id}/raw.pdf
//	drawings/{drawing_version_id}/pages/{page_index}.png
//	jobs/{job_id}/overlays/{drawing_name}.png
//	jobs/{job_id}/summaries/{drawing_name}.json
//
// Every key is a pure function of the entity it belongs to, so a retried
// worker overwrites the same object instead of producing an orphan.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/buildtrace/core/internal/clients/gcp"
	"github.com/buildtrace/core/internal/platform/logger"
)

// Store is the object storage contract used by every worker and the
// Orchestrator: write bytes at a deterministic ref, read
// them back, and resolve a ref to a fetchable URL.
type Store interface {
	RawDrawingKey(drawingVersionID string) string
	PageImageKey(drawingVersionID string, pageIndex int) string
	OverlayKey(jobID, drawingName string) string
	SummaryKey(jobID, drawingName string) string

	Put(ctx context.Context, key string, data io.Reader, contentType string) (ref string, err error)
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	PublicURL(ref string) string
}

type gcsStore struct {
	log       *logger.Logger
	client    *storage.Client
	bucket    string
	cdnDomain string
}

// NewGCSStore opens a storage.Client scoped to the single bucket named by
// BUILDTRACE_GCS_BUCKET.
func NewGCSStore(log *logger.Logger) (Store, error) {
	bucket := strings.TrimSpace(os.Getenv("BUILDTRACE_GCS_BUCKET"))
	if bucket == "" {
		return nil, fmt.Errorf("storage: missing env var BUILDTRACE_GCS_BUCKET")
	}
	cdn := strings.TrimSpace(os.Getenv("BUILDTRACE_CDN_DOMAIN"))

	ctx := context.Background()
	opts := gcp.ClientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}

	return &gcsStore{
		log:       log.With("service", "Store"),
		client:    client,
		bucket:    bucket,
		cdnDomain: cdn,
	}, nil
}

func (s *gcsStore) RawDrawingKey(drawingVersionID string) string {
	return fmt.Sprintf("drawings/%s/raw.pdf", drawingVersionID)
}

func (s *gcsStore) PageImageKey(drawingVersionID string, pageIndex int) string {
	return fmt.Sprintf("drawings/%s/pages/%s.png", drawingVersionID, strconv.Itoa(pageIndex))
}

func (s *gcsStore) OverlayKey(jobID, drawingName string) string {
	return fmt.Sprintf("jobs/%s/overlays/%s.png", jobID, sanitizeName(drawingName))
}

func (s *gcsStore) SummaryKey(jobID, drawingName string) string {
	return fmt.Sprintf("jobs/%s/summaries/%s.json", jobID, sanitizeName(drawingName))
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "untitled"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}

// Put writes data at key, overwriting any existing object (every key in
// this package is deterministic, so overwrite-on-retry is always correct).
func (s *gcsStore) Put(ctx context.Context, key string, data io.Reader, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("storage: write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: close writer for %q: %w", key, err)
	}
	return key, nil
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	if r.cancel != nil {
		r.cancel()
	}
	return err
}

func (s *gcsStore) Get(ctx context.Context, ref string) (io.ReadCloser, error) {
	ctx2, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := s.client.Bucket(s.bucket).Object(ref).NewReader(ctx2)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("storage: open reader for %q: %w", ref, err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

func (s *gcsStore) PublicURL(ref string) string {
	if s.cdnDomain != "" {
		return fmt.Sprintf("https://%s/%s", s.cdnDomain, ref)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", s.bucket, ref)
}
