package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// ArtifactExporter writes end-of-run artifacts to cold storage: session
// reports, replay scenario reports, and trade journal dumps.
type ArtifactExporter interface {
	Export(ctx context.Context, report SessionReport) (path string, err error)
	ExportScenario(ctx context.Context, runID string, doc any) (path string, err error)
	ExportJournal(ctx context.Context, runID string) (path string, count int, err error)
}
