package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jjudge-oj/authgate/config"
)

// ErrObjectNotFound is returned by Get when the key does not exist.
var ErrObjectNotFound = errors.New("storage: object not found")

// Attrs describes an object written with Put.
type Attrs struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStorage is the bucket-scoped subset of an object store the archive
// needs. Delete of a missing key succeeds.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, data []byte, attrs Attrs) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
	Close() error
}

// Open builds the backend selected by cfg.Backend and makes sure its bucket
// exists. It returns nil, nil when archiving is disabled.
func Open(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	var (
		backend ObjectStorage
		err     error
	)
	switch cfg.Backend {
	case "", config.BackendNone:
		return nil, nil
	case config.BackendMinio:
		backend, err = NewMinioStore(cfg.Minio)
	case config.BackendGCS:
		backend, err = NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: %s: %w", cfg.Backend, err)
	}

	if err := backend.EnsureBucket(ctx); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("storage: ensure bucket %s: %w", backend.Bucket(), err)
	}
	return backend, nil
}
