package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"

	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/config"
)

// ErrObjectNotFound is returned by StatSize when the object was never
// written or has already been removed.
var ErrObjectNotFound = errors.New("object not found")

// Gateway issues time-limited URLs against the object store. Bytes never
// pass through this process.
type Gateway interface {
	PresignedPutURL(ctx context.Context, key, contentType string, maxSize int64) (string, error)
	PresignedGetURL(ctx context.Context, key, filename string, disposition Disposition) (string, error)
	// Delete is best-effort; callers log failures and move on.
	Delete(ctx context.Context, key string) error
	StatSize(ctx context.Context, key string) (int64, error)
}

// ObjectKey is the deterministic location of a file's bytes.
func ObjectKey(directoryID, fileID uuid.UUID, filename string) string {
	return fmt.Sprintf("%s/%s/%s", directoryID, fileID, filename)
}

// Disposition tells the browser whether to save a download or render it.
type Disposition string

const (
	DispositionAttachment Disposition = "attachment"
	DispositionInline     Disposition = "inline"
)

// header renders the response-content-disposition override. An empty
// filename with an attachment leaves the store's default alone.
func (d Disposition) header(filename string) string {
	if d == "" {
		d = DispositionAttachment
	}
	if filename == "" {
		if d == DispositionInline {
			return string(d)
		}
		return ""
	}
	return mime.FormatMediaType(string(d), map[string]string{"filename": filename})
}

// New builds the gateway named by cfg.Driver. Network-backed drivers also
// create the bucket when it is missing.
func New(ctx context.Context, cfg config.StorageConfig) (Gateway, error) {
	switch cfg.Driver {
	case "minio", "":
		client, err := NewMinIOClient(cfg)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed ensuring bucket %s: %w", cfg.Bucket, err)
		}
		return client, nil
	case "s3":
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return nil, fmt.Errorf("failed ensuring bucket %s: %w", cfg.Bucket, err)
		}
		return client, nil
	case "memory":
		return NewMemoryGateway(cfg.Bucket, cfg.PresignExpiry), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}
