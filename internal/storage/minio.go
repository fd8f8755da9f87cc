package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/pkg/logger"
)

type MinIOClient struct {
	client *minio.Client
	// publicClient signs URLs against the endpoint browsers can reach.
	publicClient *minio.Client
	bucket       string
	expiry       time.Duration
}

func NewMinIOClient(cfg config.StorageConfig) (*MinIOClient, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	m := &MinIOClient{
		client: client,
		bucket: cfg.Bucket,
		expiry: cfg.PresignExpiry,
	}

	if cfg.PublicEndpoint != "" && cfg.PublicEndpoint != cfg.Endpoint {
		publicURL, err := url.Parse(cfg.PublicEndpoint)
		if err != nil || publicURL.Host == "" {
			return nil, fmt.Errorf("invalid public endpoint %q", cfg.PublicEndpoint)
		}
		// Region must be set: presigning must not call out to the public host.
		m.publicClient, err = minio.New(publicURL.Host, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: publicURL.Scheme == "https",
			Region: cfg.Region,
		})
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *MinIOClient) signer() *minio.Client {
	if m.publicClient != nil {
		return m.publicClient
	}
	return m.client
}

func (m *MinIOClient) PresignedPutURL(ctx context.Context, key, contentType string, maxSize int64) (string, error) {
	headers := make(http.Header)
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}

	urlValue, err := m.signer().PresignHeader(ctx, http.MethodPut, m.bucket, key, m.expiry, nil, headers)
	if err != nil {
		logger.Error("minio_presign_put_failed", err, map[string]interface{}{
			"object_name": key,
			"bucket":      m.bucket,
			"max_size":    maxSize,
		})
		return "", err
	}
	return urlValue.String(), nil
}

func (m *MinIOClient) PresignedGetURL(ctx context.Context, key, filename string, disposition Disposition) (string, error) {
	query := make(url.Values)
	if header := disposition.header(filename); header != "" {
		query.Set("response-content-disposition", header)
	}

	urlValue, err := m.signer().PresignedGetObject(ctx, m.bucket, key, m.expiry, query)
	if err != nil {
		logger.Error("minio_presign_get_failed", err, map[string]interface{}{
			"object_name": key,
			"bucket":      m.bucket,
		})
		return "", err
	}
	return urlValue.String(), nil
}

func (m *MinIOClient) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		logger.Error("minio_delete_failed", err, map[string]interface{}{
			"object_name": key,
			"bucket":      m.bucket,
		})
	} else {
		logger.Info("minio_delete_success", map[string]interface{}{
			"object_name": key,
			"bucket":      m.bucket,
		})
	}
	return err
}

func (m *MinIOClient) StatSize(ctx context.Context, key string) (int64, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return 0, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
		}
		return 0, err
	}
	return info.Size, nil
}

func (m *MinIOClient) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed creating bucket %s: %w", m.bucket, err)
	}
	return nil
}
