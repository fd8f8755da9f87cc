package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// MemoryGateway keeps object sizes in a map and hands out memory:// URLs.
// It backs STORAGE_DRIVER=memory and the test suites.
type MemoryGateway struct {
	mu      sync.Mutex
	bucket  string
	expiry  time.Duration
	objects map[string]int64
	deleted []string

	// FailDeletes makes Delete return an error without removing anything.
	FailDeletes bool
}

func NewMemoryGateway(bucket string, expiry time.Duration) *MemoryGateway {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &MemoryGateway{
		bucket:  bucket,
		expiry:  expiry,
		objects: make(map[string]int64),
	}
}

// Put stands in for a client uploading bytes through a presigned URL.
func (m *MemoryGateway) Put(key string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = size
}

func (m *MemoryGateway) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// Deleted lists every key Delete was asked to remove, in call order.
func (m *MemoryGateway) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

func (m *MemoryGateway) presign(method, key string, extra url.Values) string {
	query := url.Values{}
	query.Set("method", method)
	query.Set("expires", time.Now().Add(m.expiry).UTC().Format(time.RFC3339))
	for k, v := range extra {
		query[k] = v
	}
	u := url.URL{
		Scheme:   "memory",
		Host:     m.bucket,
		Path:     "/" + key,
		RawQuery: query.Encode(),
	}
	return u.String()
}

func (m *MemoryGateway) PresignedPutURL(_ context.Context, key, contentType string, maxSize int64) (string, error) {
	if key == "" {
		return "", errors.New("empty object key")
	}
	extra := url.Values{}
	extra.Set("content-type", contentType)
	extra.Set("max-size", fmt.Sprintf("%d", maxSize))
	return m.presign("PUT", key, extra), nil
}

func (m *MemoryGateway) PresignedGetURL(_ context.Context, key, filename string, disposition Disposition) (string, error) {
	if key == "" {
		return "", errors.New("empty object key")
	}
	extra := url.Values{}
	if header := disposition.header(filename); header != "" {
		extra.Set("response-content-disposition", header)
	}
	return m.presign("GET", key, extra), nil
}

func (m *MemoryGateway) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	if m.FailDeletes {
		return fmt.Errorf("delete %s: store unavailable", key)
	}
	delete(m.objects, key)
	return nil
}

func (m *MemoryGateway) StatSize(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	size, ok := m.objects[key]
	if !ok {
		return 0, fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return size, nil
}
