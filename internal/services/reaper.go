package services

import (
	"context"
	"time"

	"github.com/storageinator/backend/pkg/logger"
)

// UploadReaper periodically removes pending uploads that outlived their TTL.
type UploadReaper struct {
	Files    *FileService
	Interval time.Duration
}

func NewUploadReaper(files *FileService, interval time.Duration) *UploadReaper {
	return &UploadReaper{Files: files, Interval: interval}
}

func (r *UploadReaper) RunOnce(ctx context.Context) (int, error) {
	return r.Files.ReapExpired(ctx, r.Files.now())
}

// Start runs the reaper in a goroutine until ctx is cancelled. The returned
// channel is closed once the goroutine has exited.
func (r *UploadReaper) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	interval := r.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					logger.Error("upload_reaper_failed", err, nil)
				}
			}
		}
	}()

	logger.Info("upload_reaper_started", map[string]interface{}{
		"interval": interval.String(),
		"ttl":      r.Files.Upload.PendingTTL.String(),
	})
	return done
}
