package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/pkg/logger"
	"gorm.io/gorm"
)

type AuditEntry struct {
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Details      map[string]interface{}
	IPAddress    string
	RequestID    string
}

// AuditService writes audit rows off the request path. A nil
// *AuditService drops every entry.
type AuditService struct {
	DB    *gorm.DB
	queue chan models.AuditLog

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAuditService(db *gorm.DB) *AuditService {
	s := &AuditService{
		DB:    db,
		queue: make(chan models.AuditLog, 1000),
		done:  make(chan struct{}),
	}
	go s.processQueue()
	return s
}

func (s *AuditService) LogAsync(entry AuditEntry) {
	if s == nil {
		return
	}

	row := models.AuditLog{
		UserID:       entry.UserID,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      entry.Details,
		IPAddress:    entry.IPAddress,
		RequestID:    entry.RequestID,
		CreatedAt:    time.Now().UTC(),
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.queue <- row:
	default:
		logger.Warn("audit_queue_full", map[string]interface{}{
			"action":  entry.Action,
			"dropped": true,
		})
	}
}

// Close stops accepting entries and waits until the queue is written out.
func (s *AuditService) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *AuditService) processQueue() {
	defer close(s.done)
	for row := range s.queue {
		if err := s.DB.Create(&row).Error; err != nil {
			logger.Error("audit_log_insert_failed", err, map[string]interface{}{
				"action": row.Action,
			})
		}
	}
}
