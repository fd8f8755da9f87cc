package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/pkg/utils"
	"gorm.io/gorm"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type AuditHandler struct {
	DB *gorm.DB
}

func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{DB: db}
}

// List returns the newest audit rows, optionally narrowed by resourceType,
// resourceID, userID or action. Mounted behind AdminOnly.
func (h *AuditHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultAuditLimit)
	if limit <= 0 || limit > maxAuditLimit {
		return utils.Error(c, fiber.StatusBadRequest, "limit must be between 1 and 1000")
	}

	query := h.DB.WithContext(c.UserContext()).Model(&models.AuditLog{})
	if resourceType := strings.TrimSpace(c.Query("resourceType")); resourceType != "" {
		query = query.Where("resource_type = ?", resourceType)
	}
	if action := strings.TrimSpace(c.Query("action")); action != "" {
		query = query.Where("action = ?", action)
	}
	if raw := c.Query("resourceID"); raw != "" {
		id, err := parseUUID(raw)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid resourceID")
		}
		query = query.Where("resource_id = ?", id)
	}
	if raw := c.Query("userID"); raw != "" {
		id, err := parseUUID(raw)
		if err != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid userID")
		}
		query = query.Where("user_id = ?", id)
	}

	logs := []models.AuditLog{}
	if err := query.Order("created_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		return respondError(c, err, "failed loading audit logs")
	}
	return utils.Success(c, fiber.StatusOK, logs)
}
