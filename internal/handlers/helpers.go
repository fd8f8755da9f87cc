package handlers

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/middleware"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/internal/services"
	"github.com/storageinator/backend/pkg/logger"
	"github.com/storageinator/backend/pkg/utils"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

// parseOptionalUUID treats a missing or blank value as "no id".
func parseOptionalUUID(value *string) (*uuid.UUID, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	parsed, err := parseUUID(*value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

var requestValidator = newRequestValidator()

func newRequestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// parseBody decodes and validates a JSON body. On failure it has already
// written the 400 response and returns ok=false.
func parseBody(c *fiber.Ctx, req interface{}) (bool, error) {
	if err := c.BodyParser(req); err != nil {
		return false, utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := requestValidator.Struct(req); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			e := validationErrs[0]
			return false, utils.Error(c, fiber.StatusBadRequest, e.Field()+" is invalid ("+e.Tag()+")")
		}
		return false, utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	return true, nil
}

func currentIdentity(c *fiber.Ctx) (*models.User, services.Identity, bool) {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return nil, services.Identity{}, false
	}
	return user, services.IdentityFor(user), true
}

// respondError maps domain errors onto status codes. Anything else is an
// internal failure, logged and reported with the fallback message.
func respondError(c *fiber.Ctx, err error, fallback string) error {
	var svcErr *services.Error
	if !errors.As(err, &svcErr) {
		details := map[string]interface{}{
			"path":       c.Path(),
			"method":     c.Method(),
			"request_id": getRequestID(c),
		}
		if userID := logger.GetUserIDFromContext(c); userID != nil {
			logger.ErrorWithUser(*userID, "request_failed", err, details)
		} else {
			logger.Error("request_failed", err, details)
		}
		return utils.Error(c, fiber.StatusInternalServerError, fallback)
	}

	switch svcErr.Kind {
	case services.KindNotFound:
		return utils.Error(c, fiber.StatusNotFound, svcErr.Message)
	case services.KindForbidden:
		return utils.ErrorWithCode(c, fiber.StatusForbidden, svcErr.Error(), string(svcErr.Action))
	case services.KindConflict:
		return utils.Error(c, fiber.StatusConflict, svcErr.Message)
	case services.KindValidation:
		return utils.Error(c, fiber.StatusBadRequest, svcErr.Message)
	case services.KindIntegrityMismatch:
		return utils.Error(c, fiber.StatusUnprocessableEntity, svcErr.Message)
	default:
		return utils.Error(c, fiber.StatusInternalServerError, fallback)
	}
}

func getRequestID(c *fiber.Ctx) string {
	return middleware.GetRequestID(c)
}

func audit(s *services.AuditService, c *fiber.Ctx, user *models.User, action, resourceType string, resourceID *uuid.UUID, details map[string]interface{}) {
	var userID *uuid.UUID
	if user != nil {
		id := user.ID
		userID = &id
	}
	s.LogAsync(services.AuditEntry{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})
}
