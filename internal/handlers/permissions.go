package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/storageinator/backend/internal/services"
	"github.com/storageinator/backend/pkg/utils"
)

type PermissionsHandler struct {
	Permissions *services.PermissionService
	Audit       *services.AuditService
}

func NewPermissionsHandler(perms *services.PermissionService, audit *services.AuditService) *PermissionsHandler {
	return &PermissionsHandler{Permissions: perms, Audit: audit}
}

type grantPermissionRequest struct {
	UserID      string   `json:"userID" validate:"required,uuid"`
	Permissions []string `json:"permissions" validate:"dive,required"`
}

// Grant sets the full permission set for a user on a directory. An empty
// list removes the grant, and the response data is then null.
func (h *PermissionsHandler) Grant(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	dirID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid directory id")
	}

	var req grantPermissionRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	granteeID, err := parseUUID(req.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid userID")
	}

	grant, err := h.Permissions.Grant(c.UserContext(), who, dirID, granteeID, req.Permissions)
	if err != nil {
		return respondError(c, err, "failed granting permission")
	}

	action := "permission.grant"
	details := map[string]interface{}{
		"user_id": granteeID.String(),
	}
	if grant == nil {
		action = "permission.revoke"
	} else {
		details["permissions"] = grant.Permissions.Strings()
	}
	audit(h.Audit, c, user, action, "directory", &dirID, details)

	return utils.Success(c, fiber.StatusOK, grant)
}

func (h *PermissionsHandler) Revoke(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	dirID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid directory id")
	}
	granteeID, err := parseUUID(c.Params("userId"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	if err := h.Permissions.Revoke(c.UserContext(), who, dirID, granteeID); err != nil {
		return respondError(c, err, "failed revoking permission")
	}

	audit(h.Audit, c, user, "permission.revoke", "directory", &dirID, map[string]interface{}{
		"user_id": granteeID.String(),
	})
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "permission revoked"})
}

func (h *PermissionsHandler) List(c *fiber.Ctx) error {
	_, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	dirID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid directory id")
	}

	grants, err := h.Permissions.List(c.UserContext(), who, dirID)
	if err != nil {
		return respondError(c, err, "failed listing permissions")
	}
	return utils.Success(c, fiber.StatusOK, grants)
}

// Effective reports what the caller may do on a directory after ownership,
// role and inheritance are applied.
func (h *PermissionsHandler) Effective(c *fiber.Ctx) error {
	_, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	dirID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid directory id")
	}

	set, err := h.Permissions.Effective(c.UserContext(), who, dirID)
	if err != nil {
		return respondError(c, err, "failed resolving permissions")
	}
	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"directoryID": dirID,
		"permissions": set.Strings(),
	})
}
