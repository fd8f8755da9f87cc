package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/storageinator/backend/internal/services"
	"github.com/storageinator/backend/pkg/utils"
)

type DirectoriesHandler struct {
	Directories *services.DirectoryService
	Audit       *services.AuditService
}

func NewDirectoriesHandler(dirs *services.DirectoryService, audit *services.AuditService) *DirectoriesHandler {
	return &DirectoriesHandler{Directories: dirs, Audit: audit}
}

type createDirectoryRequest struct {
	Name     string  `json:"name" validate:"required,max=255"`
	ParentID *string `json:"parentID" validate:"omitempty,uuid"`
	IsPublic bool    `json:"isPublic"`
}

func (h *DirectoriesHandler) Create(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req createDirectoryRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	parentID, err := parseOptionalUUID(req.ParentID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid parentID")
	}

	dir, err := h.Directories.Create(c.UserContext(), who, parentID, req.Name, req.IsPublic)
	if err != nil {
		return respondError(c, err, "failed creating directory")
	}

	details := map[string]interface{}{
		"name":      dir.Name,
		"path":      dir.Path,
		"is_public": dir.IsPublic,
	}
	if parentID != nil {
		details["parent_id"] = parentID.String()
	}
	audit(h.Audit, c, user, "directory.create", "directory", &dir.ID, details)

	return utils.Success(c, fiber.StatusCreated, dir)
}

func (h *DirectoriesHandler) ListTree(c *fiber.Ctx) error {
	_, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	tree, err := h.Directories.ListTree(c.UserContext(), who)
	if err != nil {
		return respondError(c, err, "failed listing directories")
	}
	return utils.Success(c, fiber.StatusOK, tree)
}

func (h *DirectoriesHandler) Get(c *fiber.Ctx) error {
	_, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	dirID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid directory id")
	}

	dir, err := h.Directories.Get(c.UserContext(), who, dirID)
	if err != nil {
		return respondError(c, err, "failed loading directory")
	}
	return utils.Success(c, fiber.StatusOK, dir)
}

// updateDirectoryRequest applies whichever fields are present. An empty
// parentID moves the directory to the caller's root level.
type updateDirectoryRequest struct {
	Name     *string `json:"name" validate:"omitempty,max=255"`
	IsPublic *bool   `json:"isPublic"`
	ParentID *string `json:"parentID"`
}

func (h *DirectoriesHandler) Update(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	dirID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid directory id")
	}

	var req updateDirectoryRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	if req.Name == nil && req.IsPublic == nil && req.ParentID == nil {
		return utils.Error(c, fiber.StatusBadRequest, "nothing to update")
	}

	ctx := c.UserContext()
	dir, err := h.Directories.Get(ctx, who, dirID)
	if err != nil {
		return respondError(c, err, "failed loading directory")
	}

	if req.Name != nil {
		previous := dir.Path
		if dir, err = h.Directories.Rename(ctx, who, dirID, *req.Name); err != nil {
			return respondError(c, err, "failed renaming directory")
		}
		audit(h.Audit, c, user, "directory.rename", "directory", &dir.ID, map[string]interface{}{
			"old_path": previous,
			"new_path": dir.Path,
		})
	}

	if req.ParentID != nil {
		newParentID, parseErr := parseOptionalUUID(req.ParentID)
		if parseErr != nil {
			return utils.Error(c, fiber.StatusBadRequest, "invalid parentID")
		}
		previous := dir.Path
		if dir, err = h.Directories.Move(ctx, who, dirID, newParentID); err != nil {
			return respondError(c, err, "failed moving directory")
		}
		details := map[string]interface{}{
			"old_path": previous,
			"new_path": dir.Path,
		}
		if newParentID != nil {
			details["parent_id"] = newParentID.String()
		}
		audit(h.Audit, c, user, "directory.move", "directory", &dir.ID, details)
	}

	if req.IsPublic != nil {
		if dir, err = h.Directories.SetPublic(ctx, who, dirID, *req.IsPublic); err != nil {
			return respondError(c, err, "failed updating directory visibility")
		}
		audit(h.Audit, c, user, "directory.set_public", "directory", &dir.ID, map[string]interface{}{
			"is_public": dir.IsPublic,
		})
	}

	return utils.Success(c, fiber.StatusOK, dir)
}

func (h *DirectoriesHandler) Delete(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	dirID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid directory id")
	}

	if err := h.Directories.Delete(c.UserContext(), who, dirID); err != nil {
		return respondError(c, err, "failed deleting directory")
	}

	audit(h.Audit, c, user, "directory.delete", "directory", &dirID, nil)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "directory deleted"})
}
