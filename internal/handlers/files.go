package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/internal/services"
	"github.com/storageinator/backend/pkg/logger"
	"github.com/storageinator/backend/pkg/utils"
)

type FilesHandler struct {
	Files *services.FileService
	Audit *services.AuditService
}

func NewFilesHandler(files *services.FileService, audit *services.AuditService) *FilesHandler {
	return &FilesHandler{Files: files, Audit: audit}
}

type requestUploadRequest struct {
	DirectoryID string `json:"directoryID" validate:"required,uuid"`
	Filename    string `json:"filename" validate:"required,max=255"`
	ContentType string `json:"contentType" validate:"required"`
	Size        int64  `json:"size" validate:"gt=0"`
}

type uploadURLResponse struct {
	File      *models.File `json:"file"`
	UploadURL string       `json:"uploadURL"`
}

func (h *FilesHandler) RequestUpload(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req requestUploadRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}
	dirID, err := parseUUID(req.DirectoryID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid directoryID")
	}

	file, uploadURL, err := h.Files.RequestUpload(c.UserContext(), who, dirID, req.Filename, req.ContentType, req.Size)
	if err != nil {
		return respondError(c, err, "failed requesting upload")
	}

	audit(h.Audit, c, user, "file.upload_requested", "file", &file.ID, map[string]interface{}{
		"directory_id": dirID.String(),
		"file_name":    file.Filename,
		"file_size":    file.Size,
		"mime_type":    file.ContentType,
	})
	return utils.Success(c, fiber.StatusCreated, uploadURLResponse{File: file, UploadURL: uploadURL})
}

type confirmUploadRequest struct {
	SHA256 string `json:"sha256" validate:"required"`
}

func (h *FilesHandler) ConfirmUpload(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	var req confirmUploadRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	file, err := h.Files.ConfirmUpload(c.UserContext(), who, fileID, req.SHA256)
	if err != nil {
		return respondError(c, err, "failed confirming upload")
	}

	audit(h.Audit, c, user, "file.upload_confirmed", "file", &file.ID, map[string]interface{}{
		"directory_id": file.DirectoryID.String(),
		"file_size":    file.Size,
	})
	return utils.Success(c, fiber.StatusOK, file)
}

type downloadURLResponse struct {
	File        *models.File `json:"file"`
	DownloadURL string       `json:"downloadURL"`
}

func (h *FilesHandler) DownloadURL(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	downloadURL, file, err := h.Files.RequestDownload(c.UserContext(), who, fileID)
	if err != nil {
		return respondError(c, err, "failed generating download url")
	}

	audit(h.Audit, c, user, "file.download", "file", &file.ID, map[string]interface{}{
		"file_name": file.Filename,
	})
	return utils.Success(c, fiber.StatusOK, downloadURLResponse{File: file, DownloadURL: downloadURL})
}

type previewURLResponse struct {
	File       *models.File `json:"file"`
	PreviewURL string       `json:"previewURL"`
}

func (h *FilesHandler) PreviewURL(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	previewURL, file, err := h.Files.RequestPreview(c.UserContext(), who, fileID)
	if err != nil {
		return respondError(c, err, "failed generating preview url")
	}

	audit(h.Audit, c, user, "file.preview", "file", &file.ID, map[string]interface{}{
		"file_name": file.Filename,
	})
	return utils.Success(c, fiber.StatusOK, previewURLResponse{File: file, PreviewURL: previewURL})
}

func (h *FilesHandler) Get(c *fiber.Ctx) error {
	_, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	file, err := h.Files.Get(c.UserContext(), who, fileID)
	if err != nil {
		return respondError(c, err, "failed loading file")
	}
	return utils.Success(c, fiber.StatusOK, file)
}

func (h *FilesHandler) List(c *fiber.Ctx) error {
	_, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	dirID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid directory id")
	}

	files, err := h.Files.List(c.UserContext(), who, dirID)
	if err != nil {
		return respondError(c, err, "failed listing files")
	}
	return utils.Success(c, fiber.StatusOK, files)
}

type updateFileRequest struct {
	IsPublic *bool `json:"isPublic" validate:"required"`
}

func (h *FilesHandler) Update(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	var req updateFileRequest
	if ok, err := parseBody(c, &req); !ok {
		return err
	}

	file, err := h.Files.SetPublic(c.UserContext(), who, fileID, *req.IsPublic)
	if err != nil {
		return respondError(c, err, "failed updating file")
	}

	audit(h.Audit, c, user, "file.set_public", "file", &file.ID, map[string]interface{}{
		"is_public": file.IsPublic,
	})
	return utils.Success(c, fiber.StatusOK, file)
}

func (h *FilesHandler) Delete(c *fiber.Ctx) error {
	user, who, ok := currentIdentity(c)
	if !ok {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	if err := h.Files.Delete(c.UserContext(), who, fileID); err != nil {
		return respondError(c, err, "failed deleting file")
	}

	audit(h.Audit, c, user, "file.delete", "file", &fileID, nil)
	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "file deleted"})
}

// PublicDownload redirects anonymous callers to a presigned URL for a
// confirmed public file. Anything else looks like a missing file.
func (h *FilesHandler) PublicDownload(c *fiber.Ctx) error {
	fileID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid file id")
	}

	downloadURL, file, err := h.Files.PublicDownload(c.UserContext(), fileID)
	if err != nil {
		return respondError(c, err, "failed generating download url")
	}

	logger.Info("public_file_download", map[string]interface{}{
		"file_id": file.ID.String(),
		"ip":      c.IP(),
	})
	audit(h.Audit, c, nil, "file.public_download", "file", &file.ID, nil)
	return c.Redirect(downloadURL, fiber.StatusFound)
}
