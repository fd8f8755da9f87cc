package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/storageinator/backend/internal/metrics"
	"github.com/storageinator/backend/internal/middleware"
	"github.com/storageinator/backend/pkg/utils"
	"gorm.io/gorm"
)

type Handlers struct {
	Directories *DirectoriesHandler
	Permissions *PermissionsHandler
	Files       *FilesHandler
	AuditLogs   *AuditHandler
}

type HealthHandler struct {
	DB *gorm.DB
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	sqlDB, err := h.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.UserContext())
	}
	if err != nil {
		return utils.Error(c, fiber.StatusServiceUnavailable, "database unavailable")
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// RegisterRoutes mounts the API on app. A nil m leaves /metrics unmounted.
func RegisterRoutes(app *fiber.App, db *gorm.DB, auth *middleware.AuthMiddleware, h Handlers, m *metrics.Metrics) {
	health := &HealthHandler{DB: db}
	app.Get("/health", health.Health)
	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}

	api := app.Group("/api")

	public := api.Group("/public")
	public.Get("/files/:id", h.Files.PublicDownload)

	directories := api.Group("/directories", auth.RequireAuth)
	directories.Post("/", h.Directories.Create)
	directories.Get("/", h.Directories.ListTree)
	directories.Get("/:id", h.Directories.Get)
	directories.Patch("/:id", h.Directories.Update)
	directories.Delete("/:id", h.Directories.Delete)
	directories.Get("/:id/files", h.Files.List)
	directories.Get("/:id/permissions", h.Permissions.List)
	directories.Post("/:id/permissions", h.Permissions.Grant)
	directories.Delete("/:id/permissions/:userId", h.Permissions.Revoke)
	directories.Get("/:id/effective-permissions", h.Permissions.Effective)

	files := api.Group("/files", auth.RequireAuth)
	files.Post("/upload-url", h.Files.RequestUpload)
	files.Post("/:id/confirm", h.Files.ConfirmUpload)
	files.Get("/:id/download-url", h.Files.DownloadURL)
	files.Get("/:id/preview-url", h.Files.PreviewURL)
	files.Get("/:id", h.Files.Get)
	files.Patch("/:id", h.Files.Update)
	files.Delete("/:id", h.Files.Delete)

	if h.AuditLogs != nil {
		auditLogs := api.Group("/audit-logs", auth.RequireAuth, middleware.AdminOnly)
		auditLogs.Get("/", h.AuditLogs.List)
	}
}
