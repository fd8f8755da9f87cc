package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"github.com/storageinator/backend/internal/database"
	"github.com/storageinator/backend/internal/handlers"
	"github.com/storageinator/backend/internal/middleware"
	"github.com/storageinator/backend/internal/services"
	"github.com/storageinator/backend/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the upload reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}

	st, err := buildStack(ctx, cfg, db)
	if err != nil {
		return fmt.Errorf("storage initialization failed: %w", err)
	}

	auditService := services.NewAuditService(db)
	defer auditService.Close()

	reaperCtx, stopReaper := context.WithCancel(ctx)
	reaperDone := services.NewUploadReaper(st.files, cfg.Upload.ReapInterval).Start(reaperCtx)
	defer func() {
		stopReaper()
		<-reaperDone
	}()

	app := fiber.New(fiber.Config{BodyLimit: cfg.Server.BodyLimitBytes})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	handlers.RegisterRoutes(app, db, middleware.NewAuthMiddleware(db), handlers.Handlers{
		Directories: handlers.NewDirectoriesHandler(st.directories, auditService),
		Permissions: handlers.NewPermissionsHandler(st.permissions, auditService),
		Files:       handlers.NewFilesHandler(st.files, auditService),
		AuditLogs:   handlers.NewAuditHandler(db),
	}, st.metrics)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	logger.Info("server_starting", map[string]interface{}{
		"port":           cfg.Server.Port,
		"address":        listenAddr,
		"storage_driver": cfg.Storage.Driver,
		"delete_policy":  string(cfg.Directory.DeletePolicy),
		"metrics":        cfg.Metrics.Enabled,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("server_shutting_down", map[string]interface{}{
			"reason": context.Cause(ctx).Error(),
		})
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("server_shutdown_failed", err, nil)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	}
}
