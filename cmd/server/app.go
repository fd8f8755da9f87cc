package main

import (
	"context"

	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/internal/metrics"
	"github.com/storageinator/backend/internal/services"
	"github.com/storageinator/backend/internal/storage"
	"gorm.io/gorm"
)

// stack is the set of services every command builds from one config.
type stack struct {
	metrics     *metrics.Metrics
	gateway     storage.Gateway
	access      *services.AccessService
	directories *services.DirectoryService
	permissions *services.PermissionService
	files       *services.FileService
}

func buildStack(ctx context.Context, cfg *config.Config, db *gorm.DB) (*stack, error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	gateway, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	access := services.NewAccessService(db, m)
	return &stack{
		metrics:     m,
		gateway:     gateway,
		access:      access,
		directories: services.NewDirectoryService(db, access, gateway, cfg.Directory.DeletePolicy),
		permissions: services.NewPermissionService(db, access),
		files:       services.NewFileService(db, access, gateway, cfg.Upload),
	}, nil
}
