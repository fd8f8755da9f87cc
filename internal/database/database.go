package database

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/pkg/logger"
	"github.com/storageinator/backend/pkg/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open connects without touching the schema.
func Open(cfg config.DBConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.SQLitePath))
	case "postgres", "":
		dsn := fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host,
			cfg.Port,
			cfg.User,
			cfg.Password,
			cfg.Name,
			cfg.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	// TranslateError turns unique violations into gorm.ErrDuplicatedKey,
	// which the services report as conflicts.
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// sqliteDSN turns on foreign key enforcement, which SQLite leaves off for
// every new connection.
func sqliteDSN(path string) string {
	if strings.Contains(path, "_pragma=foreign_keys") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=foreign_keys(1)"
}

// Connect opens the database, migrates it and seeds the first admin.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	db, err := Open(cfg.DB)
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	if err := SeedAdminUser(db, cfg.Admin); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.User{},
		&models.Directory{},
		&models.PermissionGrant{},
		&models.File{},
		&models.AuditLog{},
	); err != nil {
		return err
	}

	if db.Dialector.Name() != "postgres" {
		return nil
	}

	constraint := `
DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1
    FROM pg_constraint
    WHERE conname = 'file_status_check'
  ) THEN
    ALTER TABLE files
    ADD CONSTRAINT file_status_check
    CHECK (
      (status = 'pending' AND confirmed_at IS NULL)
      OR
      (status = 'confirmed' AND sha256 IS NOT NULL AND confirmed_at IS NOT NULL)
    );
  END IF;
END $$;`

	return db.Exec(constraint).Error
}

// SeedAdminUser creates a super admin when the users table is empty.
func SeedAdminUser(db *gorm.DB, cfg config.AdminConfig) error {
	if cfg.Email == "" || cfg.Password == "" {
		return nil
	}

	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return err
	}

	if count > 0 {
		return nil
	}

	hash, err := utils.HashPassword(cfg.Password)
	if err != nil {
		return err
	}

	admin := models.User{
		Email:        cfg.Email,
		PasswordHash: hash,
		Role:         models.UserRoleSuperAdmin,
	}
	if err := db.Create(&admin).Error; err != nil {
		return err
	}

	logger.Info("admin_user_seeded", map[string]interface{}{
		"email": cfg.Email,
	})
	return nil
}
