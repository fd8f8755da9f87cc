package services

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/internal/database"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/internal/storage"
	"github.com/storageinator/backend/pkg/logger"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var validSHA = strings.Repeat("ab", 32)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	ctx      context.Context
	db       *gorm.DB
	gateway  *storage.MemoryGateway
	access   *AccessService
	dirs     *DirectoryService
	perms    *PermissionService
	files    *FileService
	clock    *testClock
	resolver *PermissionResolver
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	logger.SetOutput(io.Discard)

	db, err := database.Open(config.DBConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	require.NoError(t, err, "failed opening in-memory sqlite database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		MaxSizeBytes:        10 * 1024 * 1024,
		AllowedContentTypes: []string{"image/*", "text/plain", "application/pdf"},
		PendingTTL:          time.Hour,
		ReapInterval:        time.Minute,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	gateway := storage.NewMemoryGateway("test-bucket", time.Hour)
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	access := NewAccessService(db, nil)
	perms := NewPermissionService(db, access)
	perms.Now = clock.Now
	files := NewFileService(db, access, gateway, testUploadConfig())
	files.Now = clock.Now

	return &fixture{
		ctx:      context.Background(),
		db:       db,
		gateway:  gateway,
		access:   access,
		dirs:     NewDirectoryService(db, access, gateway, config.DeletePolicyCascade),
		perms:    perms,
		files:    files,
		clock:    clock,
		resolver: access.Resolver,
	}
}

func (f *fixture) user(t *testing.T, name string, role models.UserRole) Identity {
	t.Helper()
	u := &models.User{
		Email:        name + "@test.com",
		PasswordHash: "hash",
		Role:         role,
	}
	require.NoError(t, f.db.Create(u).Error, "failed creating user %s", name)
	return IdentityFor(u)
}

func (f *fixture) mkdir(t *testing.T, who Identity, parent *models.Directory, name string) *models.Directory {
	t.Helper()
	var parentID *uuid.UUID
	if parent != nil {
		parentID = &parent.ID
	}
	dir, err := f.dirs.Create(f.ctx, who, parentID, name, false)
	require.NoError(t, err, "failed creating directory %s", name)
	return dir
}

func (f *fixture) grant(t *testing.T, who Identity, dir *models.Directory, to Identity, actions ...string) {
	t.Helper()
	_, err := f.perms.Grant(f.ctx, who, dir.ID, to.UserID, actions)
	require.NoError(t, err, "failed granting %v", actions)
}

// upload runs request + simulated PUT + confirm and returns the confirmed file.
func (f *fixture) upload(t *testing.T, who Identity, dir *models.Directory, name string) *models.File {
	t.Helper()
	file, _, err := f.files.RequestUpload(f.ctx, who, dir.ID, name, "text/plain", 5)
	require.NoError(t, err)
	f.gateway.Put(file.StorageKey, 5)
	confirmed, err := f.files.ConfirmUpload(f.ctx, who, file.ID, validSHA)
	require.NoError(t, err)
	return confirmed
}

func requireKind(t *testing.T, err error, kind ErrorKind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}

func requireForbidden(t *testing.T, err error, action models.Action) {
	t.Helper()
	requireKind(t, err, KindForbidden)
	require.Equal(t, action, DeniedAction(err))
}
