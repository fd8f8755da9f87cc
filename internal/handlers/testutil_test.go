package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/internal/database"
	"github.com/storageinator/backend/internal/metrics"
	"github.com/storageinator/backend/internal/middleware"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/internal/services"
	"github.com/storageinator/backend/internal/storage"
	"github.com/storageinator/backend/pkg/logger"
	"github.com/storageinator/backend/pkg/utils"
	"gorm.io/gorm"
)

const testSHA256 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type testEnv struct {
	app     *fiber.App
	db      *gorm.DB
	gateway *storage.MemoryGateway
	files   *services.FileService
	metrics *metrics.Metrics
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		logger.SetOutput(io.Discard)
		utils.ConfigureJWT("test-secret", 24)
	})

	db, err := database.Open(config.DBConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed migrating models: %v", err)
	}

	m := metrics.New()
	gateway := storage.NewMemoryGateway("test-bucket", time.Hour)
	upload := config.UploadConfig{
		MaxSizeBytes:        10 * 1024 * 1024,
		AllowedContentTypes: []string{"image/*", "text/plain", "application/pdf"},
		PendingTTL:          time.Hour,
		ReapInterval:        time.Minute,
		VerifyOnConfirm:     true,
	}

	accessService := services.NewAccessService(db, m)
	directoryService := services.NewDirectoryService(db, accessService, gateway, config.DeletePolicyCascade)
	permissionService := services.NewPermissionService(db, accessService)
	fileService := services.NewFileService(db, accessService, gateway, upload)
	auditService := services.NewAuditService(db)
	t.Cleanup(auditService.Close)

	app := fiber.New()
	app.Use(recover.New())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	RegisterRoutes(app, db, middleware.NewAuthMiddleware(db), Handlers{
		Directories: NewDirectoriesHandler(directoryService, auditService),
		Permissions: NewPermissionsHandler(permissionService, auditService),
		Files:       NewFilesHandler(fileService, auditService),
		AuditLogs:   NewAuditHandler(db),
	}, m)

	return &testEnv{app: app, db: db, gateway: gateway, files: fileService, metrics: m}
}

func createTestUser(t *testing.T, db *gorm.DB, email string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword("password123")
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected object data, got %+v", body)
	}
	return data
}

// createDirectory creates a directory over HTTP and returns its id.
func createDirectory(t *testing.T, env *testEnv, token, name string, parentID string) string {
	t.Helper()
	payload := map[string]any{"name": name}
	if parentID != "" {
		payload["parentID"] = parentID
	}
	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/directories", payload, authHeaders(token))
	body := decodeJSONMap(t, resp)
	assertStatus(t, resp, http.StatusCreated)
	return dataMap(t, body)["id"].(string)
}

// uploadFile walks the request, store, confirm sequence and returns the
// confirmed file id.
func uploadFile(t *testing.T, env *testEnv, token, dirID, filename string, size int64) string {
	t.Helper()
	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/files/upload-url", map[string]any{
		"directoryID": dirID,
		"filename":    filename,
		"contentType": "text/plain",
		"size":        size,
	}, authHeaders(token))
	body := decodeJSONMap(t, resp)
	assertStatus(t, resp, http.StatusCreated)
	fileID := dataMap(t, body)["file"].(map[string]any)["id"].(string)

	var file models.File
	if err := env.db.First(&file, "id = ?", fileID).Error; err != nil {
		t.Fatalf("failed loading pending file: %v", err)
	}
	env.gateway.Put(file.StorageKey, size)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/files/"+fileID+"/confirm", map[string]any{
		"sha256": testSHA256,
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	return fileID
}
