package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/internal/metrics"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/internal/storage"
	"github.com/storageinator/backend/pkg/logger"
	"gorm.io/gorm"
)

const reapBatchSize = 500

// FileService owns file metadata and the upload state machine:
// pending -> confirmed, and either state -> deleted.
type FileService struct {
	DB      *gorm.DB
	Access  *AccessService
	Gateway storage.Gateway
	Upload  config.UploadConfig
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func NewFileService(db *gorm.DB, access *AccessService, gateway storage.Gateway, upload config.UploadConfig) *FileService {
	return &FileService{
		DB:      db,
		Access:  access,
		Gateway: gateway,
		Upload:  upload,
		Metrics: access.Metrics,
		Now:     time.Now,
	}
}

func (s *FileService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *FileService) find(ctx context.Context, id uuid.UUID) (*models.File, error) {
	var file models.File
	if err := s.DB.WithContext(ctx).First(&file, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("file not found")
		}
		return nil, fmt.Errorf("failed loading file: %w", err)
	}
	return &file, nil
}

// contentTypeAllowed matches the media type, parameters stripped, against
// the configured patterns (e.g. "image/*").
func (s *FileService) contentTypeAllowed(contentType string) (string, bool) {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", false
	}
	for _, pattern := range s.Upload.AllowedContentTypes {
		if ok, err := path.Match(strings.ToLower(pattern), mediaType); err == nil && ok {
			return mediaType, true
		}
	}
	return mediaType, false
}

func validateSHA256(value string) (string, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	if len(value) != 64 {
		return "", Validation("sha256 must be 64 hexadecimal characters")
	}
	if _, err := hex.DecodeString(value); err != nil {
		return "", Validation("sha256 must be 64 hexadecimal characters")
	}
	return value, nil
}

// RequestUpload records a pending file and returns a presigned PUT URL for
// its bytes.
func (s *FileService) RequestUpload(ctx context.Context, who Identity, dirID uuid.UUID, filename, contentType string, size int64) (*models.File, string, error) {
	filename, err := validateName("file", filename)
	if err != nil {
		return nil, "", err
	}
	if size <= 0 {
		return nil, "", Validation("size must be positive")
	}
	if size > s.Upload.MaxSizeBytes {
		return nil, "", Validation("file exceeds the maximum upload size of %d bytes", s.Upload.MaxSizeBytes)
	}
	mediaType, ok := s.contentTypeAllowed(contentType)
	if !ok {
		return nil, "", Validation("content type %q is not allowed", contentType)
	}

	if err := s.Access.CheckDirectory(ctx, who, dirID, models.ActionWrite); err != nil {
		return nil, "", err
	}

	file := &models.File{
		DirectoryID: dirID,
		Filename:    filename,
		ContentType: mediaType,
		Size:        size,
		OwnerID:     who.UserID,
		Status:      models.FileStatusPending,
	}
	file.ID = uuid.New()
	file.CreatedAt = s.now()
	file.StorageKey = storage.ObjectKey(dirID, file.ID, filename)

	if err := s.DB.WithContext(ctx).Create(file).Error; err != nil {
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return nil, "", NotFound("directory not found")
		}
		return nil, "", fmt.Errorf("failed creating file: %w", err)
	}

	putURL, err := s.Gateway.PresignedPutURL(ctx, file.StorageKey, mediaType, size)
	if err != nil {
		if delErr := s.DB.WithContext(ctx).Delete(&models.File{}, "id = ?", file.ID).Error; delErr != nil {
			logger.Error("pending_file_cleanup_failed", delErr, map[string]interface{}{
				"file_id": file.ID.String(),
			})
		}
		return nil, "", fmt.Errorf("failed issuing upload url: %w", err)
	}

	s.Metrics.RecordUploadTransition(string(models.FileStatusPending))
	logger.InfoWithUser(who.UserID.String(), "upload_requested", map[string]interface{}{
		"file_id":      file.ID.String(),
		"directory_id": dirID.String(),
		"size":         size,
		"content_type": mediaType,
	})
	return file, putURL, nil
}

// ConfirmUpload moves a pending file to confirmed. The requester may always
// confirm; anyone else needs write on the directory as it stands now. The
// digest is checked only once the file is known to be confirmable.
func (s *FileService) ConfirmUpload(ctx context.Context, who Identity, fileID uuid.UUID, sha256 string) (*models.File, error) {
	file, err := s.find(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != who.UserID {
		if err := s.Access.CheckDirectory(ctx, who, file.DirectoryID, models.ActionWrite); err != nil {
			return nil, err
		}
	}
	if file.Confirmed() {
		return nil, Conflict("file is already confirmed")
	}
	sum, err := validateSHA256(sha256)
	if err != nil {
		return nil, err
	}

	if s.Upload.VerifyOnConfirm {
		stored, err := s.Gateway.StatSize(ctx, file.StorageKey)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotFound) {
				return nil, NotFound("uploaded object not found")
			}
			return nil, fmt.Errorf("failed checking uploaded object: %w", err)
		}
		if stored != file.Size {
			logger.WarnWithUser(who.UserID.String(), "upload_size_mismatch", map[string]interface{}{
				"file_id":  file.ID.String(),
				"declared": file.Size,
				"stored":   stored,
			})
			return nil, IntegrityMismatch("uploaded object is %d bytes, expected %d", stored, file.Size)
		}
	}

	now := s.now()
	result := s.DB.WithContext(ctx).Model(&models.File{}).
		Where("id = ? AND status = ?", file.ID, models.FileStatusPending).
		Updates(map[string]interface{}{
			"status":       models.FileStatusConfirmed,
			"sha256":       sum,
			"confirmed_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed confirming file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost a race: either confirmed or deleted in between.
		if _, err := s.find(ctx, file.ID); err != nil {
			return nil, err
		}
		return nil, Conflict("file is already confirmed")
	}

	s.Metrics.RecordUploadTransition(string(models.FileStatusConfirmed))
	logger.InfoWithUser(who.UserID.String(), "upload_confirmed", map[string]interface{}{
		"file_id":      file.ID.String(),
		"directory_id": file.DirectoryID.String(),
	})
	return s.find(ctx, file.ID)
}

// RequestDownload returns a presigned GET URL that saves the file. Pending
// files do not exist as far as downloads are concerned.
func (s *FileService) RequestDownload(ctx context.Context, who Identity, fileID uuid.UUID) (string, *models.File, error) {
	return s.presignRead(ctx, who, fileID, storage.DispositionAttachment)
}

// RequestPreview is RequestDownload with an inline disposition, so browsers
// render the file instead of saving it.
func (s *FileService) RequestPreview(ctx context.Context, who Identity, fileID uuid.UUID) (string, *models.File, error) {
	return s.presignRead(ctx, who, fileID, storage.DispositionInline)
}

func (s *FileService) presignRead(ctx context.Context, who Identity, fileID uuid.UUID, disposition storage.Disposition) (string, *models.File, error) {
	file, err := s.find(ctx, fileID)
	if err != nil {
		return "", nil, err
	}
	if !file.Confirmed() {
		return "", nil, NotFound("file not found")
	}
	if err := s.Access.CheckFile(ctx, who, file, models.ActionRead); err != nil {
		return "", nil, err
	}

	getURL, err := s.Gateway.PresignedGetURL(ctx, file.StorageKey, file.Filename, disposition)
	if err != nil {
		return "", nil, fmt.Errorf("failed issuing %s url: %w", disposition, err)
	}
	return getURL, file, nil
}

// PublicDownload serves anonymous callers: confirmed public files only.
func (s *FileService) PublicDownload(ctx context.Context, fileID uuid.UUID) (string, *models.File, error) {
	file, err := s.find(ctx, fileID)
	if err != nil {
		return "", nil, err
	}
	if !file.Confirmed() || !file.IsPublic {
		return "", nil, NotFound("file not found")
	}

	getURL, err := s.Gateway.PresignedGetURL(ctx, file.StorageKey, file.Filename, storage.DispositionAttachment)
	if err != nil {
		return "", nil, fmt.Errorf("failed issuing download url: %w", err)
	}
	return getURL, file, nil
}

// Get returns file metadata. A pending file is visible to its requester
// only.
func (s *FileService) Get(ctx context.Context, who Identity, fileID uuid.UUID) (*models.File, error) {
	file, err := s.find(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !file.Confirmed() && file.OwnerID != who.UserID {
		return nil, NotFound("file not found")
	}
	if err := s.Access.CheckFile(ctx, who, file, models.ActionRead); err != nil {
		return nil, err
	}
	return file, nil
}

// List returns the confirmed files of a directory ordered by name.
func (s *FileService) List(ctx context.Context, who Identity, dirID uuid.UUID) ([]models.File, error) {
	if err := s.Access.CheckDirectory(ctx, who, dirID, models.ActionRead); err != nil {
		return nil, err
	}

	files := []models.File{}
	if err := s.DB.WithContext(ctx).
		Where("directory_id = ? AND status = ?", dirID, models.FileStatusConfirmed).
		Order("filename ASC").Order("id ASC").
		Find(&files).Error; err != nil {
		return nil, fmt.Errorf("failed listing files: %w", err)
	}
	return files, nil
}

func (s *FileService) SetPublic(ctx context.Context, who Identity, fileID uuid.UUID, isPublic bool) (*models.File, error) {
	file, err := s.find(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != who.UserID {
		if err := s.Access.CheckManage(ctx, who, file.DirectoryID); err != nil {
			return nil, err
		}
	}

	if file.IsPublic != isPublic {
		if err := s.DB.WithContext(ctx).Model(&models.File{}).Where("id = ?", file.ID).
			Update("is_public", isPublic).Error; err != nil {
			return nil, fmt.Errorf("failed updating file: %w", err)
		}
		logger.InfoWithUser(who.UserID.String(), "file_visibility_changed", map[string]interface{}{
			"file_id":   file.ID.String(),
			"is_public": isPublic,
		})
	}
	return s.find(ctx, file.ID)
}

// Delete removes the row, then asks the store to drop the bytes. A store
// failure leaves an orphaned object and is only logged.
func (s *FileService) Delete(ctx context.Context, who Identity, fileID uuid.UUID) error {
	file, err := s.find(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.Access.CheckFile(ctx, who, file, models.ActionDelete); err != nil {
		return err
	}

	result := s.DB.WithContext(ctx).Delete(&models.File{}, "id = ?", file.ID)
	if result.Error != nil {
		return fmt.Errorf("failed deleting file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return NotFound("file not found")
	}

	s.deleteObject(ctx, file)
	s.Metrics.RecordUploadTransition("deleted")
	logger.InfoWithUser(who.UserID.String(), "file_deleted", map[string]interface{}{
		"file_id":      file.ID.String(),
		"directory_id": file.DirectoryID.String(),
		"status":       string(file.Status),
	})
	return nil
}

func (s *FileService) deleteObject(ctx context.Context, file *models.File) {
	if err := s.Gateway.Delete(ctx, file.StorageKey); err != nil {
		s.Metrics.RecordObjectDeleteFailure()
		logger.Warn("object_delete_failed", map[string]interface{}{
			"file_id":     file.ID.String(),
			"storage_key": file.StorageKey,
			"error":       err.Error(),
		})
	}
}

// ReapExpired removes pending uploads created before now minus the pending
// TTL and returns how many rows it removed. Each row is deleted only while
// still pending, so a confirm racing the reaper wins.
func (s *FileService) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-s.Upload.PendingTTL)
	reaped := 0

	for {
		var expired []models.File
		if err := s.DB.WithContext(ctx).
			Where("status = ? AND created_at < ?", models.FileStatusPending, cutoff).
			Order("created_at ASC").
			Limit(reapBatchSize).
			Find(&expired).Error; err != nil {
			return reaped, fmt.Errorf("failed listing expired uploads: %w", err)
		}

		batchRemoved := 0
		for i := range expired {
			if err := ctx.Err(); err != nil {
				return reaped, err
			}
			result := s.DB.WithContext(ctx).
				Where("id = ? AND status = ?", expired[i].ID, models.FileStatusPending).
				Delete(&models.File{})
			if result.Error != nil {
				return reaped, fmt.Errorf("failed reaping upload %s: %w", expired[i].ID, result.Error)
			}
			if result.RowsAffected == 0 {
				continue
			}
			batchRemoved++
			s.deleteObject(ctx, &expired[i])
		}
		reaped += batchRemoved

		if len(expired) < reapBatchSize || batchRemoved == 0 {
			break
		}
	}

	if reaped > 0 {
		s.Metrics.RecordReaped(reaped)
		logger.Info("uploads_reaped", map[string]interface{}{
			"count":  reaped,
			"cutoff": cutoff.Format(time.RFC3339),
		})
	}
	return reaped, nil
}
