package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/pkg/logger"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PermissionService struct {
	DB     *gorm.DB
	Access *AccessService
	Now    func() time.Time
}

func NewPermissionService(db *gorm.DB, access *AccessService) *PermissionService {
	return &PermissionService{DB: db, Access: access, Now: time.Now}
}

// Grant replaces whatever userID held on dirID with actions. An empty set
// removes the grant.
func (s *PermissionService) Grant(ctx context.Context, who Identity, dirID, userID uuid.UUID, actions []string) (*models.PermissionGrant, error) {
	set, err := models.ParsePermissionSet(actions)
	if err != nil {
		return nil, Validation("%s", err.Error())
	}
	if userID == who.UserID {
		return nil, Validation("cannot change your own permissions")
	}

	if err := s.Access.CheckManage(ctx, who, dirID); err != nil {
		return nil, err
	}

	var grantee models.User
	if err := s.DB.WithContext(ctx).Select("id").First(&grantee, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("user not found")
		}
		return nil, fmt.Errorf("failed loading user: %w", err)
	}

	if set.Empty() {
		if err := s.DB.WithContext(ctx).
			Where("directory_id = ? AND user_id = ?", dirID, userID).
			Delete(&models.PermissionGrant{}).Error; err != nil {
			return nil, fmt.Errorf("failed removing grant: %w", err)
		}
		logger.InfoWithUser(who.UserID.String(), "permission_revoked", map[string]interface{}{
			"directory_id": dirID.String(),
			"user_id":      userID.String(),
		})
		return nil, nil
	}

	grant := &models.PermissionGrant{
		DirectoryID: dirID,
		UserID:      userID,
		Permissions: set,
		GrantedByID: who.UserID,
		GrantedAt:   s.Now().UTC(),
	}
	if err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "directory_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"permissions", "granted_by_id", "granted_at"}),
	}).Create(grant).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, Conflict("grant changed concurrently, retry")
		}
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return nil, NotFound("directory not found")
		}
		return nil, fmt.Errorf("failed saving grant: %w", err)
	}

	var stored models.PermissionGrant
	if err := s.DB.WithContext(ctx).
		Where("directory_id = ? AND user_id = ?", dirID, userID).
		First(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed reloading grant: %w", err)
	}

	logger.InfoWithUser(who.UserID.String(), "permission_granted", map[string]interface{}{
		"directory_id": dirID.String(),
		"user_id":      userID.String(),
		"permissions":  set.Strings(),
	})
	return &stored, nil
}

func (s *PermissionService) Revoke(ctx context.Context, who Identity, dirID, userID uuid.UUID) error {
	if err := s.Access.CheckManage(ctx, who, dirID); err != nil {
		return err
	}

	result := s.DB.WithContext(ctx).
		Where("directory_id = ? AND user_id = ?", dirID, userID).
		Delete(&models.PermissionGrant{})
	if result.Error != nil {
		return fmt.Errorf("failed removing grant: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return NotFound("grant not found")
	}

	logger.InfoWithUser(who.UserID.String(), "permission_revoked", map[string]interface{}{
		"directory_id": dirID.String(),
		"user_id":      userID.String(),
	})
	return nil
}

// List returns the explicit grants on dirID itself, oldest first.
func (s *PermissionService) List(ctx context.Context, who Identity, dirID uuid.UUID) ([]models.PermissionGrant, error) {
	if err := s.Access.CheckManage(ctx, who, dirID); err != nil {
		return nil, err
	}

	grants := []models.PermissionGrant{}
	if err := s.DB.WithContext(ctx).
		Where("directory_id = ?", dirID).
		Order("granted_at ASC").Order("id ASC").
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("failed listing grants: %w", err)
	}
	return grants, nil
}

func (s *PermissionService) Effective(ctx context.Context, who Identity, dirID uuid.UUID) (models.PermissionSet, error) {
	return s.Access.Effective(ctx, who, dirID)
}
