package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/models"
	"gorm.io/gorm"
)

// MaxDirectoryDepth bounds every ancestor walk. A chain longer than this is
// treated as corrupt rather than walked forever.
const MaxDirectoryDepth = 256

type PermissionResolver struct {
	DB *gorm.DB
}

func NewPermissionResolver(db *gorm.DB) *PermissionResolver {
	return &PermissionResolver{DB: db}
}

// Resolve returns the permissions userID holds on dirID from grants and
// public flags alone. Roles and ownership are applied by AccessService.
func (r *PermissionResolver) Resolve(ctx context.Context, dirID, userID uuid.UUID) (models.PermissionSet, error) {
	chain, err := loadChain(ctx, r.DB, dirID)
	if err != nil {
		return nil, err
	}
	return r.ResolveChain(ctx, chain, userID)
}

// ResolveChain resolves against an already loaded chain, target first.
func (r *PermissionResolver) ResolveChain(ctx context.Context, chain []models.Directory, userID uuid.UUID) (models.PermissionSet, error) {
	if len(chain) == 0 {
		return models.PermissionSet{}, nil
	}

	ids := make([]uuid.UUID, len(chain))
	for i := range chain {
		ids[i] = chain[i].ID
	}

	var grants []models.PermissionGrant
	if err := r.DB.WithContext(ctx).
		Where("user_id = ? AND directory_id IN ?", userID, ids).
		Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("failed loading grants: %w", err)
	}

	byDirectory := make(map[uuid.UUID]models.PermissionSet, len(grants))
	for _, g := range grants {
		byDirectory[g.DirectoryID] = g.Permissions
	}
	return resolveFromChain(chain, byDirectory), nil
}

// resolveFromChain applies nearest-grant-wins, then adds read if any
// directory on the chain is public.
func resolveFromChain(chain []models.Directory, grants map[uuid.UUID]models.PermissionSet) models.PermissionSet {
	result := models.PermissionSet{}
	for i := range chain {
		if set, ok := grants[chain[i].ID]; ok {
			result = models.NewPermissionSet(set...)
			break
		}
	}

	for i := range chain {
		if chain[i].IsPublic {
			result = result.With(models.ActionRead)
			break
		}
	}
	return result
}

// loadChain returns the directory and its ancestors, target first and root
// last. A missing target is NotFound; a missing ancestor, a cycle or an
// over-deep chain is an integrity error.
func loadChain(ctx context.Context, db *gorm.DB, dirID uuid.UUID) ([]models.Directory, error) {
	var chain []models.Directory
	seen := make(map[uuid.UUID]bool)
	currentID := dirID

	for {
		if seen[currentID] {
			return nil, fmt.Errorf("directory hierarchy contains a cycle at %s", currentID)
		}
		if len(chain) >= MaxDirectoryDepth {
			return nil, fmt.Errorf("directory hierarchy deeper than %d levels", MaxDirectoryDepth)
		}
		seen[currentID] = true

		var dir models.Directory
		if err := db.WithContext(ctx).First(&dir, "id = ?", currentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				if len(chain) == 0 {
					return nil, NotFound("directory not found")
				}
				return nil, fmt.Errorf("directory %s references missing parent %s", chain[len(chain)-1].ID, currentID)
			}
			return nil, fmt.Errorf("failed loading directory: %w", err)
		}
		chain = append(chain, dir)

		if dir.ParentID == nil {
			return chain, nil
		}
		currentID = *dir.ParentID
	}
}
