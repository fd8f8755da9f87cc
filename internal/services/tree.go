package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/config"
	"github.com/storageinator/backend/internal/metrics"
	"github.com/storageinator/backend/internal/models"
	"github.com/storageinator/backend/internal/storage"
	"github.com/storageinator/backend/pkg/logger"
	"gorm.io/gorm"
)

const maxNameLength = 255

type DirectoryService struct {
	DB      *gorm.DB
	Access  *AccessService
	Gateway storage.Gateway
	Policy  config.DeletePolicy
	Metrics *metrics.Metrics
}

func NewDirectoryService(db *gorm.DB, access *AccessService, gateway storage.Gateway, policy config.DeletePolicy) *DirectoryService {
	if policy == "" {
		policy = config.DeletePolicyCascade
	}
	return &DirectoryService{
		DB:      db,
		Access:  access,
		Gateway: gateway,
		Policy:  policy,
		Metrics: access.Metrics,
	}
}

// validateName trims and checks a directory or file name. Names are single
// path segments.
func validateName(kind, name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", Validation("%s name is required", kind)
	case !utf8.ValidString(name):
		return "", Validation("%s name must be valid UTF-8", kind)
	case utf8.RuneCountInString(name) > maxNameLength:
		return "", Validation("%s name must be at most %d characters", kind, maxNameLength)
	case name == "." || name == "..":
		return "", Validation("%s name cannot be %q", kind, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", Validation("%s name cannot contain slashes or NUL", kind)
	}
	return name, nil
}

func (s *DirectoryService) find(ctx context.Context, id uuid.UUID) (*models.Directory, error) {
	var dir models.Directory
	if err := s.DB.WithContext(ctx).First(&dir, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("directory not found")
		}
		return nil, fmt.Errorf("failed loading directory: %w", err)
	}
	return &dir, nil
}

func (s *DirectoryService) Create(ctx context.Context, who Identity, parentID *uuid.UUID, name string, isPublic bool) (*models.Directory, error) {
	name, err := validateName("directory", name)
	if err != nil {
		return nil, err
	}

	path := "/" + name
	if parentID != nil {
		parent, err := s.find(ctx, *parentID)
		if err != nil {
			return nil, err
		}
		if err := s.Access.CheckDirectory(ctx, who, parent.ID, models.ActionWrite); err != nil {
			return nil, err
		}
		path = models.JoinPath(parent.Path, name)
	} else if who.Role == models.UserRolePending {
		return nil, Forbidden(models.ActionWrite)
	}

	dir := &models.Directory{
		Name:       name,
		ParentID:   parentID,
		Path:       path,
		SiblingKey: models.SiblingKeyFor(parentID, who.UserID),
		OwnerID:    who.UserID,
		IsPublic:   isPublic,
	}
	if err := s.DB.WithContext(ctx).Create(dir).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, Conflict("a directory named %q already exists here", name)
		}
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return nil, NotFound("directory not found")
		}
		return nil, fmt.Errorf("failed creating directory: %w", err)
	}

	logger.InfoWithUser(who.UserID.String(), "directory_created", map[string]interface{}{
		"directory_id": dir.ID.String(),
		"path":         dir.Path,
	})
	return dir, nil
}

func (s *DirectoryService) Get(ctx context.Context, who Identity, id uuid.UUID) (*models.Directory, error) {
	chain, err := loadChain(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if err := s.Access.checkChain(ctx, who, chain, models.ActionRead); err != nil {
		return nil, err
	}
	return &chain[0], nil
}

// visibility is the memoized per-node outcome of the ListTree walk.
type visibility struct {
	done     bool
	owned    bool
	public   bool
	granted  bool
	grant    models.PermissionSet
	readable bool
}

// ListTree returns every directory who can read, as a forest. A readable
// directory whose parent is not readable becomes a root of its own.
func (s *DirectoryService) ListTree(ctx context.Context, who Identity) ([]*models.DirectoryNode, error) {
	var grants []models.PermissionGrant
	if err := s.DB.WithContext(ctx).Where("user_id = ?", who.UserID).Find(&grants).Error; err != nil {
		return nil, fmt.Errorf("failed loading grants: %w", err)
	}
	grantByDir := make(map[uuid.UUID]models.PermissionSet, len(grants))
	for _, g := range grants {
		grantByDir[g.DirectoryID] = g.Permissions
	}

	dirs, err := s.listCandidates(ctx, who, grantByDir)
	if err != nil {
		return nil, err
	}

	arena := make(map[uuid.UUID]*models.DirectoryNode, len(dirs))
	for i := range dirs {
		arena[dirs[i].ID] = &models.DirectoryNode{Directory: dirs[i], Children: []*models.DirectoryNode{}}
	}

	memo := make(map[uuid.UUID]*visibility, len(dirs))
	var visit func(id uuid.UUID, depth int) *visibility
	visit = func(id uuid.UUID, depth int) *visibility {
		if v, ok := memo[id]; ok {
			if !v.done {
				// Cycle: treat the rest of the chain as absent.
				return &visibility{done: true}
			}
			return v
		}
		node, ok := arena[id]
		if !ok || depth > MaxDirectoryDepth {
			return &visibility{done: true}
		}

		v := &visibility{}
		memo[id] = v

		var parent *visibility
		if node.ParentID != nil {
			parent = visit(*node.ParentID, depth+1)
		} else {
			parent = &visibility{done: true}
		}

		v.owned = node.OwnerID == who.UserID || parent.owned
		v.public = node.IsPublic || parent.public
		if set, ok := grantByDir[id]; ok {
			v.granted, v.grant = true, set
		} else {
			v.granted, v.grant = parent.granted, parent.grant
		}
		v.readable = who.Role.Privileged() || v.owned || v.public || v.grant.Has(models.ActionRead)
		v.done = true
		return v
	}

	var roots []*models.DirectoryNode
	for i := range dirs {
		id := dirs[i].ID
		if !visit(id, 0).readable {
			continue
		}
		node := arena[id]
		if node.ParentID != nil {
			if parent, ok := arena[*node.ParentID]; ok && visit(parent.ID, 0).readable {
				parent.Children = append(parent.Children, node)
				continue
			}
		}
		roots = append(roots, node)
	}

	// dirs is name-ordered, so children already are; roots from different
	// owners can share a name and are tie-broken by path.
	sort.SliceStable(roots, func(i, j int) bool {
		if roots[i].Name != roots[j].Name {
			return roots[i].Name < roots[j].Name
		}
		return roots[i].Path < roots[j].Path
	})
	if roots == nil {
		roots = []*models.DirectoryNode{}
	}
	return roots, nil
}

// listCandidates loads the directories ListTree has to consider, in name
// order. Privileged callers get every directory. Anyone else gets what they
// own, what is public and what they hold a grant on, plus every descendant
// of those; nothing outside that set can be readable, and every ancestor
// that could change a loaded node's outcome is itself loaded.
func (s *DirectoryService) listCandidates(ctx context.Context, who Identity, grantByDir map[uuid.UUID]models.PermissionSet) ([]models.Directory, error) {
	var dirs []models.Directory
	if who.Role.Privileged() {
		if err := s.DB.WithContext(ctx).Order("name ASC").Order("id ASC").Find(&dirs).Error; err != nil {
			return nil, fmt.Errorf("failed listing directories: %w", err)
		}
		return dirs, nil
	}

	query := s.DB.WithContext(ctx).Model(&models.Directory{}).
		Where("owner_id = ? OR is_public = ?", who.UserID, true)
	if len(grantByDir) > 0 {
		granted := make([]uuid.UUID, 0, len(grantByDir))
		for id := range grantByDir {
			granted = append(granted, id)
		}
		query = query.Or("id IN ?", granted)
	}
	var seeds []uuid.UUID
	if err := query.Pluck("id", &seeds).Error; err != nil {
		return nil, fmt.Errorf("failed listing directories: %w", err)
	}

	levels, err := collectLevels(ctx, s.DB, seeds)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, level := range levels {
		ids = append(ids, level...)
	}

	for start := 0; start < len(ids); start += idBatchSize {
		end := min(start+idBatchSize, len(ids))
		var batch []models.Directory
		if err := s.DB.WithContext(ctx).Where("id IN ?", ids[start:end]).Find(&batch).Error; err != nil {
			return nil, fmt.Errorf("failed listing directories: %w", err)
		}
		dirs = append(dirs, batch...)
	}
	sort.Slice(dirs, func(i, j int) bool {
		if dirs[i].Name != dirs[j].Name {
			return dirs[i].Name < dirs[j].Name
		}
		return dirs[i].ID.String() < dirs[j].ID.String()
	})
	return dirs, nil
}

func (s *DirectoryService) Rename(ctx context.Context, who Identity, id uuid.UUID, newName string) (*models.Directory, error) {
	newName, err := validateName("directory", newName)
	if err != nil {
		return nil, err
	}

	chain, err := loadChain(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if err := s.Access.checkChain(ctx, who, chain, models.ActionWrite); err != nil {
		return nil, err
	}

	dir := chain[0]
	if dir.Name == newName {
		return &dir, nil
	}

	newPath := "/" + newName
	if len(chain) > 1 {
		newPath = models.JoinPath(chain[1].Path, newName)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Directory{}).Where("id = ?", dir.ID).
			Updates(map[string]interface{}{"name": newName, "path": newPath}).Error; err != nil {
			return err
		}
		return recomputeSubtreePaths(tx, dir.ID, dir.Path, newPath)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, Conflict("a directory named %q already exists here", newName)
		}
		return nil, fmt.Errorf("failed renaming directory: %w", err)
	}

	logger.InfoWithUser(who.UserID.String(), "directory_renamed", map[string]interface{}{
		"directory_id": dir.ID.String(),
		"old_path":     dir.Path,
		"new_path":     newPath,
	})
	return s.find(ctx, dir.ID)
}

func (s *DirectoryService) SetPublic(ctx context.Context, who Identity, id uuid.UUID, isPublic bool) (*models.Directory, error) {
	chain, err := loadChain(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if err := s.Access.checkManageChain(who, chain); err != nil {
		return nil, err
	}

	dir := chain[0]
	if dir.IsPublic == isPublic {
		return &dir, nil
	}
	if err := s.DB.WithContext(ctx).Model(&models.Directory{}).Where("id = ?", dir.ID).
		Update("is_public", isPublic).Error; err != nil {
		return nil, fmt.Errorf("failed updating directory: %w", err)
	}

	logger.InfoWithUser(who.UserID.String(), "directory_visibility_changed", map[string]interface{}{
		"directory_id": dir.ID.String(),
		"is_public":    isPublic,
	})
	return s.find(ctx, dir.ID)
}

// Move re-parents a directory. A nil newParentID makes it a root.
func (s *DirectoryService) Move(ctx context.Context, who Identity, id uuid.UUID, newParentID *uuid.UUID) (*models.Directory, error) {
	chain, err := loadChain(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if err := s.Access.checkChain(ctx, who, chain, models.ActionWrite); err != nil {
		return nil, err
	}
	dir := chain[0]

	if sameParent(dir.ParentID, newParentID) {
		return &dir, nil
	}

	var newPath, siblingKey string
	if newParentID != nil {
		if *newParentID == dir.ID {
			return nil, Validation("a directory cannot be moved into itself")
		}
		destChain, err := loadChain(ctx, s.DB, *newParentID)
		if err != nil {
			return nil, err
		}
		for i := range destChain {
			if destChain[i].ID == dir.ID {
				return nil, Validation("a directory cannot be moved into its own subtree")
			}
		}
		height, err := subtreeHeight(ctx, s.DB, dir.ID)
		if err != nil {
			return nil, err
		}
		if len(destChain)+height > MaxDirectoryDepth {
			return nil, Validation("move would exceed the maximum depth of %d", MaxDirectoryDepth)
		}
		if err := s.Access.checkChain(ctx, who, destChain, models.ActionWrite); err != nil {
			return nil, err
		}
		newPath = models.JoinPath(destChain[0].Path, dir.Name)
		siblingKey = models.SiblingKeyFor(newParentID, dir.OwnerID)
	} else {
		if who.Role == models.UserRolePending {
			return nil, Forbidden(models.ActionWrite)
		}
		newPath = "/" + dir.Name
		siblingKey = models.SiblingKeyFor(nil, dir.OwnerID)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Directory{}).Where("id = ?", dir.ID).
			Updates(map[string]interface{}{
				"parent_id":   newParentID,
				"sibling_key": siblingKey,
				"path":        newPath,
			}).Error; err != nil {
			return err
		}
		return recomputeSubtreePaths(tx, dir.ID, dir.Path, newPath)
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, Conflict("a directory named %q already exists at the destination", dir.Name)
		}
		if errors.Is(err, gorm.ErrForeignKeyViolated) {
			return nil, NotFound("directory not found")
		}
		return nil, fmt.Errorf("failed moving directory: %w", err)
	}

	logger.InfoWithUser(who.UserID.String(), "directory_moved", map[string]interface{}{
		"directory_id": dir.ID.String(),
		"old_path":     dir.Path,
		"new_path":     newPath,
	})
	return s.find(ctx, dir.ID)
}

func sameParent(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// Delete removes id and everything below it. Directories go leaves first,
// each with its grants and files in one transaction, so an interrupted call
// leaves a smaller tree that a retry finishes. A directory or file created
// under the subtree mid-cascade makes its parent's delete fail on the
// foreign key; the subtree is then collected again and the walk resumes.
// An absent id is a no-op.
func (s *DirectoryService) Delete(ctx context.Context, who Identity, id uuid.UUID) error {
	chain, err := loadChain(ctx, s.DB, id)
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil
		}
		return err
	}
	if err := s.Access.checkChain(ctx, who, chain, models.ActionDelete); err != nil {
		return err
	}

	removed, objects := 0, 0
	for pass := 1; ; pass++ {
		levels, err := collectSubtree(ctx, s.DB, id)
		if err != nil {
			return err
		}
		if s.Policy == config.DeletePolicyReject {
			if err := s.requireEmpty(ctx, id, levels); err != nil {
				return err
			}
		}

		dirs, keys, err := s.deleteLevels(ctx, levels)
		removed += dirs
		objects += keys
		if err == nil {
			break
		}
		if !errors.Is(err, gorm.ErrForeignKeyViolated) || pass >= maxDeletePasses {
			logger.ErrorWithUser(who.UserID.String(), "directory_delete_interrupted", err, map[string]interface{}{
				"root_id": id.String(),
				"removed": removed,
				"pass":    pass,
			})
			return err
		}
		logger.WarnWithUser(who.UserID.String(), "directory_delete_rescan", map[string]interface{}{
			"root_id": id.String(),
			"removed": removed,
			"pass":    pass,
		})
	}

	s.Metrics.RecordDirectoryDeletes(true, 1)
	s.Metrics.RecordDirectoryDeletes(false, removed-1)
	logger.InfoWithUser(who.UserID.String(), "directory_deleted", map[string]interface{}{
		"directory_id": id.String(),
		"path":         chain[0].Path,
		"directories":  removed,
		"files":        objects,
	})
	return nil
}

// maxDeletePasses bounds how often Delete re-collects a subtree that keeps
// growing underneath it.
const maxDeletePasses = 5

func (s *DirectoryService) requireEmpty(ctx context.Context, id uuid.UUID, levels [][]uuid.UUID) error {
	var fileCount int64
	if err := s.DB.WithContext(ctx).Model(&models.File{}).Where("directory_id = ?", id).
		Count(&fileCount).Error; err != nil {
		return fmt.Errorf("failed counting files: %w", err)
	}
	if len(levels) > 1 || fileCount > 0 {
		return Conflict("directory is not empty")
	}
	return nil
}

// deleteLevels removes levels deepest first and reports how many
// directories and stored objects went. Object store failures are logged.
func (s *DirectoryService) deleteLevels(ctx context.Context, levels [][]uuid.UUID) (int, int, error) {
	removed, objects := 0, 0
	for depth := len(levels) - 1; depth >= 0; depth-- {
		for _, dirID := range levels[depth] {
			keys, err := s.deleteOne(ctx, dirID)
			if err != nil {
				return removed, objects, err
			}
			removed++
			objects += len(keys)
			for _, key := range keys {
				if err := s.Gateway.Delete(ctx, key); err != nil {
					s.Metrics.RecordObjectDeleteFailure()
					logger.Warn("object_delete_failed", map[string]interface{}{
						"storage_key":  key,
						"directory_id": dirID.String(),
						"error":        err.Error(),
					})
				}
			}
		}
	}
	return removed, objects, nil
}

// deleteOne removes a single directory with its grants and files and
// returns the storage keys of the removed files.
func (s *DirectoryService) deleteOne(ctx context.Context, dirID uuid.UUID) ([]string, error) {
	var keys []string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var files []models.File
		if err := tx.Select("id", "storage_key").Where("directory_id = ?", dirID).Find(&files).Error; err != nil {
			return err
		}
		if err := tx.Where("directory_id = ?", dirID).Delete(&models.File{}).Error; err != nil {
			return err
		}
		if err := tx.Where("directory_id = ?", dirID).Delete(&models.PermissionGrant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id = ?", dirID).Delete(&models.Directory{}).Error; err != nil {
			return err
		}
		for _, f := range files {
			keys = append(keys, f.StorageKey)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed deleting directory %s: %w", dirID, err)
	}
	return keys, nil
}

// idBatchSize caps the ids bound into a single IN clause.
const idBatchSize = 500

// collectSubtree returns ids level by level: levels[0] is the root.
func collectSubtree(ctx context.Context, db *gorm.DB, rootID uuid.UUID) ([][]uuid.UUID, error) {
	return collectLevels(ctx, db, []uuid.UUID{rootID})
}

// collectLevels walks down from seeds breadth first. levels[0] holds the
// seeds; an id reached twice is kept at its first level only.
func collectLevels(ctx context.Context, db *gorm.DB, seeds []uuid.UUID) ([][]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool, len(seeds))
	var first []uuid.UUID
	for _, id := range seeds {
		if !seen[id] {
			seen[id] = true
			first = append(first, id)
		}
	}
	if len(first) == 0 {
		return nil, nil
	}

	levels := [][]uuid.UUID{first}
	for frontier := first; len(frontier) > 0; {
		if len(levels) > MaxDirectoryDepth {
			return nil, fmt.Errorf("directory subtree deeper than %d levels", MaxDirectoryDepth)
		}

		var next []uuid.UUID
		for start := 0; start < len(frontier); start += idBatchSize {
			end := min(start+idBatchSize, len(frontier))
			var children []uuid.UUID
			if err := db.WithContext(ctx).Model(&models.Directory{}).
				Where("parent_id IN ?", frontier[start:end]).
				Pluck("id", &children).Error; err != nil {
				return nil, fmt.Errorf("failed listing subdirectories: %w", err)
			}
			for _, id := range children {
				if !seen[id] {
					seen[id] = true
					next = append(next, id)
				}
			}
		}
		if len(next) > 0 {
			levels = append(levels, next)
		}
		frontier = next
	}
	return levels, nil
}

func subtreeHeight(ctx context.Context, db *gorm.DB, rootID uuid.UUID) (int, error) {
	levels, err := collectSubtree(ctx, db, rootID)
	if err != nil {
		return 0, err
	}
	return len(levels), nil
}

// recomputeSubtreePaths rewrites the path prefix of every descendant of
// rootID after the root's own path changed from oldPath to newPath.
func recomputeSubtreePaths(tx *gorm.DB, rootID uuid.UUID, oldPath, newPath string) error {
	levels, err := collectSubtree(tx.Statement.Context, tx, rootID)
	if err != nil {
		return err
	}

	for _, level := range levels[1:] {
		var dirs []models.Directory
		if err := tx.Select("id", "path").Where("id IN ?", level).Find(&dirs).Error; err != nil {
			return err
		}
		for _, d := range dirs {
			if !strings.HasPrefix(d.Path, oldPath+"/") {
				return fmt.Errorf("directory %s path %q is not under %q", d.ID, d.Path, oldPath)
			}
			updated := newPath + strings.TrimPrefix(d.Path, oldPath)
			if err := tx.Model(&models.Directory{}).Where("id = ?", d.ID).Update("path", updated).Error; err != nil {
				return err
			}
		}
	}
	return nil
}
