package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/metrics"
	"github.com/storageinator/backend/internal/models"
	"gorm.io/gorm"
)

// Rules reported with each decision, in evaluation order.
const (
	ruleRole       = "role"
	ruleOwner      = "owner"
	rulePublicFile = "public_file"
	ruleResolved   = "resolved"
)

type AccessService struct {
	DB       *gorm.DB
	Resolver *PermissionResolver
	Metrics  *metrics.Metrics
}

func NewAccessService(db *gorm.DB, m *metrics.Metrics) *AccessService {
	return &AccessService{
		DB:       db,
		Resolver: NewPermissionResolver(db),
		Metrics:  m,
	}
}

// CheckDirectory allows or denies action on dirID for who. Privileged roles
// pass, then ownership of the directory or any ancestor, then the resolved
// grant set.
func (a *AccessService) CheckDirectory(ctx context.Context, who Identity, dirID uuid.UUID, action models.Action) error {
	chain, err := loadChain(ctx, a.DB, dirID)
	if err != nil {
		return err
	}
	return a.checkChain(ctx, who, chain, action)
}

func (a *AccessService) checkChain(ctx context.Context, who Identity, chain []models.Directory, action models.Action) error {
	if who.Role.Privileged() {
		a.Metrics.RecordAccess(string(action), ruleRole, true)
		return nil
	}
	if ownsChain(who.UserID, chain) {
		a.Metrics.RecordAccess(string(action), ruleOwner, true)
		return nil
	}

	set, err := a.Resolver.ResolveChain(ctx, chain, who.UserID)
	if err != nil {
		return err
	}
	if set.Has(action) {
		a.Metrics.RecordAccess(string(action), ruleResolved, true)
		return nil
	}

	a.Metrics.RecordAccess(string(action), ruleResolved, false)
	return Forbidden(action)
}

// CheckFile allows read on a public file outright. Everything else is
// decided on the file's directory.
func (a *AccessService) CheckFile(ctx context.Context, who Identity, file *models.File, action models.Action) error {
	if action == models.ActionRead && file.IsPublic {
		a.Metrics.RecordAccess(string(action), rulePublicFile, true)
		return nil
	}
	return a.CheckDirectory(ctx, who, file.DirectoryID, action)
}

// CheckManage guards grant changes and public flags: privileged roles and
// owners of the directory or an ancestor only. Grants never confer it.
func (a *AccessService) CheckManage(ctx context.Context, who Identity, dirID uuid.UUID) error {
	chain, err := loadChain(ctx, a.DB, dirID)
	if err != nil {
		return err
	}
	return a.checkManageChain(who, chain)
}

func (a *AccessService) checkManageChain(who Identity, chain []models.Directory) error {
	switch {
	case who.Role.Privileged():
		a.Metrics.RecordAccess(string(models.ActionManage), ruleRole, true)
		return nil
	case ownsChain(who.UserID, chain):
		a.Metrics.RecordAccess(string(models.ActionManage), ruleOwner, true)
		return nil
	default:
		a.Metrics.RecordAccess(string(models.ActionManage), ruleOwner, false)
		return Forbidden(models.ActionManage)
	}
}

// Effective is the full set who may exercise on dirID, role and ownership
// included.
func (a *AccessService) Effective(ctx context.Context, who Identity, dirID uuid.UUID) (models.PermissionSet, error) {
	chain, err := loadChain(ctx, a.DB, dirID)
	if err != nil {
		return nil, err
	}
	if who.Role.Privileged() || ownsChain(who.UserID, chain) {
		return models.NewPermissionSet(models.AllActions...), nil
	}
	return a.Resolver.ResolveChain(ctx, chain, who.UserID)
}

func ownsChain(userID uuid.UUID, chain []models.Directory) bool {
	for i := range chain {
		if chain[i].OwnerID == userID {
			return true
		}
	}
	return false
}
