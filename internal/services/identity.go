package services

import (
	"github.com/google/uuid"
	"github.com/storageinator/backend/internal/models"
)

// Identity is the caller every operation acts on behalf of. It comes from
// the decoded token, never from ambient request state.
type Identity struct {
	UserID uuid.UUID
	Role   models.UserRole
}

func IdentityFor(user *models.User) Identity {
	return Identity{UserID: user.ID, Role: user.Role}
}
