package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"

	// ActionManage is never granted. It names the right to change grants
	// and public flags, held by owners and admins only.
	ActionManage Action = "manage"
)

var AllActions = []Action{ActionRead, ActionWrite, ActionDelete}

func ParseAction(value string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(value))) {
	case ActionRead:
		return ActionRead, nil
	case ActionWrite:
		return ActionWrite, nil
	case ActionDelete:
		return ActionDelete, nil
	default:
		return "", fmt.Errorf("unknown permission %q", value)
	}
}

// PermissionSet is a subset of {read, write, delete}. It is kept in
// canonical order without duplicates.
type PermissionSet []Action

func NewPermissionSet(actions ...Action) PermissionSet {
	var set PermissionSet
	for _, a := range actions {
		set = set.With(a)
	}
	return set
}

func ParsePermissionSet(values []string) (PermissionSet, error) {
	set := PermissionSet{}
	for _, v := range values {
		a, err := ParseAction(v)
		if err != nil {
			return nil, err
		}
		set = set.With(a)
	}
	return set, nil
}

func (s PermissionSet) Has(action Action) bool {
	for _, a := range s {
		if a == action {
			return true
		}
	}
	return false
}

// With returns a copy of s that also contains action.
func (s PermissionSet) With(action Action) PermissionSet {
	if s.Has(action) {
		return s
	}
	out := make(PermissionSet, 0, len(s)+1)
	for _, candidate := range AllActions {
		if candidate == action || s.Has(candidate) {
			out = append(out, candidate)
		}
	}
	return out
}

func (s PermissionSet) Empty() bool {
	return len(s) == 0
}

func (s PermissionSet) Strings() []string {
	out := make([]string, len(s))
	for i, a := range s {
		out[i] = string(a)
	}
	return out
}

type PermissionGrant struct {
	ID          uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	DirectoryID uuid.UUID     `json:"directoryID" gorm:"type:uuid;not null;uniqueIndex:idx_grant_directory_user,priority:1"`
	Directory   *Directory    `json:"-" gorm:"foreignKey:DirectoryID;constraint:OnDelete:RESTRICT"`
	UserID      uuid.UUID     `json:"userID" gorm:"type:uuid;not null;uniqueIndex:idx_grant_directory_user,priority:2;index"`
	Permissions PermissionSet `json:"permissions" gorm:"type:text;not null;serializer:json"`
	GrantedByID uuid.UUID     `json:"grantedByID" gorm:"type:uuid;not null"`
	GrantedAt   time.Time     `json:"grantedAt" gorm:"not null"`
}

func (g *PermissionGrant) BeforeCreate(_ *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.GrantedAt.IsZero() {
		g.GrantedAt = time.Now().UTC()
	}
	return nil
}

func (PermissionGrant) TableName() string {
	return "permission_grants"
}
