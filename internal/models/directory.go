package models

import "github.com/google/uuid"

type Directory struct {
	BaseModel
	Name     string     `json:"name" gorm:"type:varchar(255);not null;uniqueIndex:idx_directory_sibling,priority:2"`
	ParentID *uuid.UUID `json:"parentID,omitempty" gorm:"type:uuid;index"`
	// Parent only backs the foreign key. A directory with children or
	// files cannot be deleted.
	Parent *Directory `json:"-" gorm:"foreignKey:ParentID;constraint:OnDelete:RESTRICT"`
	Path   string     `json:"path" gorm:"type:text;not null;index"`
	// SiblingKey scopes name uniqueness: the parent id for nested
	// directories, "root:<owner>" for roots.
	SiblingKey string    `json:"-" gorm:"type:varchar(64);not null;uniqueIndex:idx_directory_sibling,priority:1"`
	OwnerID    uuid.UUID `json:"ownerID" gorm:"type:uuid;not null;index"`
	IsPublic   bool      `json:"isPublic" gorm:"not null;default:false"`
}

func (Directory) TableName() string {
	return "directories"
}

func SiblingKeyFor(parentID *uuid.UUID, ownerID uuid.UUID) string {
	if parentID == nil {
		return "root:" + ownerID.String()
	}
	return parentID.String()
}

func JoinPath(parentPath, name string) string {
	return parentPath + "/" + name
}

// DirectoryNode is a directory with its readable children, as returned by
// the tree listing.
type DirectoryNode struct {
	Directory
	Children []*DirectoryNode `json:"children"`
}
