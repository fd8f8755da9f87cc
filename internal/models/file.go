package models

import (
	"time"

	"github.com/google/uuid"
)

type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusConfirmed FileStatus = "confirmed"
)

type File struct {
	BaseModel
	DirectoryID uuid.UUID  `json:"directoryID" gorm:"type:uuid;not null;index"`
	Directory   *Directory `json:"-" gorm:"foreignKey:DirectoryID;constraint:OnDelete:RESTRICT"`
	Filename    string     `json:"filename" gorm:"type:varchar(255);not null"`
	ContentType string     `json:"contentType" gorm:"type:varchar(255);not null"`
	Size        int64      `json:"size" gorm:"not null"`
	SHA256      *string    `json:"sha256,omitempty" gorm:"column:sha256;type:varchar(64)"`
	OwnerID     uuid.UUID  `json:"ownerID" gorm:"type:uuid;not null;index"`
	IsPublic    bool       `json:"isPublic" gorm:"not null;default:false"`
	Status      FileStatus `json:"status" gorm:"type:varchar(20);not null;default:'pending';index"`
	StorageKey  string     `json:"-" gorm:"type:text;not null"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

func (File) TableName() string {
	return "files"
}

func (f *File) Confirmed() bool {
	return f.Status == FileStatusConfirmed
}
