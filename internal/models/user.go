package models

type UserRole string

const (
	UserRoleSuperAdmin UserRole = "super_admin"
	UserRoleAdmin      UserRole = "admin"
	UserRoleUser       UserRole = "user"
	UserRolePending    UserRole = "pending"
)

func (r UserRole) Valid() bool {
	switch r {
	case UserRoleSuperAdmin, UserRoleAdmin, UserRoleUser, UserRolePending:
		return true
	default:
		return false
	}
}

// Privileged roles bypass every directory and file check.
func (r UserRole) Privileged() bool {
	return r == UserRoleSuperAdmin || r == UserRoleAdmin
}

// User is owned by the account subsystem; the storage core only reads ID,
// Role and IsActive.
type User struct {
	BaseModel
	Email        string   `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string   `json:"-" gorm:"type:text;not null"`
	Role         UserRole `json:"role" gorm:"type:varchar(20);not null;default:'user'"`
	IsActive     bool     `json:"isActive" gorm:"not null;default:true"`
}

func (User) TableName() string {
	return "users"
}
