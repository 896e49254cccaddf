package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UserType is the role a user account plays on the platform.
type UserType string

const (
	UserTypeTourist UserType = "tourist"
	UserTypeGuide   UserType = "guide"
	UserTypeAdmin   UserType = "admin"
)

// Valid reports whether t is one of the known user types.
func (t UserType) Valid() bool {
	switch t {
	case UserTypeTourist, UserTypeGuide, UserTypeAdmin:
		return true
	}
	return false
}

// ParseUserType converts s into a UserType. An empty string yields tourist.
func ParseUserType(s string) (UserType, error) {
	if s == "" {
		return UserTypeTourist, nil
	}
	t := UserType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown user type %q", s)
	}
	return t, nil
}

// User is the identity record stored in the users table. Its ID equals the
// ID of the provider-side auth identity.
type User struct {
	ID        uuid.UUID `json:"id"         db:"id"         validate:"required"`
	Email     string    `json:"email"      db:"email"      validate:"required,email"`
	UserType  UserType  `json:"user_type"  db:"user_type"  validate:"required,usertype"`
	Name      string    `json:"name"       db:"name"       validate:"required"`
	Phone     *string   `json:"phone"      db:"phone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GuideProfile extends a guide's User with public-facing details.
type GuideProfile struct {
	ID           uuid.UUID `json:"id"            db:"id"`
	UserID       uuid.UUID `json:"user_id"       db:"user_id"       validate:"required"`
	Name         string    `json:"name"          db:"name"          validate:"required,min=2"`
	City         string    `json:"city"          db:"city"          validate:"required"`
	ContactEmail string    `json:"contact_email" db:"contact_email" validate:"required,email"`
	Phone        *string   `json:"phone"         db:"phone"`
	Bio          *string   `json:"bio"           db:"bio"`
	AvatarURL    *string   `json:"avatar_url"    db:"avatar_url"    validate:"omitempty,url"`
	CreatedAt    time.Time `json:"created_at"    db:"created_at"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
