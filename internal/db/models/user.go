// Package models - user.go defines the User model read from the catalog's user directory.
package models

import "time"

// User states as stored in "user".state
const (
	UserStateActive  = "active"
	UserStatePending = "pending"
	UserStateDeleted = "deleted"
)

// User represents a user in the catalog's user directory
type User struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Fullname  *string   `db:"fullname" json:"fullname,omitempty"`
	Email     *string   `db:"email" json:"email,omitempty"`
	Sysadmin  bool      `db:"sysadmin" json:"sysadmin"`
	State     string    `db:"state" json:"state"`
	CreatedAt time.Time `db:"created" json:"created"`
}

// DisplayName returns the full name when set, otherwise the login name
func (u *User) DisplayName() string {
	if u.Fullname != nil && *u.Fullname != "" {
		return *u.Fullname
	}
	return u.Name
}

// IsActive reports whether the account may authenticate
func (u *User) IsActive() bool {
	return u.State == UserStateActive
}
