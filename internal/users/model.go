// Package users is the user projection that inbox commands are applied to.
// Every state change appends an integration event to the outbox in the same
// transaction.
package users

import (
	"time"

	"inbox-relay/internal/command"

	"gorm.io/datatypes"
)

const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusDeleted   = "deleted"
)

// Integration event types written to the outbox.
const (
	EventCreated      = "user.created"
	EventUpdated      = "user.updated"
	EventDeleted      = "user.deleted"
	EventSuspended    = "user.suspended"
	EventActivated    = "user.activated"
	EventRoleAssigned = "user.role_assigned"
	EventRoleRemoved  = "user.role_removed"
)

type User struct {
	ID        string                      `gorm:"column:id;primaryKey" json:"userId"`
	Email     string                      `gorm:"column:email" json:"email"`
	Name      string                      `gorm:"column:name" json:"name"`
	Status    string                      `gorm:"column:status" json:"status"`
	Roles     datatypes.JSONSlice[string] `gorm:"column:roles;type:jsonb" json:"roles"`
	CreatedAt time.Time                   `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt time.Time                   `gorm:"column:updated_at" json:"updatedAt"`
}

func (User) TableName() string {
	return "users"
}

// matches reports whether u is the row cmd would have created.
func (u *User) matches(cmd command.CreateUser) bool {
	if u.Email != cmd.Email || u.Name != cmd.Name || len(u.Roles) != len(cmd.Roles) {
		return false
	}
	for i, r := range cmd.Roles {
		if u.Roles[i] != r {
			return false
		}
	}
	return true
}

func (u *User) hasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}
