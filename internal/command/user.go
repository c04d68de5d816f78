package command

import (
	"github.com/pkg/errors"
)

// User command event types.
const (
	UserCreate     = "user.create"
	UserUpdate     = "user.update"
	UserDelete     = "user.delete"
	UserSuspend    = "user.suspend"
	UserActivate   = "user.activate"
	UserAssignRole = "user.assign_role"
	UserRemoveRole = "user.remove_role"
)

type CreateUser struct {
	UserID string   `json:"userId"`
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Roles  []string `json:"roles,omitempty"`
}

func (c CreateUser) Validate() error {
	if c.UserID == "" {
		return errors.Wrap(ErrInvalidPayload, "userId is required")
	}
	if c.Email == "" {
		return errors.Wrap(ErrInvalidPayload, "email is required")
	}
	return nil
}

// UpdateUser changes only the fields that are set.
type UpdateUser struct {
	UserID string  `json:"userId"`
	Email  *string `json:"email,omitempty"`
	Name   *string `json:"name,omitempty"`
}

func (c UpdateUser) Validate() error {
	if c.UserID == "" {
		return errors.Wrap(ErrInvalidPayload, "userId is required")
	}
	return nil
}

// UserRef addresses a user for delete, suspend and activate.
type UserRef struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

func (c UserRef) Validate() error {
	if c.UserID == "" {
		return errors.Wrap(ErrInvalidPayload, "userId is required")
	}
	return nil
}

type RoleChange struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

func (c RoleChange) Validate() error {
	if c.UserID == "" {
		return errors.Wrap(ErrInvalidPayload, "userId is required")
	}
	if c.Role == "" {
		return errors.Wrap(ErrInvalidPayload, "role is required")
	}
	return nil
}
