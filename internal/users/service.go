package users

import (
	"context"
	"encoding/json"
	"time"

	"inbox-relay/internal/command"
	"inbox-relay/internal/observability"
	"inbox-relay/internal/store"
	"inbox-relay/pkg/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound = errors.New("users: user not found")
	ErrUserExists   = errors.New("users: user already exists")
)

// Appender writes an outbox row inside the caller's transaction.
type Appender interface {
	Append(ctx context.Context, tx *gorm.DB, rec *store.OutboxRecord) error
}

type Config struct {
	// Topic receives the integration events.
	Topic  string
	Source string
	Logger *logrus.Entry
}

type Service struct {
	db     *gorm.DB
	outbox Appender
	topic  string
	source string
	logger *logrus.Entry
	now    func() time.Time
}

func NewService(db *gorm.DB, outbox Appender, cfg Config) *Service {
	if cfg.Topic == "" {
		cfg.Topic = "user-events"
	}
	if cfg.Source == "" {
		cfg.Source = "user-service"
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Component("users")
	}
	return &Service{
		db:     db,
		outbox: outbox,
		topic:  cfg.Topic,
		source: cfg.Source,
		logger: cfg.Logger,
		now:    time.Now,
	}
}

// Register binds every user command to r.
func (s *Service) Register(r *command.Registry) {
	r.Register(command.UserCreate, command.Typed(s.Create))
	r.Register(command.UserUpdate, command.Typed(s.Update))
	r.Register(command.UserDelete, command.Typed(s.Delete))
	r.Register(command.UserSuspend, command.Typed(s.Suspend))
	r.Register(command.UserActivate, command.Typed(s.Activate))
	r.Register(command.UserAssignRole, command.Typed(s.AssignRole))
	r.Register(command.UserRemoveRole, command.Typed(s.RemoveRole))
}

func (s *Service) Create(ctx context.Context, cmd command.CreateUser) error {
	now := s.now().UTC()
	u := &User{
		ID:        cmd.UserID,
		Email:     cmd.Email,
		Name:      cmd.Name,
		Status:    StatusActive,
		Roles:     datatypes.JSONSlice[string](append([]string{}, cmd.Roles...)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(u).Error; err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(ErrUserExists, "user %s", cmd.UserID)
			}
			return errors.Wrap(err, "insert user")
		}
		return s.emit(ctx, tx, u.ID, EventCreated, u)
	})
	if !errors.Is(err, ErrUserExists) {
		return err
	}

	// A redelivered create whose first run already committed finds its own
	// row. The created event went out with that commit.
	var existing User
	if lookupErr := s.db.WithContext(ctx).Where("id = ?", cmd.UserID).Take(&existing).Error; lookupErr != nil {
		return err
	}
	if !existing.matches(cmd) {
		return err
	}
	s.logger.WithField("user_id", cmd.UserID).Info("User already created by an earlier run")
	return nil
}

func (s *Service) Update(ctx context.Context, cmd command.UpdateUser) error {
	updates := map[string]any{}
	if cmd.Email != nil {
		updates["email"] = *cmd.Email
	}
	if cmd.Name != nil {
		updates["name"] = *cmd.Name
	}
	if len(updates) == 0 {
		s.logger.WithField("user_id", cmd.UserID).Debug("Empty update, nothing to do")
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.lock(tx, cmd.UserID, false)
		if err != nil {
			return err
		}
		if err := tx.Model(u).Updates(updates).Error; err != nil {
			return errors.Wrap(err, "update user")
		}
		if cmd.Email != nil {
			u.Email = *cmd.Email
		}
		if cmd.Name != nil {
			u.Name = *cmd.Name
		}
		return s.emit(ctx, tx, u.ID, EventUpdated, u)
	})
}

func (s *Service) Delete(ctx context.Context, cmd command.UserRef) error {
	return s.setStatus(ctx, cmd, StatusDeleted, EventDeleted)
}

func (s *Service) Suspend(ctx context.Context, cmd command.UserRef) error {
	return s.setStatus(ctx, cmd, StatusSuspended, EventSuspended)
}

func (s *Service) Activate(ctx context.Context, cmd command.UserRef) error {
	return s.setStatus(ctx, cmd, StatusActive, EventActivated)
}

func (s *Service) AssignRole(ctx context.Context, cmd command.RoleChange) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.lock(tx, cmd.UserID, false)
		if err != nil {
			return err
		}
		if u.hasRole(cmd.Role) {
			return nil
		}
		roles := append(datatypes.JSONSlice[string]{}, u.Roles...)
		roles = append(roles, cmd.Role)
		if err := tx.Model(u).Update("roles", roles).Error; err != nil {
			return errors.Wrap(err, "assign role")
		}
		return s.emit(ctx, tx, u.ID, EventRoleAssigned, cmd)
	})
}

func (s *Service) RemoveRole(ctx context.Context, cmd command.RoleChange) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.lock(tx, cmd.UserID, false)
		if err != nil {
			return err
		}
		if !u.hasRole(cmd.Role) {
			return nil
		}
		roles := datatypes.JSONSlice[string]{}
		for _, r := range u.Roles {
			if r != cmd.Role {
				roles = append(roles, r)
			}
		}
		if err := tx.Model(u).Update("roles", roles).Error; err != nil {
			return errors.Wrap(err, "remove role")
		}
		return s.emit(ctx, tx, u.ID, EventRoleRemoved, cmd)
	})
}

// setStatus applies a status change. Repeating the current status is a no-op
// and emits nothing.
func (s *Service) setStatus(ctx context.Context, cmd command.UserRef, status, eventType string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := s.lock(tx, cmd.UserID, status == StatusDeleted)
		if err != nil {
			return err
		}
		if u.Status == status {
			return nil
		}
		if err := tx.Model(u).Update("status", status).Error; err != nil {
			return errors.Wrapf(err, "set user status %s", status)
		}
		return s.emit(ctx, tx, u.ID, eventType, map[string]string{
			"userId": u.ID,
			"status": status,
			"reason": cmd.Reason,
		})
	})
}

// lock loads a user with a row lock. Deleted users are not found unless
// withDeleted is set.
func (s *Service) lock(tx *gorm.DB, id string, withDeleted bool) (*User, error) {
	var u User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !withDeleted && u.Status == StatusDeleted) {
		return nil, errors.Wrapf(ErrUserNotFound, "user %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load user")
	}
	return &u, nil
}

func (s *Service) emit(ctx context.Context, tx *gorm.DB, userID, eventType string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode event payload")
	}
	eventID := uuid.NewString()
	env, err := json.Marshal(models.Envelope{
		EventID:   eventID,
		EventType: eventType,
		Source:    s.source,
		Timestamp: s.now().UTC(),
		Payload:   body,
	})
	if err != nil {
		return errors.Wrap(err, "encode event envelope")
	}

	if err := s.outbox.Append(ctx, tx, &store.OutboxRecord{
		EventID:      eventID,
		Topic:        s.topic,
		PartitionKey: userID,
		EventType:    eventType,
		Payload:      env,
	}); err != nil {
		return errors.Wrap(err, "append outbox event")
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":    userID,
		"event_type": eventType,
		"event_id":   eventID,
	}).Info("User event recorded")
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
