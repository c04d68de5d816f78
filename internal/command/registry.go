// Package command routes inbox event types to business command handlers.
package command

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"inbox-relay/internal/observability"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrInvalidPayload wraps payloads a handler could not decode.
var ErrInvalidPayload = errors.New("command: invalid payload")

// Handler executes one business command. A returned error fails the attempt.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Registry maps event types to handlers. Unknown types are logged and skipped.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *logrus.Entry
}

func NewRegistry(logger *logrus.Entry) *Registry {
	if logger == nil {
		logger = observability.Component("command")
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register binds eventType to h, replacing any previous binding.
func (r *Registry) Register(eventType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = h
}

func (r *Registry) Dispatch(ctx context.Context, eventType string, payload json.RawMessage) error {
	r.mu.RLock()
	h, ok := r.handlers[eventType]
	r.mu.RUnlock()

	if !ok {
		r.logger.WithField("event_type", eventType).Warn("No handler registered, skipping")
		return nil
	}

	r.logger.WithField("event_type", eventType).Debug("Dispatching command")
	return h(ctx, payload)
}

// EventTypes lists registered event types in sorted order.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Decode unmarshals payload into T. Failures wrap ErrInvalidPayload.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, errors.Wrap(ErrInvalidPayload, "empty payload")
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, errors.Wrapf(ErrInvalidPayload, "decode %T: %v", v, err)
	}
	return v, nil
}

type validator interface {
	Validate() error
}

// Typed adapts fn into a Handler that receives the decoded, validated payload.
func Typed[T any](fn func(ctx context.Context, cmd T) error) Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		cmd, err := Decode[T](payload)
		if err != nil {
			return err
		}
		if v, ok := any(cmd).(validator); ok {
			if err := v.Validate(); err != nil {
				return err
			}
		}
		return fn(ctx, cmd)
	}
}
