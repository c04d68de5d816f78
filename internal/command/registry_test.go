package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"inbox-relay/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry(observability.NopLogger())

	var got CreateUser
	r.Register(UserCreate, Typed(func(ctx context.Context, cmd CreateUser) error {
		got = cmd
		return nil
	}))

	err := r.Dispatch(context.Background(), UserCreate, json.RawMessage(`{"userId":"u1","email":"a@example.com","name":"Ann"}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "a@example.com", got.Email)
}

func TestRegistry_UnknownTypeIsNoop(t *testing.T) {
	r := NewRegistry(observability.NopLogger())

	err := r.Dispatch(context.Background(), "order.create", json.RawMessage(`{}`))
	assert.NoError(t, err)
}

func TestRegistry_HandlerErrorPropagates(t *testing.T) {
	r := NewRegistry(observability.NopLogger())
	boom := errors.New("db down")
	r.Register(UserDelete, func(ctx context.Context, payload json.RawMessage) error {
		return boom
	})

	err := r.Dispatch(context.Background(), UserDelete, json.RawMessage(`{"userId":"u1"}`))
	assert.ErrorIs(t, err, boom)
}

func TestTyped_InvalidPayload(t *testing.T) {
	called := false
	h := Typed(func(ctx context.Context, cmd RoleChange) error {
		called = true
		return nil
	})

	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ``},
		{"malformed", `{"userId":`},
		{"missing role", `{"userId":"u1"}`},
		{"missing user", `{"role":"admin"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h(context.Background(), json.RawMessage(tt.payload))
			assert.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
	assert.False(t, called)
}

func TestRegistry_EventTypes(t *testing.T) {
	r := NewRegistry(observability.NopLogger())
	noop := func(ctx context.Context, payload json.RawMessage) error { return nil }
	r.Register(UserUpdate, noop)
	r.Register(UserActivate, noop)

	assert.Equal(t, []string{UserActivate, UserUpdate}, r.EventTypes())
}
