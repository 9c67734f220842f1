package storeerr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"

	"chat-sync/client/store"
	"chat-sync/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize_Nil(t *testing.T) {
	assert.Nil(t, Normalize(nil))
	assert.False(t, Is(nil, Unknown))
}

func TestNormalize_APIErrors(t *testing.T) {
	tests := []struct {
		name string
		err  *store.APIError
		want Kind
	}{
		{"unique violation", &store.APIError{Status: 409, Code: "23505", Message: "duplicate key value"}, Conflict},
		{"rls violation", &store.APIError{Status: 403, Code: "42501", Message: "new row violates row-level security policy"}, PermissionDenied},
		{"jwt expired", &store.APIError{Status: 401, Code: "PGRST301", Message: "JWT expired"}, AuthExpired},
		{"missing column", &store.APIError{Status: 400, Code: "42703", Message: "column messages.body does not exist"}, SchemaMismatch},
		{"no rows", &store.APIError{Status: 406, Code: "PGRST116", Message: "0 rows"}, NotFound},
		{"check violation", &store.APIError{Status: 400, Code: "23514", Message: "violates check constraint"}, InvalidArgument},
		{"bare 401", &store.APIError{Status: 401}, AuthExpired},
		{"bare 403", &store.APIError{Status: 403}, PermissionDenied},
		{"bare 404", &store.APIError{Status: 404}, NotFound},
		{"bare 409", &store.APIError{Status: 409}, Conflict},
		{"gateway timeout", &store.APIError{Status: 504}, NetworkTimeout},
		{"message heuristic", &store.APIError{Status: 400, Message: "Key already exists"}, Conflict},
		{"server error", &store.APIError{Status: 500, Message: "boom"}, Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(fmt.Errorf("wrapped: %w", tt.err))
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Kind)
			assert.Equal(t, tt.err.Code, got.Code)
		})
	}
}

func TestNormalize_SchemaMismatchKeepsMessageVerbatim(t *testing.T) {
	raw := &store.APIError{Status: 400, Code: "42703", Message: "column conversations.updated_at does not exist"}
	got := Normalize(raw)
	assert.Equal(t, SchemaMismatch, got.Kind)
	assert.Equal(t, raw.Message, got.Message)
	assert.ErrorIs(t, got, raw)
}

func TestNormalize_Timeouts(t *testing.T) {
	assert.Equal(t, NetworkTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, NetworkTimeout, KindOf(fmt.Errorf("get: %w", context.DeadlineExceeded)))
	assert.Equal(t, NetworkTimeout, KindOf(errors.New("dial tcp: i/o timeout")))
}

func TestNormalize_WebsocketClose(t *testing.T) {
	assert.Equal(t, AuthExpired, KindOf(&websocket.CloseError{Code: models.CloseAuthExpired, Text: "token expired"}))
	assert.Equal(t, PermissionDenied, KindOf(&websocket.CloseError{Code: models.ClosePermissionDenied}))
	assert.Equal(t, Unknown, KindOf(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
}

func TestNormalize_AlreadyNormalized(t *testing.T) {
	orig := New(InvalidArgument, "same user %s", "u1")
	assert.Same(t, orig, Normalize(fmt.Errorf("ctx: %w", orig)))
	assert.Equal(t, "InvalidArgument: same user u1", orig.Error())
}

func TestKind_Classes(t *testing.T) {
	assert.True(t, AuthExpired.SessionEnding())
	assert.True(t, PermissionDenied.SessionEnding())
	assert.False(t, Conflict.SessionEnding())
	assert.True(t, NetworkTimeout.Retryable())
	assert.True(t, Unknown.Retryable())
	assert.False(t, SchemaMismatch.Retryable())
}

func TestNormalize_CanceledIsQuiet(t *testing.T) {
	var out bytes.Buffer
	log.SetOutput(&out)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	got := Normalize(fmt.Errorf("teardown: %w", context.Canceled))
	require.NotNil(t, got)
	assert.Equal(t, Unknown, got.Kind)
	assert.ErrorIs(t, got, context.Canceled)
	assert.Empty(t, out.String())

	Normalize(errors.New("boom"))
	assert.Contains(t, out.String(), "unclassified error")
}
