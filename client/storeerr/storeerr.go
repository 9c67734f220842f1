// Package storeerr turns the remote store's error shapes into a closed set of
// kinds. Normalize is the only function in the client that inspects raw
// errors; everything else switches on Kind.
package storeerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"chat-sync/client/store"
	"chat-sync/logger"
	"chat-sync/models"

	"github.com/gorilla/websocket"
)

type Kind int

const (
	Unknown Kind = iota
	NetworkTimeout
	AuthExpired
	PermissionDenied
	NotFound
	Conflict
	SchemaMismatch
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case NetworkTimeout:
		return "NetworkTimeout"
	case AuthExpired:
		return "AuthExpired"
	case PermissionDenied:
		return "PermissionDenied"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case SchemaMismatch:
		return "SchemaMismatch"
	case InvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// Retryable reports whether a retry affordance makes sense for the kind.
func (k Kind) Retryable() bool {
	return k == NetworkTimeout || k == Unknown
}

// SessionEnding reports whether the kind must be routed to the session guard.
func (k Kind) SessionEnding() bool {
	return k == AuthExpired || k == PermissionDenied
}

// Error is a normalized store error.
type Error struct {
	Kind    Kind
	Message string
	Code    string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf normalizes err and returns its kind. A nil error has no kind and
// reports Unknown; callers check for nil first.
func KindOf(err error) Kind {
	if n := Normalize(err); n != nil {
		return n.Kind
	}
	return Unknown
}

// Is reports whether err normalizes to kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Normalize maps err into the taxonomy. Already-normalized errors are
// returned unchanged.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var n *Error
	if errors.As(err, &n) {
		return n
	}

	if errors.Is(err, context.Canceled) {
		return &Error{Kind: Unknown, Message: "request canceled", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: NetworkTimeout, Message: "request deadline exceeded", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: NetworkTimeout, Message: netErr.Error(), Err: err}
	}

	var apiErr *store.APIError
	if errors.As(err, &apiErr) {
		return fromAPIError(apiErr, err)
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case models.CloseAuthExpired:
			return &Error{Kind: AuthExpired, Message: closeErr.Text, Err: err}
		case models.ClosePermissionDenied, websocket.ClosePolicyViolation:
			return &Error{Kind: PermissionDenied, Message: closeErr.Text, Err: err}
		}
	}

	if kind, ok := fromMessage(err.Error()); ok {
		return &Error{Kind: kind, Message: err.Error(), Err: err}
	}

	logger.Warningf("storeerr: unclassified error %T: %+v", err, err)
	return &Error{Kind: Unknown, Message: err.Error(), Err: err}
}

// vendor codes take precedence over status, status over message text.
var codeKinds = map[string]Kind{
	"23505":    Conflict,
	"42501":    PermissionDenied,
	"PGRST301": AuthExpired,
	"PGRST302": AuthExpired,
	"42703":    SchemaMismatch,
	"42P01":    SchemaMismatch,
	"PGRST204": SchemaMismatch,
	"PGRST116": NotFound,
	"23514":    InvalidArgument,
	"22P02":    InvalidArgument,
}

func fromAPIError(apiErr *store.APIError, err error) *Error {
	out := &Error{Message: apiErr.Message, Code: apiErr.Code, Err: err}
	if kind, ok := codeKinds[apiErr.Code]; ok {
		out.Kind = kind
		return out
	}
	switch apiErr.Status {
	case http.StatusUnauthorized:
		out.Kind = AuthExpired
	case http.StatusForbidden:
		out.Kind = PermissionDenied
	case http.StatusNotFound:
		out.Kind = NotFound
	case http.StatusConflict:
		out.Kind = Conflict
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		out.Kind = NetworkTimeout
	default:
		if kind, ok := fromMessage(apiErr.Message); ok {
			out.Kind = kind
			return out
		}
		logger.Warningf("storeerr: unclassified store error status=%d code=%q message=%q details=%q hint=%q",
			apiErr.Status, apiErr.Code, apiErr.Message, apiErr.Details, apiErr.Hint)
		out.Kind = Unknown
	}
	return out
}

func fromMessage(msg string) (Kind, bool) {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "jwt expired"), strings.Contains(m, "token is expired"), strings.Contains(m, "invalid jwt"):
		return AuthExpired, true
	case strings.Contains(m, "row-level security"), strings.Contains(m, "permission denied"):
		return PermissionDenied, true
	case strings.Contains(m, "duplicate key"), strings.Contains(m, "unique constraint"), strings.Contains(m, "already exists"):
		return Conflict, true
	case strings.Contains(m, "column") && strings.Contains(m, "does not exist"):
		return SchemaMismatch, true
	case strings.Contains(m, "timeout"), strings.Contains(m, "timed out"):
		return NetworkTimeout, true
	}
	return Unknown, false
}
