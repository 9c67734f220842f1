package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chat-sync/client/reqguard"
	"chat-sync/client/store"
	"chat-sync/client/storeerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIdentity struct {
	invalid  atomic.Bool
	signOuts atomic.Int32
	scopes   chan Scope
}

func (f *fakeIdentity) CurrentUserID() string     { return "u1" }
func (f *fakeIdentity) CurrentSessionValid() bool { return !f.invalid.Load() }
func (f *fakeIdentity) SignOut(_ context.Context, scope Scope) error {
	f.signOuts.Add(1)
	f.scopes <- scope
	// widen the window for concurrent failures
	time.Sleep(10 * time.Millisecond)
	return nil
}

type fakeNav struct {
	mu      sync.Mutex
	targets []string
}

func (n *fakeNav) Redirect(target string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, target)
}

func (n *fakeNav) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.targets...)
}

func newGuard() (*Guard, *fakeIdentity, *fakeNav) {
	id := &fakeIdentity{scopes: make(chan Scope, 10)}
	nav := &fakeNav{}
	flights := reqguard.New(time.Minute)
	return New(id, nav, flights, "https://app.example/login"), id, nav
}

var expired = &store.APIError{Status: 401, Code: "PGRST301", Message: "JWT expired"}

func TestProtect_ConcurrentAuthFailuresSignOutOnce(t *testing.T) {
	g, id, nav := newGuard()
	var invalidated atomic.Int32
	g.OnEnd(func() { invalidated.Add(1) })

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.Protect(context.Background(), func(context.Context) error { return expired })
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.True(t, errors.Is(err, ErrSessionEnded) || storeerr.Is(err, storeerr.AuthExpired), "got %v", err)
	}
	assert.Equal(t, int32(1), id.signOuts.Load())
	assert.Equal(t, int32(1), invalidated.Load())
	assert.Equal(t, []string{"https://app.example/login?reason=session_expired"}, nav.all())
	assert.Equal(t, ScopeLocal, <-id.scopes)
	assert.True(t, g.Ended())
}

func TestProtect_SuppressesCallsAfterEnd(t *testing.T) {
	g, _, _ := newGuard()
	err := g.Protect(context.Background(), func(context.Context) error {
		return &store.APIError{Status: 403, Code: "42501", Message: "permission denied for table conversations"}
	})
	assert.True(t, storeerr.Is(err, storeerr.PermissionDenied))

	called := false
	err = g.Protect(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.False(t, called)
}

func TestCheck_OtherKindsPassThrough(t *testing.T) {
	g, id, nav := newGuard()

	err := g.Check(context.Background(), &store.APIError{Status: 409, Code: "23505", Message: "duplicate key"})
	assert.True(t, storeerr.Is(err, storeerr.Conflict))
	require.NoError(t, g.Check(context.Background(), nil))

	assert.False(t, g.Ended())
	assert.Zero(t, id.signOuts.Load())
	assert.Empty(t, nav.all())
}

func TestProtect_InvalidLocalSession(t *testing.T) {
	g, id, nav := newGuard()
	id.invalid.Store(true)

	called := false
	err := g.Protect(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.False(t, called)
	assert.Equal(t, int32(1), id.signOuts.Load())
	assert.Len(t, nav.all(), 1)
}

func TestCheck_SignOutSurvivesCancelledCaller(t *testing.T) {
	g, id, _ := newGuard()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = g.Check(ctx, expired)
	assert.Equal(t, int32(1), id.signOuts.Load())
}
