// Package session ends the local session once when the store reports that
// the caller's token expired or a policy rejected it.
package session

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"chat-sync/client/reqguard"
	"chat-sync/client/storeerr"
	"chat-sync/logger"
)

// GuardKey is the request-guard key held while signing out.
const GuardKey = "session-guard"

// ErrSessionEnded is returned instead of running protected calls once the
// session has been ended.
var ErrSessionEnded = errors.New("session: signed out")

type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeGlobal Scope = "global"
)

// Identity is the identity provider as seen by the core.
type Identity interface {
	CurrentUserID() string
	CurrentSessionValid() bool
	SignOut(ctx context.Context, scope Scope) error
}

// Navigator sends the user somewhere else, e.g. the login entry point.
type Navigator interface {
	Redirect(target string)
}

type Guard struct {
	identity Identity
	nav      Navigator
	flights  *reqguard.Guard
	loginURL string

	ended atomic.Bool

	mu    sync.Mutex
	onEnd []func()
}

// New builds a guard sharing the process-wide request guard.
func New(identity Identity, nav Navigator, flights *reqguard.Guard, loginURL string) *Guard {
	return &Guard{identity: identity, nav: nav, flights: flights, loginURL: loginURL}
}

// OnEnd registers fn to drop local session state when the session ends.
func (g *Guard) OnEnd(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onEnd = append(g.onEnd, fn)
}

// Ended reports whether protected calls are suppressed.
func (g *Guard) Ended() bool { return g.ended.Load() }

// Check normalizes err and ends the session if it is AuthExpired or
// PermissionDenied. The normalized error is returned.
func (g *Guard) Check(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionEnded) || errors.Is(err, context.Canceled) {
		return err
	}
	n := storeerr.Normalize(err)
	if n.Kind.SessionEnding() {
		g.end(ctx, n)
	}
	return n
}

// Protect runs fn unless the session has ended, then checks its error.
func (g *Guard) Protect(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.Ended() {
		return ErrSessionEnded
	}
	if !g.identity.CurrentSessionValid() {
		g.end(ctx, storeerr.New(storeerr.AuthExpired, "local session is no longer valid"))
		return ErrSessionEnded
	}
	return g.Check(ctx, fn(ctx))
}

func (g *Guard) end(ctx context.Context, cause *storeerr.Error) {
	if g.ended.Load() || !g.flights.Start(GuardKey) {
		return
	}
	defer g.flights.Finish(GuardKey)
	if !g.ended.CompareAndSwap(false, true) {
		return
	}

	logger.Warningf("🔴 session: ending session of %q: %v", g.identity.CurrentUserID(), cause)

	g.mu.Lock()
	hooks := append([]func(){}, g.onEnd...)
	g.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	// sign-out must finish even when the failing view is already torn down
	signOutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.identity.SignOut(signOutCtx, ScopeLocal); err != nil {
		logger.Warningf("session: local sign-out failed: %v", err)
	}
	g.nav.Redirect(g.redirectTarget())
}

func (g *Guard) redirectTarget() string {
	u, err := url.Parse(g.loginURL)
	if err != nil {
		return g.loginURL
	}
	q := u.Query()
	q.Set("reason", "session_expired")
	u.RawQuery = q.Encode()
	return u.String()
}
