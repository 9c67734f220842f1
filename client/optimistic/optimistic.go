// Package optimistic applies a local change before the store confirms it and
// reverts it when the store refuses.
package optimistic

import (
	"context"
	"errors"

	"chat-sync/client/reqguard"
	"chat-sync/client/storeerr"
	"chat-sync/logger"
)

// ErrInFlight is returned when the same mutation is already running.
var ErrInFlight = errors.New("optimistic: mutation already in flight")

// Mutation describes one apply/commit/reconcile cycle.
type Mutation struct {
	// Key identifies (action, actor, target) in the request guard.
	Key string
	// Apply changes local state and returns how to undo exactly that change.
	Apply func() (revert func())
	// Commit performs the remote write.
	Commit func(ctx context.Context) error
	// Reconcile optionally re-reads authoritative state after a commit.
	Reconcile func(ctx context.Context) error
	// Check routes a failed commit's error (e.g. through the session guard)
	// and returns the error to classify. Nil means storeerr.Normalize.
	Check func(ctx context.Context, err error) error
}

// Run executes m. A Conflict from Commit counts as success (the state the
// caller wanted already exists). Any other failure reverts the local change
// and is returned.
func Run(ctx context.Context, guard *reqguard.Guard, m Mutation) error {
	if !guard.Start(m.Key) {
		return ErrInFlight
	}
	defer guard.Finish(m.Key)

	revert := m.Apply()

	err := m.Commit(ctx)
	if err != nil {
		err = check(ctx, m, err)
		if !storeerr.Is(err, storeerr.Conflict) {
			revert()
			return err
		}
		logger.Debugf("optimistic: %s already applied remotely: %v", m.Key, err)
	}

	if m.Reconcile != nil {
		if rerr := m.Reconcile(ctx); rerr != nil {
			// the write stands; the counts are just not refreshed
			logger.Warningf("optimistic: reconcile %s failed: %v", m.Key, rerr)
		}
	}
	return nil
}

func check(ctx context.Context, m Mutation, err error) error {
	if m.Check != nil {
		return m.Check(ctx, err)
	}
	return storeerr.Normalize(err)
}
