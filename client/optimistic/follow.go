package optimistic

import (
	"context"
	"sync"
	"time"

	"chat-sync/client/deadline"
	"chat-sync/client/reqguard"
	"chat-sync/client/storeerr"
)

type FollowStore interface {
	InsertFollow(ctx context.Context, followerID, followedID string) error
	DeleteFollow(ctx context.Context, followerID, followedID string) error
	IsFollowing(ctx context.Context, followerID, followedID string) (bool, error)
	FollowerCount(ctx context.Context, userID string) (int, error)
}

// FollowState is what a profile page shows for one target.
type FollowState struct {
	Following bool
	Followers int
}

// Follows keeps the local follow state per target and toggles it
// optimistically.
type Follows struct {
	store   FollowStore
	guard   *reqguard.Guard
	timeout time.Duration
	check   func(ctx context.Context, err error) error

	mu     sync.Mutex
	states map[string]FollowState
}

func NewFollows(s FollowStore, guard *reqguard.Guard, timeout time.Duration, check func(context.Context, error) error) *Follows {
	return &Follows{store: s, guard: guard, timeout: timeout, check: check, states: make(map[string]FollowState)}
}

// Load reads the authoritative state for target.
func (f *Follows) Load(ctx context.Context, actor, target string) (FollowState, error) {
	st, err := f.fetch(ctx, actor, target)
	if err != nil {
		return f.State(target), err
	}
	f.set(target, st)
	return st, nil
}

// State returns the local state for target.
func (f *Follows) State(target string) FollowState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[target]
}

// Toggle flips following and adjusts the follower count by one right away,
// then writes to the store. On failure both revert to their previous values.
func (f *Follows) Toggle(ctx context.Context, actor, target string) (FollowState, error) {
	if actor == target {
		return f.State(target), storeerr.New(storeerr.InvalidArgument, "cannot follow yourself")
	}

	var next FollowState
	err := Run(ctx, f.guard, Mutation{
		Key: reqguard.Key("follow", actor, target),
		Apply: func() func() {
			f.mu.Lock()
			prev := f.states[target]
			next = FollowState{Following: !prev.Following, Followers: prev.Followers + 1}
			if prev.Following {
				next.Followers = max(prev.Followers-1, 0)
			}
			f.states[target] = next
			f.mu.Unlock()
			return func() { f.set(target, prev) }
		},
		Commit: func(ctx context.Context) error {
			return deadline.Do(ctx, f.timeout, func(ctx context.Context) error {
				if next.Following {
					return f.store.InsertFollow(ctx, actor, target)
				}
				return f.store.DeleteFollow(ctx, actor, target)
			})
		},
		Reconcile: func(ctx context.Context) error {
			st, err := f.fetch(ctx, actor, target)
			if err != nil {
				return err
			}
			f.set(target, st)
			return nil
		},
		Check: f.check,
	})
	return f.State(target), err
}

func (f *Follows) fetch(ctx context.Context, actor, target string) (FollowState, error) {
	return deadline.Run(ctx, f.timeout, func(ctx context.Context) (FollowState, error) {
		following, err := f.store.IsFollowing(ctx, actor, target)
		if err != nil {
			return FollowState{}, err
		}
		n, err := f.store.FollowerCount(ctx, target)
		if err != nil {
			return FollowState{}, err
		}
		return FollowState{Following: following, Followers: n}, nil
	})
}

func (f *Follows) set(target string, st FollowState) {
	f.mu.Lock()
	f.states[target] = st
	f.mu.Unlock()
}
