package optimistic

import (
	"context"
	"errors"
	"testing"
	"time"

	"chat-sync/client/reqguard"
	"chat-sync/client/store"
	"chat-sync/client/store/storetest"
	"chat-sync/client/storeerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_RevertsOnFailure(t *testing.T) {
	g := reqguard.New(time.Minute)
	value := 1

	err := Run(context.Background(), g, Mutation{
		Key: "set:u1",
		Apply: func() func() {
			prev := value
			value = 2
			return func() { value = prev }
		},
		Commit: func(context.Context) error { return errors.New("connection reset by peer") },
	})
	assert.True(t, storeerr.Is(err, storeerr.Unknown))
	assert.Equal(t, 1, value)
	assert.False(t, g.Pending("set:u1"))
}

func TestRun_ConflictIsSuccess(t *testing.T) {
	g := reqguard.New(time.Minute)
	value, reconciled := 1, false

	err := Run(context.Background(), g, Mutation{
		Key: "set:u1",
		Apply: func() func() {
			value = 2
			return func() { value = 1 }
		},
		Commit:    func(context.Context) error { return &store.APIError{Status: 409, Code: "23505"} },
		Reconcile: func(context.Context) error { reconciled = true; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, 2, value)
	assert.True(t, reconciled)
}

func TestRun_CheckSeesFailure(t *testing.T) {
	g := reqguard.New(time.Minute)
	var seen error
	err := Run(context.Background(), g, Mutation{
		Key:    "k",
		Apply:  func() func() { return func() {} },
		Commit: func(context.Context) error { return &store.APIError{Status: 401, Code: "PGRST301"} },
		Check: func(_ context.Context, err error) error {
			seen = err
			return storeerr.Normalize(err)
		},
	})
	assert.True(t, storeerr.Is(err, storeerr.AuthExpired))
	assert.NotNil(t, seen)
}

func TestRun_InFlightIsRejected(t *testing.T) {
	g := reqguard.New(time.Minute)
	require.True(t, g.Start("k"))
	applied := false
	err := Run(context.Background(), g, Mutation{
		Key:    "k",
		Apply:  func() func() { applied = true; return func() {} },
		Commit: func(context.Context) error { return nil },
	})
	assert.ErrorIs(t, err, ErrInFlight)
	assert.False(t, applied)
}

func newFollows(db *storetest.DB, user string) *Follows {
	return NewFollows(db.As(user), reqguard.New(time.Minute), time.Second, nil)
}

func TestToggle_FlipsImmediatelyAndReconciles(t *testing.T) {
	db := storetest.NewDB()
	require.NoError(t, db.As("u3").InsertFollow(context.Background(), "u3", "u2"))
	f := newFollows(db, "u1")

	before, err := f.Load(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, FollowState{Following: false, Followers: 1}, before)

	var during FollowState
	db.Before(storetest.OpInsertFollow, func(string) { during = f.State("u2") })

	after, err := f.Toggle(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, FollowState{Following: true, Followers: 2}, during)
	assert.Equal(t, FollowState{Following: true, Followers: 2}, after)

	after, err = f.Toggle(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, FollowState{Following: false, Followers: 1}, after)
}

func TestToggle_RevertsExactlyOnBackendFailure(t *testing.T) {
	db := storetest.NewDB()
	f := newFollows(db, "u1")
	_, err := f.Load(context.Background(), "u1", "u2")
	require.NoError(t, err)
	before := f.State("u2")

	db.Fail(storetest.OpInsertFollow, 1, &store.APIError{Status: 500, Message: "internal error"})
	got, err := f.Toggle(context.Background(), "u1", "u2")
	require.Error(t, err)
	assert.Equal(t, before, got)
	assert.Equal(t, before, f.State("u2"))

	ok, err := db.As("u1").IsFollowing(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestToggle_AlreadyFollowingIsSuccess(t *testing.T) {
	db := storetest.NewDB()
	// followed from another device; this client's state is stale
	require.NoError(t, db.As("u1").InsertFollow(context.Background(), "u1", "u2"))
	f := newFollows(db, "u1")

	got, err := f.Toggle(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Equal(t, FollowState{Following: true, Followers: 1}, got)
}

func TestToggle_DoubleClickIsDeduplicated(t *testing.T) {
	db := storetest.NewDB()
	f := newFollows(db, "u1")

	var second error
	db.Before(storetest.OpInsertFollow, func(string) {
		_, second = f.Toggle(context.Background(), "u1", "u2")
	})
	_, err := f.Toggle(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.ErrorIs(t, second, ErrInFlight)
	assert.Equal(t, 1, db.Calls(storetest.OpInsertFollow))
	assert.True(t, f.State("u2").Following)
}

func TestToggle_Self(t *testing.T) {
	f := newFollows(storetest.NewDB(), "u1")
	_, err := f.Toggle(context.Background(), "u1", "u1")
	assert.True(t, storeerr.Is(err, storeerr.InvalidArgument))
}
