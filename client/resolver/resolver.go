// Package resolver finds or creates the direct conversation between two users.
//
// The store only lets a caller add another user's membership once the caller
// is itself a member, so memberships are written in two steps: self first,
// then the other user. The conversation row carries a unique direct key, which
// turns a creation race into a Conflict that the loser resolves by reading the
// winner's conversation.
package resolver

import (
	"context"
	"fmt"
	"time"

	"chat-sync/client/deadline"
	"chat-sync/client/storeerr"
	"chat-sync/logger"
	"chat-sync/models"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

type Store interface {
	MembershipsByUser(ctx context.Context, userID string) ([]models.ConversationParticipant, error)
	ConversationsByIDs(ctx context.Context, ids []string) ([]models.Conversation, error)
	ConversationByDirectKey(ctx context.Context, key string) (models.Conversation, error)
	InsertConversation(ctx context.Context, c models.Conversation) (models.Conversation, error)
	InsertMembership(ctx context.Context, m models.ConversationParticipant) error
}

const (
	DefaultRetries = 3
	DefaultBackoff = 100 * time.Millisecond
)

type Config struct {
	// CallTimeout bounds every store call.
	CallTimeout time.Duration
	// Retries is how many times a failed membership insert is retried.
	Retries int
	// Backoff is the base delay between retries; it grows linearly.
	Backoff time.Duration
}

type Resolver struct {
	store Store
	cfg   Config
}

func New(s Store, cfg Config) *Resolver {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 8 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &Resolver{store: s, cfg: cfg}
}

// ResolveOrCreate returns the id of the conversation whose members are
// exactly userA and userB, creating it when none exists. userA is the acting
// user. Concurrent calls for the same pair, in either order, settle on the
// same id.
func (r *Resolver) ResolveOrCreate(ctx context.Context, userA, userB string) (string, error) {
	if userA == "" || userB == "" {
		return "", storeerr.New(storeerr.InvalidArgument, "both user ids are required")
	}
	if userA == userB {
		return "", storeerr.New(storeerr.InvalidArgument, "cannot open a conversation with yourself (%s)", userA)
	}

	id, err := r.findShared(ctx, userA, userB)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	key := models.DirectKey(userA, userB)
	conv, err := call(ctx, r.cfg.CallTimeout, func(ctx context.Context) (models.Conversation, error) {
		return r.store.InsertConversation(ctx, models.Conversation{ID: uuid.NewString(), DirectKey: &key})
	})
	switch {
	case err == nil:
	case storeerr.Is(err, storeerr.Conflict):
		return r.afterRace(ctx, userA, userB, key)
	default:
		return "", err
	}

	if err := r.completeMemberships(ctx, conv.ID, userA, userB); err != nil {
		logger.Warningf("⚠️ resolver: conversation %s left with incomplete memberships: %v", conv.ID, err)
		return "", err
	}
	logger.Debugf("resolver: created conversation %s for %s", conv.ID, key)
	return conv.ID, nil
}

// findShared intersects the conversation ids of both users' memberships.
func (r *Resolver) findShared(ctx context.Context, userA, userB string) (string, error) {
	var mineRows, theirRows []models.ConversationParticipant

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		rows, err := call(ctx, r.cfg.CallTimeout, func(ctx context.Context) ([]models.ConversationParticipant, error) {
			return r.store.MembershipsByUser(ctx, userA)
		})
		mineRows = rows
		return err
	})
	p.Go(func(ctx context.Context) error {
		rows, err := call(ctx, r.cfg.CallTimeout, func(ctx context.Context) ([]models.ConversationParticipant, error) {
			return r.store.MembershipsByUser(ctx, userB)
		})
		theirRows = rows
		return err
	})
	if err := p.Wait(); err != nil {
		return "", storeerr.Normalize(err)
	}

	mine := make(map[string]struct{}, len(mineRows))
	for _, m := range mineRows {
		mine[m.ConversationID] = struct{}{}
	}
	var shared []string
	for _, m := range theirRows {
		if _, ok := mine[m.ConversationID]; ok {
			shared = append(shared, m.ConversationID)
		}
	}

	switch len(shared) {
	case 0:
		return "", nil
	case 1:
		return shared[0], nil
	}

	logger.Errorf("⚠️ resolver: data integrity: %d conversations shared by %s and %s: %v", len(shared), userA, userB, shared)
	convs, err := call(ctx, r.cfg.CallTimeout, func(ctx context.Context) ([]models.Conversation, error) {
		return r.store.ConversationsByIDs(ctx, shared)
	})
	if err != nil {
		return "", err
	}
	if len(convs) == 0 {
		return shared[0], nil
	}
	latest := convs[0]
	for _, c := range convs[1:] {
		if c.UpdatedAt.After(latest.UpdatedAt) {
			latest = c
		}
	}
	return latest.ID, nil
}

// afterRace handles a Conflict on the conversation insert: another caller
// owns the direct key. Re-read the memberships first; if the winner has not
// finished (or died) adopt its conversation and complete the memberships.
func (r *Resolver) afterRace(ctx context.Context, userA, userB, key string) (string, error) {
	id, err := r.findShared(ctx, userA, userB)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}

	conv, err := call(ctx, r.cfg.CallTimeout, func(ctx context.Context) (models.Conversation, error) {
		return r.store.ConversationByDirectKey(ctx, key)
	})
	if err != nil {
		if storeerr.Is(err, storeerr.NotFound) {
			return "", &storeerr.Error{Kind: storeerr.Conflict, Message: "direct conversation " + key + " exists but is not visible", Err: err}
		}
		return "", err
	}
	if err := r.completeMemberships(ctx, conv.ID, userA, userB); err != nil {
		return "", err
	}
	logger.Debugf("resolver: joined existing conversation %s for %s", conv.ID, key)
	return conv.ID, nil
}

// completeMemberships inserts self then other. A Conflict means the row is
// already there (a racing caller or an earlier attempt wrote it).
func (r *Resolver) completeMemberships(ctx context.Context, conversationID, self, other string) error {
	for _, userID := range []string{self, other} {
		m := models.ConversationParticipant{ConversationID: conversationID, UserID: userID}
		if err := r.insertMembership(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) insertMembership(ctx context.Context, m models.ConversationParticipant) error {
	var errs error
	for attempt := 0; attempt <= r.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * r.cfg.Backoff):
			case <-ctx.Done():
				return multierr.Append(errs, ctx.Err())
			}
		}

		_, err := call(ctx, r.cfg.CallTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, r.store.InsertMembership(ctx, m)
		})
		if err == nil || storeerr.Is(err, storeerr.Conflict) {
			return nil
		}
		errs = multierr.Append(errs, err)
		if !storeerr.KindOf(err).Retryable() {
			return storeerr.Normalize(err)
		}
		logger.Debugf("resolver: membership %s/%s attempt %d failed: %v", m.ConversationID, m.UserID, attempt+1, err)
	}

	last := storeerr.Normalize(lastError(errs))
	return &storeerr.Error{
		Kind:    last.Kind,
		Code:    last.Code,
		Message: fmt.Sprintf("add %s to %s: %d attempts failed", m.UserID, m.ConversationID, r.cfg.Retries+1),
		Err:     errs,
	}
}

// call runs fn under the call timeout and normalizes its error.
func call[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	v, err := deadline.Run(ctx, d, fn)
	if err != nil {
		return v, storeerr.Normalize(err)
	}
	return v, nil
}

func lastError(err error) error {
	errs := multierr.Errors(err)
	if len(errs) == 0 {
		return err
	}
	return errs[len(errs)-1]
}
