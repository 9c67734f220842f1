// Package chat wires the synchronization core together. A Service is created
// once per signed-in session and owns the request guard, the session guard
// and everything built on them; views opened from it are torn down with it.
package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"chat-sync/client/deadline"
	"chat-sync/client/optimistic"
	"chat-sync/client/profiles"
	"chat-sync/client/realtime"
	"chat-sync/client/reqguard"
	"chat-sync/client/resolver"
	"chat-sync/client/session"
	"chat-sync/client/storeerr"
	"chat-sync/logger"
	"chat-sync/models"
)

// ErrBusy is returned when the same action is already running.
var ErrBusy = optimistic.ErrInFlight

// Backend is the remote store as the core uses it. Both store.Client and
// storetest.Session satisfy it.
type Backend interface {
	resolver.Store
	profiles.Source
	realtime.Source
	optimistic.FollowStore
	MembershipsByConversations(ctx context.Context, ids []string) ([]models.ConversationParticipant, error)
	MessagesByConversation(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	InsertMessage(ctx context.Context, m models.Message) (models.Message, error)
}

type Config struct {
	// RequestCeiling force-releases request guard keys held this long.
	RequestCeiling time.Duration
	// CallTimeout bounds every store call.
	CallTimeout time.Duration
	// HistoryLimit is how many recent messages a view fetches.
	HistoryLimit int
	// MembershipRetries bounds retried membership inserts.
	MembershipRetries int
	RetryBackoff      time.Duration
	// LoginURL is where the user is sent when the session ends.
	LoginURL  string
	Reconnect realtime.Policy
}

func DefaultConfig() Config {
	return Config{
		RequestCeiling:    reqguard.DefaultCeiling,
		CallTimeout:       8 * time.Second,
		HistoryLimit:      200,
		MembershipRetries: resolver.DefaultRetries,
		RetryBackoff:      resolver.DefaultBackoff,
		LoginURL:          "/login",
		Reconnect:         realtime.Policy{Attempts: 3, Backoff: time.Second},
	}
}

// ConversationSummary 会话列表项
type ConversationSummary struct {
	ID        string
	UpdatedAt time.Time
	Peer      models.Profile
	// PeerKnown is false when the other participant has no profile row or
	// the membership row is not visible yet.
	PeerKnown bool
}

type Service struct {
	cfg      Config
	backend  Backend
	identity session.Identity

	guard    *reqguard.Guard
	session  *session.Guard
	resolver *resolver.Resolver
	profiles *profiles.Loader
	follows  *optimistic.Follows

	mu            sync.Mutex
	views         map[*View]struct{}
	conversations []ConversationSummary
	closed        bool
}

func NewService(backend Backend, identity session.Identity, nav session.Navigator, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.RequestCeiling <= 0 {
		cfg.RequestCeiling = def.RequestCeiling
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.LoginURL == "" {
		cfg.LoginURL = def.LoginURL
	}

	guard := reqguard.New(cfg.RequestCeiling)
	s := &Service{
		cfg:      cfg,
		backend:  backend,
		identity: identity,
		guard:    guard,
		session:  session.New(identity, nav, guard, cfg.LoginURL),
		resolver: resolver.New(backend, resolver.Config{
			CallTimeout: cfg.CallTimeout,
			Retries:     cfg.MembershipRetries,
			Backoff:     cfg.RetryBackoff,
		}),
		profiles: profiles.NewLoader(backend, cfg.CallTimeout),
		views:    make(map[*View]struct{}),
	}
	s.follows = optimistic.NewFollows(backend, guard, cfg.CallTimeout, s.session.Check)
	s.session.OnEnd(s.dropSessionState)
	return s
}

// Ended reports whether the session guard has signed the user out.
func (s *Service) Ended() bool { return s.session.Ended() }

// Close tears down every open view and the request guard.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	views := s.openViewsLocked()
	s.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
	s.guard.Close()
}

// StartOrGetConversation returns the direct conversation between the current
// user and otherUserID, creating it if needed.
func (s *Service) StartOrGetConversation(ctx context.Context, otherUserID string) (string, error) {
	self := s.identity.CurrentUserID()
	key := reqguard.Key("start-conversation", self, otherUserID)
	if !s.guard.Start(key) {
		return "", ErrBusy
	}
	defer s.guard.Finish(key)

	var id string
	err := s.session.Protect(ctx, func(ctx context.Context) error {
		var err error
		id, err = s.resolver.ResolveOrCreate(ctx, self, otherUserID)
		return err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// FollowState reads the authoritative follow state for target.
func (s *Service) FollowState(ctx context.Context, target string) (optimistic.FollowState, error) {
	self := s.identity.CurrentUserID()
	var st optimistic.FollowState
	err := s.session.Protect(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.follows.Load(ctx, self, target)
		return err
	})
	if err != nil {
		return s.follows.State(target), err
	}
	return st, nil
}

// ToggleFollow flips following target for the current user. The returned
// state is the one to render, reverted on failure.
func (s *Service) ToggleFollow(ctx context.Context, target string) (optimistic.FollowState, error) {
	if s.session.Ended() {
		return s.follows.State(target), session.ErrSessionEnded
	}
	return s.follows.Toggle(ctx, s.identity.CurrentUserID(), target)
}

// Conversations returns the last successfully loaded conversation list.
func (s *Service) Conversations() []ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ConversationSummary(nil), s.conversations...)
}

// LoadConversations refreshes the current user's conversation list, most
// recently updated first. On failure the previous list is returned with the
// error.
func (s *Service) LoadConversations(ctx context.Context) ([]ConversationSummary, error) {
	self := s.identity.CurrentUserID()
	key := reqguard.Key("load-conversations", self)
	if !s.guard.Start(key) {
		return s.Conversations(), ErrBusy
	}
	defer s.guard.Finish(key)

	var list []ConversationSummary
	err := s.session.Protect(ctx, func(ctx context.Context) error {
		var err error
		list, err = s.fetchConversations(ctx, self)
		return err
	})
	if err != nil {
		logger.Warningf("chat: loading conversations of %s: %v", self, err)
		return s.Conversations(), err
	}

	s.mu.Lock()
	s.conversations = list
	s.mu.Unlock()
	return append([]ConversationSummary(nil), list...), nil
}

func (s *Service) fetchConversations(ctx context.Context, self string) ([]ConversationSummary, error) {
	own, err := call(ctx, s.cfg.CallTimeout, func(ctx context.Context) ([]models.ConversationParticipant, error) {
		return s.backend.MembershipsByUser(ctx, self)
	})
	if err != nil {
		return nil, err
	}
	if len(own) == 0 {
		return []ConversationSummary{}, nil
	}
	ids := make([]string, 0, len(own))
	for _, m := range own {
		ids = append(ids, m.ConversationID)
	}

	convs, err := call(ctx, s.cfg.CallTimeout, func(ctx context.Context) ([]models.Conversation, error) {
		return s.backend.ConversationsByIDs(ctx, ids)
	})
	if err != nil {
		return nil, err
	}
	members, err := call(ctx, s.cfg.CallTimeout, func(ctx context.Context) ([]models.ConversationParticipant, error) {
		return s.backend.MembershipsByConversations(ctx, ids)
	})
	if err != nil {
		return nil, err
	}

	peers := make(map[string]string, len(convs))
	for _, m := range members {
		if m.UserID != self {
			peers[m.ConversationID] = m.UserID
		}
	}
	peerIDs := make([]string, 0, len(peers))
	for _, id := range peers {
		peerIDs = append(peerIDs, id)
	}
	found, err := s.profiles.Load(ctx, peerIDs)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		sum := ConversationSummary{ID: c.ID, UpdatedAt: c.UpdatedAt}
		if peer, ok := peers[c.ID]; ok {
			sum.Peer, sum.PeerKnown = profiles.Lookup(found, peer)
		} else if a, b, ok := models.DirectKeyMembers(deref(c.DirectKey)); ok {
			// other member not added yet; the direct key still names them
			other := a
			if other == self {
				other = b
			}
			sum.Peer = profiles.Placeholder(other)
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Open attaches to a conversation: the realtime feed first, then history.
// The returned view is usable even when loading failed; check Status.
func (s *Service) Open(ctx context.Context, conversationID string) (*View, error) {
	if conversationID == "" {
		return nil, storeerr.New(storeerr.InvalidArgument, "conversation id is required")
	}
	if s.session.Ended() {
		return nil, session.ErrSessionEnded
	}

	v := newView(s, conversationID)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("chat: service closed")
	}
	s.views[v] = struct{}{}
	s.mu.Unlock()

	if err := v.open(ctx); err != nil {
		if errors.Is(err, session.ErrSessionEnded) || storeerr.KindOf(err).SessionEnding() {
			v.Close()
			return nil, err
		}
	}
	return v, nil
}

func (s *Service) forget(v *View) {
	s.mu.Lock()
	delete(s.views, v)
	s.mu.Unlock()
}

func (s *Service) openViewsLocked() []*View {
	out := make([]*View, 0, len(s.views))
	for v := range s.views {
		out = append(out, v)
	}
	return out
}

// dropSessionState runs once when the session ends. It may be called from a
// subscriber's own goroutine, so views are closed asynchronously.
func (s *Service) dropSessionState() {
	s.mu.Lock()
	views := s.openViewsLocked()
	s.conversations = nil
	s.mu.Unlock()
	for _, v := range views {
		go v.Close()
	}
}

func call[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	v, err := deadline.Run(ctx, d, fn)
	if err != nil {
		var zero T
		if errors.Is(err, context.Canceled) {
			return zero, err
		}
		return zero, storeerr.Normalize(err)
	}
	return v, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
