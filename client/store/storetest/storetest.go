// Package storetest provides an in-memory store with the same row-level
// policies, uniqueness rules and realtime feed as the remote store, plus
// fault injection for tests.
package storetest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"chat-sync/client/store"
	"chat-sync/models"

	"github.com/google/uuid"
)

// Operation names accepted by Fail, Delay, Before and Calls.
const (
	OpMembershipsByUser          = "MembershipsByUser"
	OpMembershipsByConversations = "MembershipsByConversations"
	OpConversationsByIDs         = "ConversationsByIDs"
	OpConversationByDirectKey    = "ConversationByDirectKey"
	OpInsertConversation         = "InsertConversation"
	OpInsertMembership           = "InsertMembership"
	OpProfilesByIDs              = "ProfilesByIDs"
	OpMessagesByConversation     = "MessagesByConversation"
	OpInsertMessage              = "InsertMessage"
	OpInsertFollow               = "InsertFollow"
	OpDeleteFollow               = "DeleteFollow"
	OpIsFollowing                = "IsFollowing"
	OpFollowerCount              = "FollowerCount"
	OpSubscribe                  = "Subscribe"
)

type fault struct {
	op        string
	remaining int
	err       error
}

type followKey struct{ follower, followed string }

// DB is the shared backend; As returns a caller-scoped view of it.
type DB struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	directKeys    map[string]string
	participants  map[string]map[string]models.ConversationParticipant
	messages      map[string]models.Message
	profiles      map[string]models.Profile
	follows       map[followKey]models.Follow
	expired       map[string]bool
	feeds         map[string]map[*feed]struct{}

	faults []*fault
	delays map[string]time.Duration
	before map[string]func(user string)
	calls  map[string]int

	base time.Time
	tick int
}

func NewDB() *DB {
	return &DB{
		conversations: make(map[string]*models.Conversation),
		directKeys:    make(map[string]string),
		participants:  make(map[string]map[string]models.ConversationParticipant),
		messages:      make(map[string]models.Message),
		profiles:      make(map[string]models.Profile),
		follows:       make(map[followKey]models.Follow),
		expired:       make(map[string]bool),
		feeds:         make(map[string]map[*feed]struct{}),
		delays:        make(map[string]time.Duration),
		before:        make(map[string]func(string)),
		calls:         make(map[string]int),
		base:          time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

// As returns the store as seen by userID.
func (db *DB) As(userID string) *Session {
	return &Session{db: db, user: userID}
}

func (db *DB) AddProfile(p models.Profile) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.profiles[p.ID] = p
}

// Fail makes the next times calls of op return err.
func (db *DB) Fail(op string, times int, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.faults = append(db.faults, &fault{op: op, remaining: times, err: err})
}

// Delay makes op sleep for d (or until its context ends) before running.
func (db *DB) Delay(op string, d time.Duration) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.delays[op] = d
}

// Before registers fn to run, outside the lock, before each call of op.
func (db *DB) Before(op string, fn func(user string)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.before[op] = fn
}

// Expire makes every further call by userID fail with an expired token.
func (db *DB) Expire(userID string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.expired[userID] = true
}

func (db *DB) Calls(op string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.calls[op]
}

func (db *DB) Conversations() []models.Conversation {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]models.Conversation, 0, len(db.conversations))
	for _, c := range db.conversations {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Members lists member ids of a conversation, sorted.
func (db *DB) Members(conversationID string) []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []string
	for uid := range db.participants[conversationID] {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out
}

// SeedConversation inserts a conversation and members bypassing policies.
func (db *DB) SeedConversation(c models.Conversation, members ...string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = db.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	db.conversations[c.ID] = &c
	if c.DirectKey != nil {
		db.directKeys[*c.DirectKey] = c.ID
	}
	for _, uid := range members {
		db.addMemberLocked(c.ID, uid)
	}
}

// Publish stores m bypassing policies and pushes it to subscribers.
func (db *DB) Publish(m models.Message) models.Message {
	db.mu.Lock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = db.now()
	}
	db.messages[m.ID] = m
	targets := db.feedsLocked(m.ConversationID)
	db.mu.Unlock()

	for _, f := range targets {
		f.push(m)
	}
	return m
}

// Push delivers m to subscribers without storing it.
func (db *DB) Push(m models.Message) {
	db.mu.Lock()
	targets := db.feedsLocked(m.ConversationID)
	db.mu.Unlock()
	for _, f := range targets {
		f.push(m)
	}
}

// Disconnect ends every feed of the conversation with err.
func (db *DB) Disconnect(conversationID string, err error) {
	db.mu.Lock()
	targets := db.feedsLocked(conversationID)
	delete(db.feeds, conversationID)
	db.mu.Unlock()
	for _, f := range targets {
		f.end(err)
	}
}

// Subscribers counts live feeds for a conversation.
func (db *DB) Subscribers(conversationID string) int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.feeds[conversationID])
}

// Time returns the n-th timestamp handed out by the fake clock.
func (db *DB) Time(n int) time.Time {
	return db.base.Add(time.Duration(n) * time.Millisecond)
}

func (db *DB) now() time.Time {
	db.tick++
	return db.base.Add(time.Duration(db.tick) * time.Millisecond)
}

func (db *DB) feedsLocked(conversationID string) []*feed {
	out := make([]*feed, 0, len(db.feeds[conversationID]))
	for f := range db.feeds[conversationID] {
		out = append(out, f)
	}
	return out
}

func (db *DB) addMemberLocked(conversationID, userID string) {
	rows := db.participants[conversationID]
	if rows == nil {
		rows = make(map[string]models.ConversationParticipant)
		db.participants[conversationID] = rows
	}
	rows[userID] = models.ConversationParticipant{ConversationID: conversationID, UserID: userID, JoinedAt: db.now()}
}

func (db *DB) isMemberLocked(conversationID, userID string) bool {
	_, ok := db.participants[conversationID][userID]
	return ok
}

func (db *DB) canSeeConversationLocked(c *models.Conversation, userID string) bool {
	if db.isMemberLocked(c.ID, userID) {
		return true
	}
	return c.DirectKey != nil && *c.DirectKey != "" && c.HasDirectMember(userID)
}

// enter runs hooks, delays and faults for one call.
func (db *DB) enter(ctx context.Context, op, user string) error {
	db.mu.Lock()
	db.calls[op]++
	hook := db.before[op]
	delay := db.delays[op]
	db.mu.Unlock()

	if hook != nil {
		hook(user)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.expired[user] {
		return &store.APIError{Status: http.StatusUnauthorized, Code: "PGRST301", Message: "JWT expired"}
	}
	for i, f := range db.faults {
		if f.op != op || f.remaining <= 0 {
			continue
		}
		f.remaining--
		if f.remaining == 0 {
			db.faults = append(db.faults[:i], db.faults[i+1:]...)
		}
		return f.err
	}
	return nil
}

func rlsDenied(table string) error {
	return &store.APIError{
		Status:  http.StatusForbidden,
		Code:    "42501",
		Message: fmt.Sprintf("new row violates row-level security policy for table %q", table),
	}
}

func duplicate(constraint string) error {
	return &store.APIError{
		Status:  http.StatusConflict,
		Code:    "23505",
		Message: fmt.Sprintf("duplicate key value violates unique constraint %q", constraint),
	}
}

// Session is the caller-scoped store; it has the same methods as store.Client.
type Session struct {
	db   *DB
	user string
}

func (s *Session) MembershipsByUser(ctx context.Context, userID string) ([]models.ConversationParticipant, error) {
	if err := s.db.enter(ctx, OpMembershipsByUser, s.user); err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.ConversationParticipant
	for convID, rows := range s.db.participants {
		row, ok := rows[userID]
		if !ok || !s.db.isMemberLocked(convID, s.user) {
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (s *Session) MembershipsByConversations(ctx context.Context, ids []string) ([]models.ConversationParticipant, error) {
	if err := s.db.enter(ctx, OpMembershipsByConversations, s.user); err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.ConversationParticipant
	for _, id := range ids {
		if !s.db.isMemberLocked(id, s.user) {
			continue
		}
		for _, row := range s.db.participants[id] {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *Session) ConversationsByIDs(ctx context.Context, ids []string) ([]models.Conversation, error) {
	if err := s.db.enter(ctx, OpConversationsByIDs, s.user); err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Conversation
	for _, id := range ids {
		c, ok := s.db.conversations[id]
		if ok && s.db.canSeeConversationLocked(c, s.user) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Session) ConversationByDirectKey(ctx context.Context, key string) (models.Conversation, error) {
	if err := s.db.enter(ctx, OpConversationByDirectKey, s.user); err != nil {
		return models.Conversation{}, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if id, ok := s.db.directKeys[key]; ok {
		if c := s.db.conversations[id]; s.db.canSeeConversationLocked(c, s.user) {
			return *c, nil
		}
	}
	return models.Conversation{}, &store.APIError{Status: http.StatusNotFound, Code: "PGRST116", Message: "no conversation for direct key " + key}
}

func (s *Session) InsertConversation(ctx context.Context, c models.Conversation) (models.Conversation, error) {
	if err := s.db.enter(ctx, OpInsertConversation, s.user); err != nil {
		return models.Conversation{}, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if !c.HasDirectMember(s.user) {
		return models.Conversation{}, rlsDenied(store.TableConversations)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, dup := s.db.conversations[c.ID]; dup {
		return models.Conversation{}, duplicate("conversations_pkey")
	}
	if c.DirectKey != nil {
		if _, dup := s.db.directKeys[*c.DirectKey]; dup {
			return models.Conversation{}, duplicate("idx_conversations_direct_key")
		}
		s.db.directKeys[*c.DirectKey] = c.ID
	}
	c.CreatedAt = s.db.now()
	c.UpdatedAt = c.CreatedAt
	s.db.conversations[c.ID] = &c
	return c, nil
}

func (s *Session) InsertMembership(ctx context.Context, m models.ConversationParticipant) error {
	if err := s.db.enter(ctx, OpInsertMembership, s.user); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	c, ok := s.db.conversations[m.ConversationID]
	if !ok {
		return rlsDenied(store.TableParticipants)
	}
	switch {
	case m.UserID == s.user:
		if !c.HasDirectMember(s.user) {
			return rlsDenied(store.TableParticipants)
		}
	case !s.db.isMemberLocked(c.ID, s.user) || !c.HasDirectMember(m.UserID):
		return rlsDenied(store.TableParticipants)
	}
	if s.db.isMemberLocked(c.ID, m.UserID) {
		return duplicate("conversation_participants_pkey")
	}
	s.db.addMemberLocked(c.ID, m.UserID)
	return nil
}

func (s *Session) ProfilesByIDs(ctx context.Context, ids []string) ([]models.Profile, error) {
	if err := s.db.enter(ctx, OpProfilesByIDs, s.user); err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []models.Profile
	for _, id := range ids {
		if p, ok := s.db.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Session) MessagesByConversation(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if err := s.db.enter(ctx, OpMessagesByConversation, s.user); err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if !s.db.isMemberLocked(conversationID, s.user) {
		return nil, nil
	}
	var out []models.Message
	for _, m := range s.db.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Before(out[i]) })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Session) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if err := s.db.enter(ctx, OpInsertMessage, s.user); err != nil {
		return models.Message{}, err
	}
	s.db.mu.Lock()
	if m.SenderID != s.user || !s.db.isMemberLocked(m.ConversationID, s.user) {
		s.db.mu.Unlock()
		return models.Message{}, rlsDenied(store.TableMessages)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, dup := s.db.messages[m.ID]; dup {
		s.db.mu.Unlock()
		return models.Message{}, duplicate("messages_pkey")
	}
	m.CreatedAt = s.db.now()
	s.db.messages[m.ID] = m
	if c := s.db.conversations[m.ConversationID]; c != nil {
		c.UpdatedAt = m.CreatedAt
	}
	targets := s.db.feedsLocked(m.ConversationID)
	s.db.mu.Unlock()

	for _, f := range targets {
		f.push(m)
	}
	return m, nil
}

func (s *Session) InsertFollow(ctx context.Context, followerID, followedID string) error {
	if err := s.db.enter(ctx, OpInsertFollow, s.user); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if followerID != s.user {
		return rlsDenied(store.TableFollows)
	}
	if followerID == followedID {
		return &store.APIError{Status: http.StatusBadRequest, Code: "23514", Message: "new row violates check constraint \"follows_no_self\""}
	}
	key := followKey{followerID, followedID}
	if _, dup := s.db.follows[key]; dup {
		return duplicate("follows_pkey")
	}
	s.db.follows[key] = models.Follow{FollowerID: followerID, FollowedID: followedID, CreatedAt: s.db.now()}
	return nil
}

func (s *Session) DeleteFollow(ctx context.Context, followerID, followedID string) error {
	if err := s.db.enter(ctx, OpDeleteFollow, s.user); err != nil {
		return err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if followerID == s.user {
		delete(s.db.follows, followKey{followerID, followedID})
	}
	return nil
}

func (s *Session) IsFollowing(ctx context.Context, followerID, followedID string) (bool, error) {
	if err := s.db.enter(ctx, OpIsFollowing, s.user); err != nil {
		return false, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	_, ok := s.db.follows[followKey{followerID, followedID}]
	return ok, nil
}

func (s *Session) FollowerCount(ctx context.Context, userID string) (int, error) {
	if err := s.db.enter(ctx, OpFollowerCount, s.user); err != nil {
		return 0, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	n := 0
	for k := range s.db.follows {
		if k.followed == userID {
			n++
		}
	}
	return n, nil
}

func (s *Session) Subscribe(ctx context.Context, conversationID string) (store.Feed, error) {
	if err := s.db.enter(ctx, OpSubscribe, s.user); err != nil {
		return nil, err
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if !s.db.isMemberLocked(conversationID, s.user) {
		return nil, rlsDenied(store.TableMessages)
	}
	f := &feed{db: s.db, conversationID: conversationID, events: make(chan models.Message, 256)}
	if s.db.feeds[conversationID] == nil {
		s.db.feeds[conversationID] = make(map[*feed]struct{})
	}
	s.db.feeds[conversationID][f] = struct{}{}
	return f, nil
}

type feed struct {
	db             *DB
	conversationID string
	events         chan models.Message

	mu    sync.Mutex
	ended bool
	err   error
}

func (f *feed) Events() <-chan models.Message { return f.events }

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) Close() error {
	f.db.mu.Lock()
	delete(f.db.feeds[f.conversationID], f)
	f.db.mu.Unlock()
	f.end(nil)
	return nil
}

func (f *feed) push(m models.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	select {
	case f.events <- m:
	default:
	}
}

func (f *feed) end(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ended {
		return
	}
	f.ended = true
	f.err = err
	close(f.events)
}
