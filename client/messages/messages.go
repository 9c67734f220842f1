// Package messages holds the ordered, deduplicated message buffer of one
// conversation.
package messages

import (
	"sort"
	"sync"

	"chat-sync/logger"
	"chat-sync/models"
)

// Store keeps messages sorted by (created_at, id). Merge is idempotent on id,
// so history fetches and realtime pushes can arrive in any order.
type Store struct {
	conversationID string

	mu      sync.RWMutex
	items   []models.Message
	ids     map[string]struct{}
	changes chan struct{}
}

func New(conversationID string) *Store {
	return &Store{
		conversationID: conversationID,
		ids:            make(map[string]struct{}),
		changes:        make(chan struct{}, 1),
	}
}

func (s *Store) ConversationID() string { return s.conversationID }

// Seed replaces the buffer wholesale. Only used for an explicit reload.
func (s *Store) Seed(msgs []models.Message) {
	items := make([]models.Message, 0, len(msgs))
	ids := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if !s.accepts(m) {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		items = append(items, m)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Before(items[j]) })

	s.mu.Lock()
	s.items = items
	s.ids = ids
	s.mu.Unlock()
	s.notify()
}

// Merge inserts m at its ordered position unless its id is already present.
// It reports whether the buffer changed.
func (s *Store) Merge(m models.Message) bool {
	if !s.accepts(m) {
		return false
	}
	s.mu.Lock()
	if !s.insertLocked(m) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// MergeAll merges every message and returns how many were new.
func (s *Store) MergeAll(msgs []models.Message) int {
	added := 0
	s.mu.Lock()
	for _, m := range msgs {
		if s.accepts(m) && s.insertLocked(m) {
			added++
		}
	}
	s.mu.Unlock()
	if added > 0 {
		s.notify()
	}
	return added
}

// Contains reports whether a message id is buffered.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

// Snapshot returns a copy of the ordered buffer.
func (s *Store) Snapshot() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message(nil), s.items...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Last returns the newest message.
func (s *Store) Last() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.items) == 0 {
		return models.Message{}, false
	}
	return s.items[len(s.items)-1], true
}

// Changes is signalled (coalesced) after every change to the buffer.
func (s *Store) Changes() <-chan struct{} { return s.changes }

func (s *Store) accepts(m models.Message) bool {
	if m.ID == "" {
		logger.Debugf("messages: dropping message without id in %s", s.conversationID)
		return false
	}
	if m.ConversationID != s.conversationID {
		logger.Debugf("messages: dropping %s for conversation %s (buffer is %s)", m.ID, m.ConversationID, s.conversationID)
		return false
	}
	return true
}

func (s *Store) insertLocked(m models.Message) bool {
	if _, dup := s.ids[m.ID]; dup {
		return false
	}
	i := sort.Search(len(s.items), func(i int) bool { return m.Before(s.items[i]) })
	s.items = append(s.items, models.Message{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = m
	s.ids[m.ID] = struct{}{}
	return true
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}
