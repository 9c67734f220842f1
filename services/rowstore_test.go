package services

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"chat-sync/config"
	"chat-sync/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (p *recordingPublisher) Publish(m models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
}

func (p *recordingPublisher) published() []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Message(nil), p.msgs...)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.OpenDB(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestStore(t *testing.T) (*RowStore, *recordingPublisher, *gorm.DB) {
	t.Helper()
	db := openTestDB(t)
	pub := &recordingPublisher{}
	s := NewRowStore(db, pub)
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	var tick int
	var mu sync.Mutex
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s, pub, db
}

func errCode(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

func mustQuery(t *testing.T, raw string) Query {
	t.Helper()
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	q, err := ParseQuery(values)
	require.NoError(t, err)
	return q
}

// seedDirect creates the u1/u2 conversation with both memberships.
func seedDirect(t *testing.T, s *RowStore, a, b string) models.Conversation {
	t.Helper()
	ctx := context.Background()
	key := models.DirectKey(a, b)
	row, err := s.Insert(ctx, a, TableConversations, []byte(`{"direct_key":"`+key+`"}`))
	require.NoError(t, err)
	conv := row.(models.Conversation)
	_, err = s.Insert(ctx, a, TableParticipants, []byte(`{"conversation_id":"`+conv.ID+`","user_id":"`+a+`"}`))
	require.NoError(t, err)
	_, err = s.Insert(ctx, a, TableParticipants, []byte(`{"conversation_id":"`+conv.ID+`","user_id":"`+b+`"}`))
	require.NoError(t, err)
	return conv
}

func TestParseQuery(t *testing.T) {
	q := mustQuery(t, "id=in.(a,b)&user_id=eq.u1&order=created_at.desc,id&limit=5")
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, []OrderBy{{Column: "created_at", Desc: true}, {Column: "id"}}, q.Order)
	assert.ElementsMatch(t, []Filter{
		{Column: "id", Values: []string{"a", "b"}, In: true},
		{Column: "user_id", Values: []string{"u1"}},
	}, q.Filters)

	for _, raw := range []string{"id=gt.3", "id=in.a,b", "limit=-1", "order=id.sideways", "id=u1"} {
		values, _ := url.ParseQuery(raw)
		_, err := ParseQuery(values)
		assert.Equal(t, "22P02", errCode(err), raw)
	}
}

func TestRowStore_ConversationPolicies(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "u3", TableConversations, []byte(`{"direct_key":"u1:u2"}`))
	assert.Equal(t, "42501", errCode(err))

	_, err = s.Insert(ctx, "u1", TableConversations, []byte(`{"direct_key":"u2:u1"}`))
	assert.Equal(t, "23514", errCode(err), "unsorted key")

	row, err := s.Insert(ctx, "u1", TableConversations, []byte(`{"direct_key":"u1:u2"}`))
	require.NoError(t, err)
	conv := row.(models.Conversation)
	assert.NotEmpty(t, conv.ID)

	_, err = s.Insert(ctx, "u2", TableConversations, []byte(`{"direct_key":"u1:u2"}`))
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "23505", se.Code)
	assert.Equal(t, 409, se.Status)

	// visible through the direct key before any membership exists
	rows, _, err := s.Select(ctx, "u2", TableConversations, mustQuery(t, "direct_key=eq.u1:u2"))
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, _, err = s.Select(ctx, "u3", TableConversations, mustQuery(t, ""))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRowStore_ParticipantPolicies(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	row, err := s.Insert(ctx, "u1", TableConversations, []byte(`{"direct_key":"u1:u2"}`))
	require.NoError(t, err)
	id := row.(models.Conversation).ID
	member := func(user string) []byte {
		return []byte(`{"conversation_id":"` + id + `","user_id":"` + user + `"}`)
	}

	// not yet a member, so the other side cannot be added
	_, err = s.Insert(ctx, "u1", TableParticipants, member("u2"))
	assert.Equal(t, "42501", errCode(err))

	_, err = s.Insert(ctx, "u1", TableParticipants, member("u1"))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "u1", TableParticipants, member("u2"))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "u1", TableParticipants, member("u1"))
	assert.Equal(t, "23505", errCode(err))

	_, err = s.Insert(ctx, "u3", TableParticipants, member("u3"))
	assert.Equal(t, "42501", errCode(err))
	_, err = s.Insert(ctx, "u1", TableParticipants, member("u3"))
	assert.Equal(t, "42501", errCode(err))
	_, err = s.Insert(ctx, "u1", TableParticipants, []byte(`{"conversation_id":"missing","user_id":"u1"}`))
	assert.Equal(t, "42501", errCode(err))

	rows, _, err := s.Select(ctx, "u2", TableParticipants, mustQuery(t, "conversation_id=in.("+id+")"))
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, _, err = s.Select(ctx, "u3", TableParticipants, mustQuery(t, "conversation_id=in.("+id+")"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRowStore_Messages(t *testing.T) {
	s, pub, db := newTestStore(t)
	ctx := context.Background()
	conv := seedDirect(t, s, "u1", "u2")
	body := func(sender, content string) []byte {
		return []byte(`{"conversation_id":"` + conv.ID + `","sender_id":"` + sender + `","content":"` + content + `"}`)
	}

	_, err := s.Insert(ctx, "u3", TableMessages, body("u3", "hi"))
	assert.Equal(t, "42501", errCode(err))
	_, err = s.Insert(ctx, "u1", TableMessages, body("u2", "spoofed"))
	assert.Equal(t, "42501", errCode(err))
	_, err = s.Insert(ctx, "u1", TableMessages, body("u1", "  "))
	assert.Equal(t, "23514", errCode(err))

	var sent []models.Message
	for _, text := range []string{"one", "two", "three"} {
		row, err := s.Insert(ctx, "u1", TableMessages, body("u1", text))
		require.NoError(t, err)
		sent = append(sent, row.(models.Message))
	}
	assert.Equal(t, sent, pub.published())

	var stored models.Conversation
	require.NoError(t, db.Where("id = ?", conv.ID).First(&stored).Error)
	assert.True(t, stored.UpdatedAt.Equal(sent[2].CreatedAt))

	rows, _, err := s.Select(ctx, "u2", TableMessages,
		mustQuery(t, "conversation_id=eq."+conv.ID+"&order=created_at.desc,id.desc&limit=2"))
	require.NoError(t, err)
	got := rows.([]models.Message)
	require.Len(t, got, 2)
	assert.Equal(t, "three", got[0].Content)
	assert.Equal(t, "two", got[1].Content)

	rows, _, err = s.Select(ctx, "u3", TableMessages, mustQuery(t, "conversation_id=eq."+conv.ID))
	require.NoError(t, err)
	assert.Empty(t, rows)

	// client generated ids make a retried send a conflict
	_, err = s.Insert(ctx, "u1", TableMessages,
		[]byte(`{"id":"`+sent[0].ID+`","conversation_id":"`+conv.ID+`","sender_id":"u1","content":"one"}`))
	assert.Equal(t, "23505", errCode(err))
	assert.Len(t, pub.published(), 3)
}

func TestRowStore_Follows(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "u1", TableFollows, []byte(`{"follower_id":"u1","followed_id":"u1"}`))
	assert.Equal(t, "23514", errCode(err))
	_, err = s.Insert(ctx, "u1", TableFollows, []byte(`{"follower_id":"u2","followed_id":"u3"}`))
	assert.Equal(t, "42501", errCode(err))

	_, err = s.Insert(ctx, "u1", TableFollows, []byte(`{"follower_id":"u1","followed_id":"u3"}`))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "u2", TableFollows, []byte(`{"follower_id":"u2","followed_id":"u3"}`))
	require.NoError(t, err)
	_, err = s.Insert(ctx, "u1", TableFollows, []byte(`{"follower_id":"u1","followed_id":"u3"}`))
	assert.Equal(t, "23505", errCode(err))

	count := mustQuery(t, "followed_id=eq.u3&limit=0")
	count.Count = true
	rows, total, err := s.Select(ctx, "u4", TableFollows, count)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.EqualValues(t, 2, total)

	// only the follower's own row can be removed
	require.NoError(t, s.Delete(ctx, "u2", TableFollows, mustQuery(t, "follower_id=eq.u1&followed_id=eq.u3")))
	_, total, err = s.Select(ctx, "u4", TableFollows, count)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	require.NoError(t, s.Delete(ctx, "u1", TableFollows, mustQuery(t, "followed_id=eq.u3")))
	_, total, err = s.Select(ctx, "u4", TableFollows, count)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)

	assert.Equal(t, "42501", errCode(s.Delete(ctx, "u1", TableMessages, mustQuery(t, "id=eq.x"))))
	assert.Equal(t, "22P02", errCode(s.Delete(ctx, "u1", TableFollows, mustQuery(t, ""))))
}

func TestRowStore_Profiles(t *testing.T) {
	s, _, db := newTestStore(t)
	require.NoError(t, db.Create(&models.User{ID: "u1", Username: "ann", PasswordHash: "x", DisplayName: "Ann"}).Error)
	require.NoError(t, db.Create(&models.User{ID: "u2", Username: "bea", PasswordHash: "x"}).Error)

	rows, _, err := s.Select(context.Background(), "u9", TableProfiles, mustQuery(t, "id=in.(u1,u2)&order=id"))
	require.NoError(t, err)
	assert.Equal(t, []models.Profile{
		{ID: "u1", DisplayName: "Ann"},
		{ID: "u2", DisplayName: "bea"},
	}, rows)

	_, err = s.Insert(context.Background(), "u1", TableProfiles, []byte(`{"id":"u1"}`))
	assert.Equal(t, "42501", errCode(err))
}

func TestRowStore_SchemaErrors(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.Select(ctx, "u1", TableMessages, mustQuery(t, "body=eq.x"))
	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "42703", se.Code)
	assert.Equal(t, 400, se.Status)

	_, _, err = s.Select(ctx, "u1", TableMessages, mustQuery(t, "order=body.asc"))
	assert.Equal(t, "42703", errCode(err))

	_, _, err = s.Select(ctx, "u1", "groups", mustQuery(t, ""))
	assert.Equal(t, "42P01", errCode(err))

	_, err = s.Insert(ctx, "u1", TableFollows, []byte(`{"follower_id":"u1","followed_id":"u2","muted":true}`))
	assert.Equal(t, "PGRST204", errCode(err))
}

func TestRowStore_CanSubscribe(t *testing.T) {
	s, _, _ := newTestStore(t)
	conv := seedDirect(t, s, "u1", "u2")

	ok, err := s.CanSubscribe(context.Background(), "u2", conv.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CanSubscribe(context.Background(), "u3", conv.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccounts(t *testing.T) {
	db := openTestDB(t)
	a := NewAccounts(db)
	ctx := context.Background()

	u, err := a.Register(ctx, "ann", "secret1", "Ann")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.NotEqual(t, "secret1", u.PasswordHash)

	_, err = a.Register(ctx, "ann", "secret2", "")
	assert.Equal(t, "23505", errCode(err))
	_, err = a.Register(ctx, "bea", "short", "")
	assert.Equal(t, "22P02", errCode(err))

	got, err := a.Authenticate(ctx, "ann", "secret1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = a.Authenticate(ctx, "ann", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = a.Authenticate(ctx, "nobody", "secret1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Get(ctx, "missing")
	assert.Equal(t, "PGRST116", errCode(err))
}

func TestRowStore_MessageTimestampMatchesStoredRow(t *testing.T) {
	s, pub, _ := newTestStore(t)
	ctx := context.Background()
	conv := seedDirect(t, s, "u1", "u2")
	s.now = func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 123456789, time.UTC) }

	row, err := s.Insert(ctx, "u1", TableMessages,
		[]byte(`{"conversation_id":"`+conv.ID+`","sender_id":"u1","content":"hi"}`))
	require.NoError(t, err)
	sent := row.(models.Message)
	assert.Equal(t, 123*time.Millisecond, time.Duration(sent.CreatedAt.Nanosecond()))

	published := pub.published()
	require.Len(t, published, 1)
	assert.True(t, published[0].CreatedAt.Equal(sent.CreatedAt))

	rows, _, err := s.Select(ctx, "u2", TableMessages, mustQuery(t, "id=eq."+sent.ID))
	require.NoError(t, err)
	got := rows.([]models.Message)
	require.Len(t, got, 1)
	assert.True(t, got[0].CreatedAt.Equal(published[0].CreatedAt), "pushed %s, stored %s", published[0].CreatedAt, got[0].CreatedAt)
}
