package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-sync/client/chat"
	"chat-sync/client/store/storetest"
	"chat-sync/models"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeToken(t *testing.T, subject string, expires time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.StandardClaims{
		Subject:   subject,
		ExpiresAt: expires.Unix(),
	}).SignedString([]byte("any-secret"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand(&RootOptions{})
	assert.Equal(t, "chatctl", cmd.Use)

	for _, name := range []string{"conversations", "open", "tail", "send", "follow"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	for _, flag := range []string{"config", "token-file", "base-url"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestLoadIdentity(t *testing.T) {
	path := writeToken(t, "u1", time.Now().Add(time.Hour))
	id, err := loadIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.CurrentUserID())
	assert.True(t, id.CurrentSessionValid())
	assert.NotEmpty(t, id.Token())

	require.NoError(t, id.SignOut(context.Background(), "local"))
	assert.False(t, id.CurrentSessionValid())
	assert.Empty(t, id.Token())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	// signing out twice is fine
	require.NoError(t, id.SignOut(context.Background(), "local"))
}

func TestLoadIdentity_Invalid(t *testing.T) {
	expired, err := loadIdentity(writeToken(t, "u1", time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	assert.False(t, expired.CurrentSessionValid())

	_, err = loadIdentity(writeToken(t, "", time.Now().Add(time.Hour)))
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(garbage, []byte("not a token"), 0o600))
	_, err = loadIdentity(garbage)
	assert.Error(t, err)

	_, err = loadIdentity("")
	assert.Error(t, err)
}

type fakeCLI struct {
	db   *storetest.DB
	opts *RootOptions
}

func newFakeCLI(t *testing.T, user string) *fakeCLI {
	t.Helper()
	db := storetest.NewDB()
	db.AddProfile(models.Profile{ID: "u1", DisplayName: "Ann"})
	db.AddProfile(models.Profile{ID: "u2", DisplayName: "Bea"})
	cfg := chat.DefaultConfig()
	cfg.CallTimeout = time.Second
	cfg.RetryBackoff = time.Millisecond

	identity := &fileIdentity{
		path:      filepath.Join(t.TempDir(), "token"),
		token:     "token",
		userID:    user,
		expiresAt: time.Now().Add(time.Hour),
	}
	opts := &RootOptions{
		Connect: func(*RootOptions) (*chat.Service, error) {
			return chat.NewService(db.As(user), identity, printNavigator{w: os.Stderr}, cfg), nil
		},
	}
	return &fakeCLI{db: db, opts: opts}
}

func (f *fakeCLI) run(args ...string) (string, error) {
	cmd := NewRootCommand(f.opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	cli := newFakeCLI(t, "u1")

	out, err := cli.run("open", "u2")
	require.NoError(t, err)
	convID := strings.TrimSpace(out)
	require.NotEmpty(t, convID)
	assert.ElementsMatch(t, []string{"u1", "u2"}, cli.db.Members(convID))

	out, err = cli.run("open", "u2")
	require.NoError(t, err)
	assert.Equal(t, convID, strings.TrimSpace(out))

	out, err = cli.run("send", convID, "hello", "there")
	require.NoError(t, err)
	msgID := strings.TrimSpace(out)

	msgs, err := cli.db.As("u2").MessagesByConversation(context.Background(), convID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, msgID, msgs[0].ID)
	assert.Equal(t, "hello there", msgs[0].Content)

	out, err = cli.run("conversations")
	require.NoError(t, err)
	assert.Contains(t, out, convID)
	assert.Contains(t, out, "Bea")

	out, err = cli.run("follow", "u2")
	require.NoError(t, err)
	assert.Equal(t, "following u2 (1 followers)\n", out)
	out, err = cli.run("follow", "u2")
	require.NoError(t, err)
	assert.Equal(t, "not following u2 (0 followers)\n", out)

	_, err = cli.run("send", convID)
	assert.Error(t, err)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTail(t *testing.T) {
	cli := newFakeCLI(t, "u1")
	key := models.DirectKey("u1", "u2")
	cli.db.SeedConversation(models.Conversation{ID: "c1", DirectKey: &key}, "u1", "u2")
	cli.db.Publish(models.Message{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "first", CreatedAt: cli.db.Time(1)})

	svc, err := cli.opts.Connect(cli.opts)
	require.NoError(t, err)
	defer svc.Close()
	v, err := svc.Open(context.Background(), "c1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- tail(ctx, v, out) }()

	require.Eventually(t, func() bool { return strings.Contains(out.String(), "u2: first") }, 2*time.Second, 5*time.Millisecond)
	cli.db.Publish(models.Message{ID: "m2", ConversationID: "c1", SenderID: "u2", Content: "second", CreatedAt: cli.db.Time(2)})
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "u2: second") }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, strings.Count(out.String(), "first"))
}
