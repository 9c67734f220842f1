package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"chat-sync/client/session"

	"github.com/dgrijalva/jwt-go"
)

// fileIdentity 从令牌文件读取的本地会话
type fileIdentity struct {
	path string

	mu        sync.Mutex
	token     string
	userID    string
	expiresAt time.Time
}

// loadIdentity reads the access token from path. The claims are only decoded;
// the store verifies the signature on every call.
func loadIdentity(path string) (*fileIdentity, error) {
	if path == "" {
		return nil, errors.New("no token file configured (set client.token_file or --token-file)")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))

	claims := &jwt.StandardClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return &fileIdentity{
		path:      path,
		token:     token,
		userID:    claims.Subject,
		expiresAt: time.Unix(claims.ExpiresAt, 0),
	}, nil
}

func (i *fileIdentity) Token() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token
}

func (i *fileIdentity) CurrentUserID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.userID
}

func (i *fileIdentity) CurrentSessionValid() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.token != "" && time.Now().Before(i.expiresAt)
}

// SignOut forgets the token and removes the token file.
func (i *fileIdentity) SignOut(_ context.Context, _ session.Scope) error {
	i.mu.Lock()
	i.token = ""
	i.mu.Unlock()
	if err := os.Remove(i.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// printNavigator 会话结束时提示重新登录
type printNavigator struct {
	w io.Writer
}

func (n printNavigator) Redirect(target string) {
	fmt.Fprintf(n.w, "session ended, sign in again: %s\n", target)
}
