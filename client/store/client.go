package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chat-sync/models"

	"github.com/gorilla/websocket"
)

const (
	TableConversations = "conversations"
	TableParticipants  = "conversation_participants"
	TableMessages      = "messages"
	TableProfiles      = "profiles"
	TableFollows       = "follows"

	restPrefix     = "/rest/v1/"
	realtimePath   = "/realtime/v1"
	defaultAckWait = 5 * time.Second
)

// TokenFunc returns the access token for the current session.
type TokenFunc func() string

// Client talks to the remote store over HTTP and websocket. Every call takes
// a context and is cancelled with it; the store applies row-level policies
// using the bearer token.
type Client struct {
	baseURL    string
	token      TokenFunc
	httpClient *http.Client
	dialer     *websocket.Dialer
	ackWait    time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithAckWait bounds how long Subscribe waits for the subscription ack.
func WithAckWait(d time.Duration) Option {
	return func(c *Client) { c.ackWait = d }
}

func NewClient(baseURL string, token TokenFunc, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		dialer:     websocket.DefaultDialer,
		ackWait:    defaultAckWait,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MembershipsByUser 查询某个用户可见的会话成员记录
func (c *Client) MembershipsByUser(ctx context.Context, userID string) ([]models.ConversationParticipant, error) {
	var rows []models.ConversationParticipant
	_, err := c.selectRows(ctx, TableParticipants, NewQuery().Eq("user_id", userID), &rows)
	return rows, err
}

// MembershipsByConversations returns the member rows of the given
// conversations that the caller may see.
func (c *Client) MembershipsByConversations(ctx context.Context, ids []string) ([]models.ConversationParticipant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.ConversationParticipant
	_, err := c.selectRows(ctx, TableParticipants, NewQuery().In("conversation_id", ids...), &rows)
	return rows, err
}

func (c *Client) ConversationsByIDs(ctx context.Context, ids []string) ([]models.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Conversation
	q := NewQuery().In("id", ids...).Order("updated_at", false).Limit(len(ids))
	_, err := c.selectRows(ctx, TableConversations, q, &rows)
	return rows, err
}

// ConversationByDirectKey returns a 404 APIError when no row is visible.
func (c *Client) ConversationByDirectKey(ctx context.Context, key string) (models.Conversation, error) {
	var rows []models.Conversation
	if _, err := c.selectRows(ctx, TableConversations, NewQuery().Eq("direct_key", key).Limit(1), &rows); err != nil {
		return models.Conversation{}, err
	}
	if len(rows) == 0 {
		return models.Conversation{}, &APIError{Status: http.StatusNotFound, Code: "PGRST116", Message: "no conversation for direct key " + key}
	}
	return rows[0], nil
}

func (c *Client) InsertConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	var out models.Conversation
	err := c.insert(ctx, TableConversations, conv, &out)
	return out, err
}

func (c *Client) InsertMembership(ctx context.Context, m models.ConversationParticipant) error {
	return c.insert(ctx, TableParticipants, m, nil)
}

func (c *Client) ProfilesByIDs(ctx context.Context, ids []string) ([]models.Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []models.Profile
	_, err := c.selectRows(ctx, TableProfiles, NewQuery().In("id", ids...).Limit(len(ids)), &rows)
	return rows, err
}

// MessagesByConversation returns the latest limit messages, newest first.
func (c *Client) MessagesByConversation(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	var rows []models.Message
	q := NewQuery().Eq("conversation_id", conversationID).
		Order("created_at", false).Order("id", false).
		Limit(limit)
	_, err := c.selectRows(ctx, TableMessages, q, &rows)
	return rows, err
}

func (c *Client) InsertMessage(ctx context.Context, m models.Message) (models.Message, error) {
	var out models.Message
	err := c.insert(ctx, TableMessages, m, &out)
	return out, err
}

func (c *Client) InsertFollow(ctx context.Context, followerID, followedID string) error {
	return c.insert(ctx, TableFollows, models.Follow{FollowerID: followerID, FollowedID: followedID}, nil)
}

func (c *Client) DeleteFollow(ctx context.Context, followerID, followedID string) error {
	return c.delete(ctx, TableFollows, NewQuery().Eq("follower_id", followerID).Eq("followed_id", followedID))
}

func (c *Client) IsFollowing(ctx context.Context, followerID, followedID string) (bool, error) {
	var rows []models.Follow
	q := NewQuery().Eq("follower_id", followerID).Eq("followed_id", followedID).Limit(1)
	if _, err := c.selectRows(ctx, TableFollows, q, &rows); err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

func (c *Client) FollowerCount(ctx context.Context, userID string) (int, error) {
	return c.selectRows(ctx, TableFollows, NewQuery().Eq("followed_id", userID).Limit(0).Count(), nil)
}

func (c *Client) selectRows(ctx context.Context, table string, q *Query, dest any) (int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, table, q, nil)
	if err != nil {
		return 0, err
	}
	if q.count {
		req.Header.Set("Prefer", "count=exact")
	}
	resp, err := c.do(req, dest)
	if err != nil {
		return 0, err
	}
	if !q.count {
		return 0, nil
	}
	return parseContentRange(resp.Header.Get("Content-Range"))
}

func (c *Client) insert(ctx context.Context, table string, row, dest any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("store: encode %s row: %w", table, err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, table, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = c.do(req, dest)
	return err
}

func (c *Client) delete(ctx context.Context, table string, q *Query) error {
	req, err := c.newRequest(ctx, http.MethodDelete, table, q, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, nil)
	return err
}

func (c *Client) newRequest(ctx context.Context, method, table string, q *Query, body io.Reader) (*http.Request, error) {
	u := c.baseURL + restPrefix + table
	if q != nil {
		if enc := q.Values().Encode(); enc != "" {
			u += "?" + enc
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("store: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, dest any) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("store: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jerr := json.Unmarshal(payload, apiErr); jerr != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(payload))
		}
		return nil, apiErr
	}
	if dest != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, dest); err != nil {
			return nil, fmt.Errorf("store: decode %s: %w", req.URL.Path, err)
		}
	}
	return resp, nil
}

// parseContentRange reads the total from "0-9/42" or "*/42".
func parseContentRange(h string) (int, error) {
	_, total, ok := strings.Cut(h, "/")
	if !ok {
		return 0, fmt.Errorf("store: missing count in Content-Range %q", h)
	}
	n, err := strconv.Atoi(total)
	if err != nil {
		return 0, fmt.Errorf("store: bad count in Content-Range %q: %w", h, err)
	}
	return n, nil
}
