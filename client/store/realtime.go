package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"chat-sync/logger"
	"chat-sync/models"

	"github.com/gorilla/websocket"
)

// Feed delivers insert events for one subscription. Events is closed when
// the feed ends; Err then reports why (nil after Close).
type Feed interface {
	Events() <-chan models.Message
	Err() error
	Close() error
}

// Subscribe opens a realtime subscription for inserts into messages of one
// conversation. It returns once the store acknowledged the subscription.
func (c *Client) Subscribe(ctx context.Context, conversationID string) (Feed, error) {
	u, err := c.realtimeURL()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, &APIError{Status: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}

	// 等待 ack 期间 ctx 取消则直接关闭连接
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	ack := time.Now().Add(c.ackWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(ack) {
		ack = dl
	}
	_ = conn.SetWriteDeadline(ack)
	_ = conn.SetReadDeadline(ack)

	sub := models.RealtimeFrame{
		Type:   models.FrameSubscribe,
		Ref:    "1",
		Table:  TableMessages,
		Filter: "conversation_id=eq." + conversationID,
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, ctxErr(ctx, err)
	}

	var reply models.RealtimeFrame
	if err := conn.ReadJSON(&reply); err != nil {
		_ = conn.Close()
		return nil, ctxErr(ctx, err)
	}
	switch reply.Type {
	case models.FrameAck:
	case models.FrameError:
		_ = conn.Close()
		return nil, frameError(reply)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("store: unexpected realtime frame %q while subscribing", reply.Type)
	}

	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	f := &wsFeed{
		conn:   conn,
		events: make(chan models.Message, 64),
		done:   make(chan struct{}),
	}
	go f.readLoop()
	return f, nil
}

func (c *Client) realtimeURL() (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("store: bad base url: %w", err)
	}
	switch base.Scheme {
	case "https":
		base.Scheme = "wss"
	default:
		base.Scheme = "ws"
	}
	base.Path = strings.TrimRight(base.Path, "/") + realtimePath
	base.RawQuery = url.Values{"access_token": {c.token()}}.Encode()
	return base.String(), nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func frameError(f models.RealtimeFrame) *APIError {
	status := 400
	switch f.Code {
	case "42501":
		status = 403
	case "PGRST301":
		status = 401
	}
	return &APIError{Status: status, Code: f.Code, Message: f.Message}
}

type wsFeed struct {
	conn   *websocket.Conn
	events chan models.Message
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (f *wsFeed) Events() <-chan models.Message { return f.events }

func (f *wsFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *wsFeed) Close() error {
	var err error
	f.once.Do(func() {
		close(f.done)
		_ = f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = f.conn.Close()
	})
	return err
}

func (f *wsFeed) closed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *wsFeed) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *wsFeed) readLoop() {
	defer close(f.events)
	for {
		var frame models.RealtimeFrame
		if err := f.conn.ReadJSON(&frame); err != nil {
			if !f.closed() {
				f.setErr(err)
			}
			return
		}
		switch frame.Type {
		case models.FrameInsert:
			var m models.Message
			if err := json.Unmarshal(frame.Record, &m); err != nil {
				logger.Warningf("realtime: dropping undecodable record: %v", err)
				continue
			}
			select {
			case f.events <- m:
			case <-f.done:
				return
			}
		case models.FrameError:
			f.setErr(frameError(frame))
			_ = f.conn.Close()
			return
		}
	}
}

var _ Feed = (*wsFeed)(nil)

// ErrFeedClosed is reported by feeds that ended without a transport error.
var ErrFeedClosed = errors.New("store: realtime feed closed by server")
