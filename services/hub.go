package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"chat-sync/config"
	"chat-sync/logger"
	"chat-sync/models"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxFrameSize   = 4096
	subscribeCheck = 5 * time.Second
)

// Authorizer 判断调用者能否订阅某个会话
type Authorizer interface {
	CanSubscribe(ctx context.Context, caller, conversationID string) (bool, error)
}

type outbound struct {
	data      []byte
	closeCode int // 非 0 时写完 data 后关闭连接
	closeText string
}

// Conn 一个实时 websocket 连接
type Conn struct {
	hub       *Hub
	ws        *websocket.Conn
	send      chan outbound
	UserID    string
	expiresAt time.Time
	closeOnce sync.Once
}

type subscription struct {
	conn  *Conn
	topic string
	ref   string
}

// Hub fans message inserts out to the connections subscribed to their
// conversation. Run owns the subscription tables.
type Hub struct {
	cfg    config.RealtimeConfig
	auth   Authorizer
	tokens *TokenIssuer

	conns  map[*Conn]map[string]bool // 连接 -> 已订阅会话
	topics map[string]map[*Conn]bool // 会话 -> 订阅连接
	mu     sync.RWMutex

	register   chan *Conn
	unregister chan *Conn
	subscribe  chan subscription
	publish    chan models.Message
	done       chan struct{}
}

func NewHub(cfg config.RealtimeConfig, auth Authorizer, tokens *TokenIssuer) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 15 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Hub{
		cfg:        cfg,
		auth:       auth,
		tokens:     tokens,
		conns:      make(map[*Conn]map[string]bool),
		topics:     make(map[string]map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		subscribe:  make(chan subscription),
		publish:    make(chan models.Message),
		done:       make(chan struct{}),
	}
}

// SetAuthorizer 在 Run 之前设置订阅鉴权
func (h *Hub) SetAuthorizer(auth Authorizer) {
	h.auth = auth
}

// Run processes registrations and publishes until ctx is cancelled, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.RLock()
			for c := range h.conns {
				c.close(websocket.CloseGoingAway, "server shutting down")
			}
			h.mu.RUnlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.conns[c] = make(map[string]bool)
			h.mu.Unlock()
			logger.Debugf("🔵 realtime client connected: %s", c.UserID)

		case c := <-h.unregister:
			h.mu.Lock()
			if topics, ok := h.conns[c]; ok {
				for topic := range topics {
					delete(h.topics[topic], c)
					if len(h.topics[topic]) == 0 {
						delete(h.topics, topic)
					}
				}
				delete(h.conns, c)
				close(c.send)
			}
			h.mu.Unlock()
			logger.Debugf("🔴 realtime client disconnected: %s", c.UserID)

		case s := <-h.subscribe:
			h.mu.Lock()
			if topics, ok := h.conns[s.conn]; ok {
				topics[s.topic] = true
				if h.topics[s.topic] == nil {
					h.topics[s.topic] = make(map[*Conn]bool)
				}
				h.topics[s.topic][s.conn] = true
				// ack 入队后才会收到该会话的推送
				s.conn.enqueue(outbound{data: encodeFrame(models.RealtimeFrame{Type: models.FrameAck, Ref: s.ref})})
			}
			h.mu.Unlock()

		case m := <-h.publish:
			record, err := json.Marshal(m)
			if err != nil {
				logger.Errorf("realtime: encode message %s: %v", m.ID, err)
				continue
			}
			frame := encodeFrame(models.RealtimeFrame{Type: models.FrameInsert, Table: TableMessages, Record: record})
			h.mu.RLock()
			for c := range h.topics[m.ConversationID] {
				c.enqueue(outbound{data: frame})
			}
			h.mu.RUnlock()
		}
	}
}

// Publish implements Publisher.
func (h *Hub) Publish(m models.Message) {
	select {
	case h.publish <- m:
	case <-h.done:
	}
}

// Subscribers returns how many connections receive pushes for conversationID.
func (h *Hub) Subscribers(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[conversationID])
}

func encodeFrame(f models.RealtimeFrame) []byte {
	data, _ := json.Marshal(f)
	return data
}

// enqueue 发送缓冲已满的慢连接直接断开，由客户端重连后补齐
func (c *Conn) enqueue(o outbound) {
	select {
	case c.send <- o:
	default:
		logger.Warningf("⚠️ realtime client %s too slow, dropping connection", c.UserID)
		go c.close(websocket.CloseTryAgainLater, "send buffer full")
	}
}

func (c *Conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

// ReadMessages handles subscribe frames until the connection fails.
func (c *Conn) ReadMessages() {
	expiry := time.AfterFunc(time.Until(c.expiresAt), func() {
		logger.Infof("realtime: token of %s expired", c.UserID)
		c.close(models.CloseAuthExpired, "JWT expired")
	})
	defer func() {
		expiry.Stop()
		c.close(websocket.CloseNormalClosure, "")
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	}()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.cfg.PongTimeout))
	})

	for {
		var frame models.RealtimeFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.enqueue(outbound{data: errorFrame("", invalidInput("malformed realtime frame"))})
				continue
			}
			return
		}
		if frame.Type != models.FrameSubscribe {
			c.enqueue(outbound{data: errorFrame(frame.Ref, invalidInput("unsupported frame type %q", frame.Type))})
			continue
		}
		c.handleSubscribe(frame)
	}
}

func (c *Conn) handleSubscribe(frame models.RealtimeFrame) {
	if frame.Table != TableMessages {
		c.enqueue(outbound{data: errorFrame(frame.Ref, undefinedTable(frame.Table))})
		return
	}
	conversationID, ok := strings.CutPrefix(frame.Filter, "conversation_id=eq.")
	if !ok || conversationID == "" {
		c.enqueue(outbound{data: errorFrame(frame.Ref, invalidInput("filter must be conversation_id=eq.<id>"))})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), subscribeCheck)
	allowed, err := c.hub.auth.CanSubscribe(ctx, c.UserID, conversationID)
	cancel()
	if err != nil {
		logger.Errorf("realtime: membership check %s/%s: %v", conversationID, c.UserID, err)
		c.enqueue(outbound{data: errorFrame(frame.Ref, &StoreError{Code: "XX000", Message: "membership check failed"})})
		return
	}
	if !allowed {
		logger.Warningf("⚠️ realtime: %s denied subscription to %s", c.UserID, conversationID)
		c.enqueue(outbound{
			data:      errorFrame(frame.Ref, rlsViolation(TableMessages)),
			closeCode: models.ClosePermissionDenied,
			closeText: "permission denied",
		})
		return
	}

	select {
	case c.hub.subscribe <- subscription{conn: c, topic: conversationID, ref: frame.Ref}:
	case <-c.hub.done:
	}
}

func errorFrame(ref string, se *StoreError) []byte {
	return encodeFrame(models.RealtimeFrame{Type: models.FrameError, Ref: ref, Code: se.Code, Message: se.Message})
}

// WriteMessages 写出队列中的帧并定时发送 ping
func (c *Conn) WriteMessages() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "")
	}()
	for {
		select {
		case o, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, o.data); err != nil {
				logger.Debugf("realtime: write to %s failed: %v", c.UserID, err)
				return
			}
			if o.closeCode != 0 {
				c.close(o.closeCode, o.closeText)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debugf("realtime: ping %s failed: %v", c.UserID, err)
				return
			}
		}
	}
}
