package services

import (
	"errors"
	"net/http"
	"time"

	"chat-sync/logger"
	"chat-sync/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades /realtime/v1?access_token=... and starts the
// connection pumps. A bad token is answered with close code 4401.
func (h *Hub) HandleWebSocket(ctx *gin.Context) {
	ws, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		logger.Warningf("realtime: upgrade failed: %v", err)
		return
	}

	claims, err := h.tokens.ParseToken(ctx.Query("access_token"))
	if err != nil {
		reason := "invalid JWT"
		var se *StoreError
		if errors.As(err, &se) {
			reason = se.Message
		}
		reject(ws, models.CloseAuthExpired, reason)
		return
	}

	client := &Conn{
		hub:       h,
		ws:        ws,
		send:      make(chan outbound, h.cfg.SendBuffer),
		UserID:    claims.Subject,
		expiresAt: time.Unix(claims.ExpiresAt, 0),
	}

	select {
	case h.register <- client:
	case <-h.done:
		client.close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	go client.ReadMessages()
	go client.WriteMessages()
}

// reject sends a close frame and waits for the peer to answer it, so frames
// the client already sent do not turn the close into a reset.
func reject(ws *websocket.Conn, code int, reason string) {
	defer ws.Close()
	if err := ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait)); err != nil {
		return
	}
	_ = ws.SetReadDeadline(time.Now().Add(writeWait))
	for {
		if _, _, err := ws.NextReader(); err != nil {
			return
		}
	}
}
