package controllers

import (
	"github.com/gin-gonic/gin"
)

// WSController GET /realtime/v1
func (h *Handlers) WSController(ctx *gin.Context) {
	h.Hub.HandleWebSocket(ctx)
}
