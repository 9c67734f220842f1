package controllers

import (
	"chat-sync/services"
)

// Handlers 路由处理器依赖
type Handlers struct {
	Rows     *services.RowStore
	Accounts *services.Accounts
	Tokens   *services.TokenIssuer
	Hub      *services.Hub
}
