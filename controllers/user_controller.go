package controllers

import (
	"net/http"
	"time"

	"chat-sync/middlewares"
	"chat-sync/models"
	"chat-sync/services"
	"chat-sync/utils"

	"github.com/gin-gonic/gin"
)

type credentials struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

// TokenResponse 登录/注册返回的会话
type TokenResponse struct {
	AccessToken string         `json:"access_token"`
	TokenType   string         `json:"token_type"`
	ExpiresIn   int64          `json:"expires_in"`
	ExpiresAt   int64          `json:"expires_at"`
	User        models.Profile `json:"user"`
}

func bindCredentials(c *gin.Context) (credentials, bool) {
	var in credentials
	if err := c.ShouldBindJSON(&in); err != nil {
		utils.RespondError(c, &services.StoreError{Status: http.StatusBadRequest, Code: "22P02", Message: err.Error()})
		return in, false
	}
	return in, true
}

// Register 用户注册 POST /auth/v1/signup
func (h *Handlers) Register(c *gin.Context) {
	in, ok := bindCredentials(c)
	if !ok {
		return
	}
	user, err := h.Accounts.Register(c.Request.Context(), in.Username, in.Password, in.DisplayName)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	h.respondToken(c, user)
}

// Login 用户登录 POST /auth/v1/token
func (h *Handlers) Login(c *gin.Context) {
	in, ok := bindCredentials(c)
	if !ok {
		return
	}
	user, err := h.Accounts.Authenticate(c.Request.Context(), in.Username, in.Password)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	h.respondToken(c, user)
}

func (h *Handlers) respondToken(c *gin.Context, user models.User) {
	token, exp, err := h.Tokens.GenerateToken(user)
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(time.Until(exp).Seconds()),
		ExpiresAt:   exp.Unix(),
		User:        user.Profile(),
	}, nil)
}

// GetUserInfo GET /auth/v1/user
func (h *Handlers) GetUserInfo(c *gin.Context) {
	user, err := h.Accounts.Get(c.Request.Context(), middlewares.UserID(c))
	if err != nil {
		utils.RespondError(c, err)
		return
	}
	utils.RespondSuccess(c, user.Profile(), nil)
}
