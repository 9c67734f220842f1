package services

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"chat-sync/models"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const minPasswordLen = 6

// ErrInvalidCredentials 用户名或密码错误
var ErrInvalidCredentials = &StoreError{Status: http.StatusBadRequest, Code: "invalid_grant", Message: "Invalid login credentials"}

// Accounts 用户注册与登录
type Accounts struct {
	db *gorm.DB
}

func NewAccounts(db *gorm.DB) *Accounts {
	return &Accounts{db: db}
}

// Register 创建用户，密码以 bcrypt 保存
func (a *Accounts) Register(ctx context.Context, username, password, displayName string) (models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.User{}, invalidInput("username is required")
	}
	if len(password) < minPasswordLen {
		return models.User{}, invalidInput("password must be at least %d characters", minPasswordLen)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	user := models.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hashed),
		DisplayName:  strings.TrimSpace(displayName),
	}
	if err := a.db.WithContext(ctx).Create(&user).Error; err != nil {
		return models.User{}, translate("users", err)
	}
	return user, nil
}

// Authenticate 校验用户名和密码
func (a *Accounts) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	var user models.User
	err := a.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.User{}, translate("users", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	return user, nil
}

func (a *Accounts) Get(ctx context.Context, id string) (models.User, error) {
	var user models.User
	err := a.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, &StoreError{Status: http.StatusNotFound, Code: "PGRST116", Message: "user not found"}
	}
	return user, translate("users", err)
}
