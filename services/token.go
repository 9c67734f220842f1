package services

import (
	"errors"
	"time"

	"chat-sync/config"
	"chat-sync/models"

	"github.com/dgrijalva/jwt-go"
)

// Claims 访问令牌中的声明，Subject 为用户 ID
type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.StandardClaims
}

// TokenIssuer 签发和校验 HS256 令牌
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(c config.AuthConfig) (*TokenIssuer, error) {
	if c.JWTSecret == "" {
		return nil, errors.New("auth.jwt_secret is required")
	}
	ttl := c.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(c.JWTSecret), ttl: ttl, now: time.Now}, nil
}

// GenerateToken 生成 JWT Token
func (t *TokenIssuer) GenerateToken(user models.User) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	claims := Claims{
		Username: user.Username,
		Role:     "authenticated",
		StandardClaims: jwt.StandardClaims{
			Subject:   user.ID,
			IssuedAt:  now.Unix(),
			ExpiresAt: exp.Unix(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseToken 校验令牌。过期返回 ErrJWTExpired，其余失败返回 ErrJWTInvalid。
func (t *TokenIssuer) ParseToken(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrJWTInvalid
		}
		return t.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrJWTExpired
		}
		return nil, ErrJWTInvalid
	}
	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrJWTInvalid
	}
	return claims, nil
}
