package auth

import (
	"errors"
	"time"

	"audio-forge/app/config"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeUser    = "user"
	ScopeService = "service"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrNotRefreshable = errors.New("token still valid, no need to refresh")
)

// Claims 令牌声明。用户令牌携带 UserID，服务令牌只携带 Subject
type Claims struct {
	UserID   uint   `json:"user_id,omitempty"`
	Username string `json:"username,omitempty"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// IsService 是否为内部服务令牌
func (c *Claims) IsService() bool {
	return c.Scope == ScopeService
}

// JWTService 签发和校验令牌
type JWTService struct {
	secret []byte
	issuer string
	expire time.Duration
	now    func() time.Time
}

func NewJWTService(cfg *config.Config) *JWTService {
	return &JWTService{
		secret: []byte(cfg.JWT.Secret),
		issuer: cfg.JWT.Issuer,
		expire: time.Duration(cfg.JWT.ExpireTime) * time.Hour,
		now:    time.Now,
	}
}

// ExpireAt 新签发用户令牌的过期时间
func (j *JWTService) ExpireAt() time.Time {
	return j.now().Add(j.expire)
}

func (j *JWTService) sign(claims Claims, ttl time.Duration) (string, error) {
	now := j.now()
	claims.RegisteredClaims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.RegisteredClaims.IssuedAt = jwt.NewNumericDate(now)
	claims.RegisteredClaims.NotBefore = jwt.NewNumericDate(now)
	claims.RegisteredClaims.Issuer = j.issuer
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// GenerateToken 生成用户令牌
func (j *JWTService) GenerateToken(userID uint, username string) (string, error) {
	return j.sign(Claims{UserID: userID, Username: username, Scope: ScopeUser}, j.expire)
}

// GenerateServiceToken 生成内部调用使用的短期令牌
func (j *JWTService) GenerateServiceToken(subject string, ttl time.Duration) (string, error) {
	claims := Claims{Scope: ScopeService}
	claims.Subject = subject
	return j.sign(claims, ttl)
}

// ValidateToken 验证令牌
func (j *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secret, nil
	}, jwt.WithIssuer(j.issuer), jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// RefreshToken 在用户令牌一小时内过期时换发新令牌
func (j *JWTService) RefreshToken(tokenString string) (string, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}
	if claims.IsService() {
		return "", ErrInvalidToken
	}
	if claims.ExpiresAt.Time.Sub(j.now()) > time.Hour {
		return "", ErrNotRefreshable
	}
	return j.GenerateToken(claims.UserID, claims.Username)
}
