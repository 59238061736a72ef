package auth

import (
	"testing"
	"time"

	"audio-forge/app/config"
)

func testService() *JWTService {
	cfg := &config.Config{JWT: config.JWTConfig{Secret: "test-secret", ExpireTime: 2, Issuer: "audio-forge"}}
	return NewJWTService(cfg)
}

func TestUserToken(t *testing.T) {
	svc := testService()
	token, err := svc.GenerateToken(7, "alice")
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("验证令牌失败: %v", err)
	}
	if claims.UserID != 7 || claims.Username != "alice" || claims.IsService() {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestServiceToken(t *testing.T) {
	svc := testService()
	token, err := svc.GenerateServiceToken("dispatcher", time.Minute)
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("验证令牌失败: %v", err)
	}
	if !claims.IsService() || claims.Subject != "dispatcher" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, err := svc.RefreshToken(token); err == nil {
		t.Fatalf("服务令牌不应允许刷新")
	}
}

func TestExpiredToken(t *testing.T) {
	svc := testService()
	token, err := svc.GenerateServiceToken("dispatcher", time.Minute)
	if err != nil {
		t.Fatalf("生成令牌失败: %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.ValidateToken(token); err == nil {
		t.Fatalf("过期令牌应验证失败")
	}
}

func TestWrongSecret(t *testing.T) {
	token, _ := testService().GenerateToken(1, "bob")
	other := NewJWTService(&config.Config{JWT: config.JWTConfig{Secret: "other", ExpireTime: 1, Issuer: "audio-forge"}})
	if _, err := other.ValidateToken(token); err == nil {
		t.Fatalf("不同密钥签发的令牌应验证失败")
	}
}

func TestRefreshTooEarly(t *testing.T) {
	svc := testService()
	token, _ := svc.GenerateToken(1, "bob")
	if _, err := svc.RefreshToken(token); err != ErrNotRefreshable {
		t.Fatalf("expected ErrNotRefreshable, got %v", err)
	}
	svc.now = func() time.Time { return time.Now().Add(90 * time.Minute) }
	if _, err := svc.RefreshToken(token); err != nil {
		t.Fatalf("临近过期应允许刷新: %v", err)
	}
}
