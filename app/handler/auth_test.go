package handler

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"audio-forge/app/auth"
	"audio-forge/app/config"
	"audio-forge/app/database"
	"audio-forge/app/logger"
	"audio-forge/app/middleware"

	"github.com/gin-gonic/gin"
)

func newAuthEnv(t *testing.T) (*gin.Engine, *auth.JWTService) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })

	cfg := config.Default()
	cfg.Server.Username = "admin"
	cfg.Server.Password = "s3cret"
	if err := database.InitAdminUser(db, cfg, logger.NewNop()); err != nil {
		t.Fatalf("初始化管理员失败: %v", err)
	}

	tokens := auth.NewJWTService(cfg)
	h := NewAuthHandler(db, tokens)
	r := gin.New()
	r.POST("/api/auth/login", h.Login)
	r.GET("/api/auth/me", middleware.JWTAuth(tokens), h.Me)
	return r, tokens
}

func TestLogin(t *testing.T) {
	r, tokens := newAuthEnv(t)
	env := &testEnv{router: r}

	cases := []struct {
		name     string
		username string
		password string
		want     int
	}{
		{"正确密码", "admin", "s3cret", http.StatusOK},
		{"错误密码", "admin", "wrong", http.StatusUnauthorized},
		{"未知用户", "nobody", "s3cret", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, resp := env.do(t, http.MethodPost, "/api/auth/login", gin.H{"username": tc.username, "password": tc.password})
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if tc.want != http.StatusOK {
				return
			}
			token, _ := dataMap(t, resp)["token"].(string)
			claims, err := tokens.ValidateToken(token)
			if err != nil || claims.Username != "admin" {
				t.Fatalf("unexpected token: %v %+v", err, claims)
			}
		})
	}
}

func TestMe(t *testing.T) {
	r, tokens := newAuthEnv(t)
	env := &testEnv{router: r}
	_, resp := env.do(t, http.MethodPost, "/api/auth/login", gin.H{"username": "admin", "password": "s3cret"})
	token := dataMap(t, resp)["token"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	service, _ := tokens.GenerateServiceToken("worker", time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+service)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("服务令牌不能访问用户接口, got %d", w.Code)
	}
}
