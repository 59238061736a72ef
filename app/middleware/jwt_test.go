package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"audio-forge/app/auth"
	"audio-forge/app/config"

	"github.com/gin-gonic/gin"
)

func newEngine(tokens *auth.JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/user", JWTAuth(tokens), func(c *gin.Context) { c.String(http.StatusOK, c.GetString("username")) })
	r.GET("/internal", ServiceAuth(tokens), func(c *gin.Context) { c.String(http.StatusOK, c.GetString("service")) })
	return r
}

func do(r *gin.Engine, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	tokens := auth.NewJWTService(&config.Config{JWT: config.JWTConfig{Secret: "s", ExpireTime: 1, Issuer: "audio-forge"}})
	r := newEngine(tokens)
	userToken, _ := tokens.GenerateToken(1, "alice")
	serviceToken, _ := tokens.GenerateServiceToken("dispatcher", time.Minute)

	cases := []struct {
		name  string
		path  string
		token string
		code  int
		body  string
	}{
		{"用户访问用户接口", "/user", userToken, http.StatusOK, "alice"},
		{"缺少令牌", "/user", "", http.StatusUnauthorized, ""},
		{"无效令牌", "/user", "garbage", http.StatusUnauthorized, ""},
		{"服务令牌访问用户接口", "/user", serviceToken, http.StatusForbidden, ""},
		{"服务令牌访问内部接口", "/internal", serviceToken, http.StatusOK, "dispatcher"},
		{"用户令牌访问内部接口", "/internal", userToken, http.StatusForbidden, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, tc.path, tc.token)
			if w.Code != tc.code {
				t.Fatalf("expected %d, got %d: %s", tc.code, w.Code, w.Body.String())
			}
			if tc.body != "" && w.Body.String() != tc.body {
				t.Fatalf("expected body %q, got %q", tc.body, w.Body.String())
			}
		})
	}
}
