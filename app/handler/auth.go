package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"audio-forge/app/auth"
	"audio-forge/app/model"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// AuthHandler 登录与令牌接口
type AuthHandler struct {
	db     *gorm.DB
	tokens *auth.JWTService
}

func NewAuthHandler(db *gorm.DB, tokens *auth.JWTService) *AuthHandler {
	return &AuthHandler{db: db, tokens: tokens}
}

// LoginRequest 登录请求结构
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应结构
type LoginResponse struct {
	Token    string      `json:"token"`
	User     *model.User `json:"user"`
	ExpireAt int64       `json:"expire_at"`
}

// Login 用户登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	ctx := c.Request.Context()
	var user model.User
	err := h.db.WithContext(ctx).Where("username = ?", req.Username).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		failWith(c, err)
		return
	}
	// 用户不存在和密码错误返回相同的提示
	if err != nil || !user.CheckPassword(req.Password) {
		fail(c, http.StatusUnauthorized, "用户名或密码错误")
		return
	}
	if user.Disabled {
		fail(c, http.StatusForbidden, "账号已停用")
		return
	}

	token, err := h.tokens.GenerateToken(user.ID, user.Username)
	if err != nil {
		fail(c, http.StatusInternalServerError, "生成令牌失败")
		return
	}

	now := time.Now()
	h.db.WithContext(ctx).Model(&user).Update("last_login_at", &now)
	user.LastLoginAt = &now

	success(c, http.StatusOK, LoginResponse{
		Token:    token,
		User:     &user,
		ExpireAt: h.tokens.ExpireAt().Unix(),
	}, "登录成功")
}

// RefreshToken 刷新令牌
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		fail(c, http.StatusUnauthorized, "Authorization header is required")
		return
	}

	newToken, err := h.tokens.RefreshToken(token)
	if err != nil {
		fail(c, http.StatusUnauthorized, "刷新令牌失败: "+err.Error())
		return
	}

	success(c, http.StatusOK, gin.H{
		"token":     newToken,
		"expire_at": h.tokens.ExpireAt().Unix(),
	}, "刷新成功")
}

// Me 返回当前登录的管理员
func (h *AuthHandler) Me(c *gin.Context) {
	var user model.User
	if err := h.db.WithContext(c.Request.Context()).First(&user, c.GetUint("user_id")).Error; err != nil {
		fail(c, http.StatusNotFound, "用户不存在")
		return
	}
	success(c, http.StatusOK, user, "ok")
}
