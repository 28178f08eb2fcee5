package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"metal-admin/internal/shared/model"
	"metal-admin/internal/shared/storage"
)

// Handler 认证 HTTP 处理器
type Handler struct {
	cfg   Config
	users storage.UserStore
}

// NewHandler 创建认证处理器
func NewHandler(cfg Config, users storage.UserStore) *Handler {
	return &Handler{cfg: cfg, users: users}
}

// Register 注册认证路由
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/1.0/auth/login", h.handleLogin)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_superuser"`
}

// handleLogin 用户登录，签发访问令牌
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}

	user, err := h.users.GetUser(r.Context(), req.Username)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !CheckPassword(req.Password, user.PasswordHash)) {
		http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
		return
	}
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	tokenKey, err := ensureToken(r.Context(), h.users, user.Name)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	accessToken, err := GenerateAccessToken(h.cfg, user, tokenKey)
	if err != nil {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{
		Token:    accessToken,
		Username: user.Name,
		IsAdmin:  user.IsAdmin,
	})
}

// EnsureAdmin 启动引导：管理员账号不存在时创建，连同其租约凭证
func EnsureAdmin(ctx context.Context, users storage.UserStore, name, password string) error {
	if password == "" {
		return nil
	}
	if _, err := users.GetUser(ctx, name); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := users.CreateUser(ctx, &model.User{
		Name:         name,
		IsAdmin:      true,
		PasswordHash: hash,
	}); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return err
	}
	if _, err := ensureToken(ctx, users, name); err != nil {
		return err
	}
	log.Printf("[auth.bootstrap] admin user created: %s", name)
	return nil
}

// ensureToken 取出用户的租约凭证，不存在时创建
// 凭证 key 按用户名派生，保证每个用户恰好一个当前凭证
func ensureToken(ctx context.Context, users storage.UserStore, userName string) (string, error) {
	key := "tok-" + userName
	if _, err := users.GetToken(ctx, key); err == nil {
		return key, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	secret, err := randomHex(16)
	if err != nil {
		return "", err
	}
	err = users.CreateToken(ctx, &model.Token{Key: key, Secret: secret, UserName: userName})
	if err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return "", err
	}
	return key, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
