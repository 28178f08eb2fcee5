package auth

import (
	"log"
	"net/http"
	"strings"

	"metal-admin/internal/shared/model"
)

// 免认证路由白名单（前缀匹配）
var publicPrefixes = []string{
	"/api/1.0/auth/login",
	"/health",
	"/metrics",
}

func isPublicRoute(r *http.Request) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	// 机器注册探测是匿名操作（装机环境没有凭证）
	// op 必须精确解析：只有 is_registered 本身免认证，其它 op 一律走认证
	return r.Method == http.MethodGet &&
		strings.HasPrefix(r.URL.Path, "/api/1.0/nodes/") &&
		r.URL.Query().Get("op") == "is_registered"
}

// anonymousRequester 公开路由上的无凭证身份，不带任何管理权限
func anonymousRequester() *Requester {
	return &Requester{
		User:     &model.User{Name: "anonymous", IsAdmin: false},
		TokenKey: "anonymous",
	}
}

// Middleware 创建 JWT 认证中间件
// 如果 cfg.Enabled() == false，直接放行所有请求（无认证模式）
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 无认证模式：直接放行
			if !cfg.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			// 公开路由注入匿名身份，避免业务层回退到内置管理员
			if isPublicRoute(r) {
				next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), anonymousRequester())))
				return
			}

			// 提取 Bearer Token
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(cfg, parts[1])
			if err != nil {
				log.Printf("[auth] token parse error: %v", err)
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			requester := &Requester{
				User: &model.User{
					Name:    claims.Subject,
					IsAdmin: claims.IsAdmin,
				},
				TokenKey: claims.TokenKey,
			}
			next.ServeHTTP(w, r.WithContext(WithRequester(r.Context(), requester)))
		})
	}
}
