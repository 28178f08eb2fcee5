package server

import (
	"net/http"

	"metal-admin/internal/apiserver/auth"
	"metal-admin/internal/apiserver/nodes"
	"metal-admin/internal/shared/metrics"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//   - GET /metrics - Prometheus 指标
//
// 节点管理 (Nodes)，op 形参分发:
//   - GET  /api/1.0/nodes/?op=list               - 列出节点
//   - GET  /api/1.0/nodes/?op=list_allocated     - 列出当前租约下的分配
//   - GET  /api/1.0/nodes/?op=is_registered      - 按 MAC 探测注册状态
//   - GET  /api/1.0/nodes/?op=power_parameters   - 电源参数（管理员）
//   - GET  /api/1.0/nodes/?op=deployment_status  - 部署状态
//   - POST /api/1.0/nodes/?op=acquire            - 按约束分配节点
//   - POST /api/1.0/nodes/?op=release            - 批量释放
//   - POST /api/1.0/nodes/?op=accept             - 批量接受入网（管理员）
//   - POST /api/1.0/nodes/?op=new                - 入网登记
//   - POST /api/1.0/nodes/?op=set_zone           - 批量设置可用区（管理员）
//
// 认证 (Auth):
//   - POST /api/1.0/auth/login - 登录换取访问令牌
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", metrics.Handler())

	// Nodes 接口，分配结果计入指标
	nodesHandler := nodes.NewHandler(h.store, h.metrics, h.log)
	nodesHandler.RegisterRoutes(mux)

	// Auth 路由
	authHandler := auth.NewHandler(h.authConfig, h.store)
	authHandler.Register(mux)

	// 应用指标中间件
	apiHandler := h.metrics.Middleware(mux)

	// 应用认证中间件
	authedHandler := auth.Middleware(h.authConfig)(apiHandler)

	// 应用 CORS 中间件
	return corsMiddleware(authedHandler)
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
