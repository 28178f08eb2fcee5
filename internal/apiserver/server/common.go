// Package server 路由配置与核心基础设施
//
// 本包是 API Server 的入口，负责：
//   - 路由请求到各领域独立包（nodes/auth）
//   - 指标、认证、CORS 中间件链
//   - 健康检查与 Prometheus 指标端点
//   - 节点状态分布的周期采样
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"metal-admin/internal/apiserver/auth"
	"metal-admin/internal/shared/metrics"
	"metal-admin/internal/shared/storage"
	"metal-admin/pkg/logging"
)

// Handler API 处理器
type Handler struct {
	store      storage.PersistentStore
	authConfig auth.Config
	metrics    *metrics.Metrics
	log        *logging.Logger
}

// NewHandler 创建 Handler 实例
func NewHandler(store storage.PersistentStore, authConfig auth.Config) *Handler {
	return &Handler{
		store:      store,
		authConfig: authConfig,
		metrics:    metrics.New("metal"),
		log:        logging.Default("api-server"),
	}
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *metrics.Metrics {
	return h.metrics
}

// StartNodeGauge 周期采样节点状态分布，直至 ctx 取消
// 首轮采样同步完成，启动后指标立即可见
func (h *Handler) StartNodeGauge(ctx context.Context, interval time.Duration) {
	h.sampleNodes(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sampleNodes(ctx)
			}
		}
	}()
}

// sampleNodes 重算各状态的节点数
// 先 Reset 再逐状态 Set，已清空的状态不会残留旧值
func (h *Handler) sampleNodes(ctx context.Context) {
	nodes, err := h.store.ListNodes(ctx, storage.NodeFilter{})
	if err != nil {
		h.log.WithError(err).Warn("sample node counts failed")
		return
	}
	counts := make(map[string]int)
	for _, n := range nodes {
		counts[string(n.Status)]++
	}
	h.metrics.NodesTotal.Reset()
	for status, count := range counts {
		h.metrics.SetNodesCount(status, count)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 用于负载均衡器和监控系统检查服务状态。
// 返回 {"status": "ok"} 表示服务正常运行。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
