// Package nodes 节点领域 - HTTP 处理
//
// 路由沿用 op 形参分发：同一个集合端点按 op=acquire/release/accept/…
// 路由到不同操作，保持与既有客户端的契约兼容。
package nodes

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"metal-admin/internal/apiserver/allocation"
	"metal-admin/internal/apiserver/auth"
	"metal-admin/internal/apiserver/lifecycle"
	"metal-admin/internal/shared/model"
	"metal-admin/internal/shared/storage"
	"metal-admin/pkg/logging"
)

// PersistentStore 节点处理器所需的持久化存储接口
type PersistentStore interface {
	storage.NodeStore
	storage.TopologyStore
}

// Handler 节点领域 HTTP 处理器
type Handler struct {
	store     PersistentStore
	allocator *allocation.Allocator
	machine   *lifecycle.Machine
	log       *logging.Logger
}

// NewHandler 创建节点处理器
//
// rec 可为 nil（不记录分配指标）。
func NewHandler(store PersistentStore, rec allocation.Recorder, log *logging.Logger) *Handler {
	return &Handler{
		store:     store,
		allocator: allocation.NewAllocator(store, rec, log),
		machine:   lifecycle.NewMachine(store, log),
		log:       log,
	}
}

// RegisterRoutes 注册节点相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/1.0/nodes/", h.dispatchGet)
	mux.HandleFunc("POST /api/1.0/nodes/", h.dispatchPost)
}

// ============================================================================
// op 分发
// ============================================================================

func (h *Handler) dispatchGet(w http.ResponseWriter, r *http.Request) {
	op := r.URL.Query().Get("op")
	switch op {
	case "", "list":
		h.List(w, r)
	case "list_allocated":
		h.ListAllocated(w, r)
	case "is_registered":
		h.IsRegistered(w, r)
	case "power_parameters":
		h.PowerParameters(w, r)
	case "deployment_status":
		h.DeploymentStatus(w, r)
	default:
		writeText(w, http.StatusBadRequest, fmt.Sprintf("Unrecognised signature: GET op=%s", op))
	}
}

func (h *Handler) dispatchPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, "invalid form data")
		return
	}
	op := r.Form.Get("op")
	switch op {
	case "acquire":
		h.Acquire(w, r)
	case "release":
		h.Release(w, r)
	case "accept":
		h.Accept(w, r)
	case "new":
		h.New(w, r)
	case "set_zone":
		h.SetZone(w, r)
	default:
		writeText(w, http.StatusBadRequest, fmt.Sprintf("Unrecognised signature: POST op=%s", op))
	}
}

// ============================================================================
// 响应结构
// ============================================================================

// macEntry 节点 MAC 地址条目
type macEntry struct {
	MACAddress string `json:"mac_address"`
}

// Response 节点响应结构
type Response struct {
	SystemID     string     `json:"system_id"`
	Hostname     string     `json:"hostname"`
	Status       string     `json:"status"`
	Owner        string     `json:"owner,omitempty"`
	Architecture string     `json:"architecture"`
	CPUCount     int        `json:"cpu_count"`
	Memory       int        `json:"memory"`
	AgentName    string     `json:"agent_name,omitempty"`
	Zone         string     `json:"zone"`
	TagNames     []string   `json:"tag_names"`
	Routers      []string   `json:"routers,omitempty"`
	Networks     []string   `json:"networks,omitempty"`
	MACAddresses []macEntry `json:"macaddress_set"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func toResponse(n *model.Node) *Response {
	resp := &Response{
		SystemID:     n.SystemID,
		Hostname:     n.Hostname,
		Status:       model.DisplayStatus(n.Status),
		Architecture: n.Architecture,
		CPUCount:     n.CPUCount,
		Memory:       n.Memory,
		AgentName:    n.AgentName,
		Zone:         n.ZoneName,
		TagNames:     n.Tags,
		Routers:      n.Routers,
		Networks:     n.Networks,
		MACAddresses: []macEntry{},
		CreatedAt:    n.CreatedAt,
		UpdatedAt:    n.UpdatedAt,
	}
	if n.Owner != nil {
		resp.Owner = *n.Owner
	}
	if resp.TagNames == nil {
		resp.TagNames = []string{}
	}
	for _, mac := range n.MACAddresses {
		resp.MACAddresses = append(resp.MACAddresses, macEntry{MACAddress: mac})
	}
	return resp
}

func toResponses(nodes []*model.Node) []*Response {
	out := make([]*Response, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, toResponse(n))
	}
	return out
}

// ============================================================================
// 查询操作
// ============================================================================

// List 列出节点（按创建顺序）
// GET /api/1.0/nodes/?op=list&id=…&hostname=…&mac_address=…&agent_name=…&zone=…
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var macs, invalid []string
	for _, raw := range q["mac_address"] {
		if mac, ok := model.NormalizeMAC(raw); ok {
			macs = append(macs, mac)
		} else {
			invalid = append(invalid, raw)
		}
	}
	if len(invalid) > 0 {
		writeText(w, http.StatusBadRequest, allocation.InvalidMACMessage(invalid))
		return
	}

	filter := storage.NodeFilter{
		SystemIDs:    q["id"],
		Hostnames:    q["hostname"],
		MACAddresses: macs,
		ZoneName:     q.Get("zone"),
	}
	// agent_name 空串是合法过滤值（匹配无 agent 的节点），与缺省区分
	if q.Has("agent_name") {
		agentName := q.Get("agent_name")
		filter.AgentName = &agentName
	}

	nodes, err := h.store.ListNodes(r.Context(), filter)
	if err != nil {
		h.internalError(w, "list", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponses(nodes))
}

// ListAllocated 列出请求者当前租约下已分配的节点
// GET /api/1.0/nodes/?op=list_allocated
func (h *Handler) ListAllocated(w http.ResponseWriter, r *http.Request) {
	requester := auth.GetRequester(r.Context())
	filter := storage.NodeFilter{
		SystemIDs: r.URL.Query()["id"],
		Status:    model.NodeStatusAllocated,
		TokenKey:  requester.TokenKey,
	}
	nodes, err := h.store.ListNodes(r.Context(), filter)
	if err != nil {
		h.internalError(w, "list_allocated", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponses(nodes))
}

// IsRegistered 按 MAC 探测节点是否已注册（退役节点视为未注册）
// GET /api/1.0/nodes/?op=is_registered&mac_address=…
func (h *Handler) IsRegistered(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("mac_address")
	mac, ok := model.NormalizeMAC(raw)
	if !ok {
		writeText(w, http.StatusBadRequest, allocation.InvalidMACMessage([]string{raw}))
		return
	}

	node, err := h.store.GetNodeByMAC(r.Context(), mac)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, false)
		return
	}
	if err != nil {
		h.internalError(w, "is_registered", err)
		return
	}
	writeJSON(w, http.StatusOK, node.Status != model.NodeStatusRetired)
}

// PowerParameters 查询节点电源参数（仅管理员）
// GET /api/1.0/nodes/?op=power_parameters&id=…
func (h *Handler) PowerParameters(w http.ResponseWriter, r *http.Request) {
	requester := auth.GetRequester(r.Context())
	if !requester.User.IsAdmin {
		writeText(w, http.StatusForbidden,
			"You don't have the required permission to view power parameters.")
		return
	}

	q := r.URL.Query()
	var nodes []*model.Node
	var err error
	if ids := q["id"]; len(ids) > 0 {
		nodes, err = h.store.GetNodesByIDs(r.Context(), ids)
	} else {
		nodes, err = h.store.ListNodes(r.Context(), storage.NodeFilter{})
	}
	if err != nil {
		h.internalError(w, "power_parameters", err)
		return
	}

	params := make(map[string]json.RawMessage, len(nodes))
	for _, n := range nodes {
		if len(n.PowerParameters) == 0 {
			params[n.SystemID] = json.RawMessage(`{}`)
		} else {
			params[n.SystemID] = n.PowerParameters
		}
	}
	writeJSON(w, http.StatusOK, params)
}

// DeploymentStatus 查询一组节点的部署状态
// GET /api/1.0/nodes/?op=deployment_status&nodes=…
func (h *Handler) DeploymentStatus(w http.ResponseWriter, r *http.Request) {
	requester := auth.GetRequester(r.Context())
	ids := r.URL.Query()["nodes"]

	nodes, err := h.store.GetNodesByIDs(r.Context(), ids)
	if err != nil {
		h.internalError(w, "deployment_status", err)
		return
	}
	if missing := missingIDs(ids, nodes); len(missing) > 0 {
		writeText(w, http.StatusBadRequest,
			fmt.Sprintf("Unknown node(s): %s.", strings.Join(missing, ", ")))
		return
	}

	var denied []string
	statuses := make(map[string]string, len(nodes))
	for _, n := range nodes {
		if !canView(requester.User, n) {
			denied = append(denied, n.SystemID)
			continue
		}
		statuses[n.SystemID] = model.DisplayStatus(n.Status)
	}
	if len(denied) > 0 {
		writeText(w, http.StatusForbidden, fmt.Sprintf(
			"You don't have the required permission to view the following node(s): %s.",
			strings.Join(denied, ", ")))
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// ============================================================================
// 变更操作
// ============================================================================

// Acquire 按约束分配一个可用节点
// POST /api/1.0/nodes/?op=acquire
func (h *Handler) Acquire(w http.ResponseWriter, r *http.Request) {
	requester := auth.GetRequester(r.Context())

	catalog, err := h.catalog(r.Context())
	if err != nil {
		h.internalError(w, "acquire", err)
		return
	}
	constraint, verr := allocation.ParseConstraints(r.Form, catalog)
	if verr != nil {
		writeJSON(w, http.StatusBadRequest, verr.Fields)
		return
	}

	node, err := h.allocator.AcquireMatching(r.Context(), constraint, requester.User.Name, requester.TokenKey)
	var noMatch *allocation.NoMatchError
	if errors.As(err, &noMatch) {
		writeText(w, http.StatusConflict, noMatch.Error())
		return
	}
	if err != nil {
		h.internalError(w, "acquire", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(node))
}

// Release 批量释放节点，返回实际释放的节点 ID
// POST /api/1.0/nodes/?op=release&nodes=…
func (h *Handler) Release(w http.ResponseWriter, r *http.Request) {
	requester := auth.GetRequester(r.Context())
	ids := r.Form["nodes"]

	released, err := h.machine.Release(r.Context(), ids, requester.User)
	if err != nil {
		h.writeLifecycleError(w, "release", err)
		return
	}
	releasedIDs := make([]string, 0, len(released))
	for _, n := range released {
		releasedIDs = append(releasedIDs, n.SystemID)
	}
	writeJSON(w, http.StatusOK, releasedIDs)
}

// Accept 批量接受入网节点（仅管理员）
// POST /api/1.0/nodes/?op=accept&nodes=…
func (h *Handler) Accept(w http.ResponseWriter, r *http.Request) {
	requester := auth.GetRequester(r.Context())
	ids := r.Form["nodes"]

	accepted, err := h.machine.Accept(r.Context(), ids, requester.User)
	if err != nil {
		h.writeLifecycleError(w, "accept", err)
		return
	}
	writeJSON(w, http.StatusOK, toResponses(accepted))
}

// 入网登记可接受的架构（arch/subarch 形式）
var recognizedArchitectures = []string{
	"amd64/generic",
	"i386/generic",
	"arm64/generic",
	"armhf/generic",
	"armhf/highbank",
	"ppc64el/generic",
}

// New 入网登记：以 NEW 状态创建节点
// POST /api/1.0/nodes/?op=new
func (h *Handler) New(w http.ResponseWriter, r *http.Request) {
	arch := r.Form.Get("architecture")
	if !strings.Contains(arch, "/") {
		arch += "/generic"
	}
	recognized := false
	for _, known := range recognizedArchitectures {
		if arch == known {
			recognized = true
			break
		}
	}
	if !recognized {
		writeText(w, http.StatusBadRequest,
			fmt.Sprintf("Architecture not recognised: '%s'.", r.Form.Get("architecture")))
		return
	}

	var macs, invalid []string
	for _, raw := range r.Form["mac_addresses"] {
		if mac, ok := model.NormalizeMAC(raw); ok {
			macs = append(macs, mac)
		} else {
			invalid = append(invalid, raw)
		}
	}
	if len(invalid) > 0 {
		writeText(w, http.StatusBadRequest, allocation.InvalidMACMessage(invalid))
		return
	}

	zone := r.Form.Get("zone")
	if zone != "" {
		known, err := h.zoneExists(r.Context(), zone)
		if err != nil {
			h.internalError(w, "new", err)
			return
		}
		if !known {
			writeText(w, http.StatusBadRequest, fmt.Sprintf("No such zone: '%s'.", zone))
			return
		}
	}

	node := &model.Node{
		SystemID:        generateSystemID(),
		Hostname:        r.Form.Get("hostname"),
		Status:          model.NodeStatusNew,
		Architecture:    arch,
		ZoneName:        zone,
		MACAddresses:    macs,
		PowerParameters: json.RawMessage(`{}`),
	}
	if node.Hostname == "" {
		node.Hostname = node.SystemID
	}
	if err := h.store.CreateNode(r.Context(), node); err != nil {
		h.internalError(w, "new", err)
		return
	}
	h.log.AllocationLog("enlist", node.SystemID, "")
	writeJSON(w, http.StatusOK, toResponse(node))
}

// SetZone 批量设置节点可用区（仅管理员）
// POST /api/1.0/nodes/?op=set_zone&zone=…&nodes=…
func (h *Handler) SetZone(w http.ResponseWriter, r *http.Request) {
	requester := auth.GetRequester(r.Context())
	if !requester.User.IsAdmin {
		writeText(w, http.StatusForbidden,
			"You don't have the required permission to set the zone of node(s).")
		return
	}

	zone := r.Form.Get("zone")
	known, err := h.zoneExists(r.Context(), zone)
	if err != nil {
		h.internalError(w, "set_zone", err)
		return
	}
	if !known {
		writeText(w, http.StatusBadRequest, fmt.Sprintf("No such zone: '%s'.", zone))
		return
	}

	ids := r.Form["nodes"]
	nodes, err := h.store.GetNodesByIDs(r.Context(), ids)
	if err != nil {
		h.internalError(w, "set_zone", err)
		return
	}
	if missing := missingIDs(ids, nodes); len(missing) > 0 {
		writeText(w, http.StatusBadRequest,
			fmt.Sprintf("Unknown node(s): %s.", strings.Join(missing, ", ")))
		return
	}
	for _, n := range nodes {
		if err := h.store.UpdateNodeZone(r.Context(), n.SystemID, zone); err != nil {
			h.internalError(w, "set_zone", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"zone": zone})
}

// ============================================================================
// 内部辅助
// ============================================================================

// catalog 汇集当前存量的架构/标签/可用区/网络名，供约束校验
func (h *Handler) catalog(ctx context.Context) (*allocation.Catalog, error) {
	architectures, err := h.store.ListArchitectures(ctx)
	if err != nil {
		return nil, err
	}
	tags, err := h.store.ListTagNames(ctx)
	if err != nil {
		return nil, err
	}
	zones, err := h.store.ListZoneNames(ctx)
	if err != nil {
		return nil, err
	}
	networks, err := h.store.ListNetworkNames(ctx)
	if err != nil {
		return nil, err
	}
	return &allocation.Catalog{
		Architectures: architectures,
		Tags:          tags,
		Zones:         zones,
		Networks:      networks,
	}, nil
}

func (h *Handler) zoneExists(ctx context.Context, zone string) (bool, error) {
	names, err := h.store.ListZoneNames(ctx)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == zone {
			return true, nil
		}
	}
	return false, nil
}

// missingIDs 返回请求中不存在的节点 ID（保持请求顺序，去重）
func missingIDs(requested []string, found []*model.Node) []string {
	present := make(map[string]bool, len(found))
	for _, n := range found {
		present[n.SystemID] = true
	}
	var missing []string
	seen := make(map[string]bool)
	for _, id := range requested {
		if !present[id] && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	return missing
}

// generateSystemID 生成节点标识：node-xxxxxxxxxxxx
func generateSystemID() string {
	buf := make([]byte, 6)
	rand.Read(buf)
	return "node-" + hex.EncodeToString(buf)
}

// canView 管理员可见全部，普通用户可见未被他人持有的节点
func canView(requester *model.User, node *model.Node) bool {
	if requester.IsAdmin {
		return true
	}
	return node.Owner == nil || *node.Owner == requester.Name
}

// writeLifecycleError 把生命周期错误映射到 HTTP 状态码
func (h *Handler) writeLifecycleError(w http.ResponseWriter, op string, err error) {
	var unknown *lifecycle.UnknownNodesError
	var forbidden *lifecycle.PermissionError
	var conflict *lifecycle.ConflictError
	switch {
	case errors.As(err, &unknown):
		writeText(w, http.StatusBadRequest, unknown.Error())
	case errors.As(err, &forbidden):
		writeText(w, http.StatusForbidden, forbidden.Error())
	case errors.As(err, &conflict):
		writeText(w, http.StatusConflict, conflict.Error())
	default:
		h.internalError(w, op, err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.log.WithError(err).Error("nodes op failed", "op", op)
	writeText(w, http.StatusInternalServerError, "internal server error")
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeText 契约错误以纯文本响应，消息文本即契约的一部分
func writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, message)
}
