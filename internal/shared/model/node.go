// Package model 定义核心数据模型
//
// node.go 包含物理机节点相关的数据模型定义：
//   - Node：受管的物理机记录
//   - NodeStatus：节点生命周期状态枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// NodeStatus - 节点生命周期状态
// ============================================================================

// NodeStatus 表示物理机节点的生命周期状态
//
// 生命周期：
//
//	new → commissioning → ready ⇄ allocated
//	         ↓                        ↓
//	    failed_tests             reserved / broken
//	                                  ↓
//	                              retired（终态）
//
// 状态说明：
//   - new：新注册（enlistment），等待管理员 accept
//   - commissioning：硬件探测中
//   - failed_tests：commissioning 测试失败
//   - missing：失联，长期无法联系
//   - ready：空闲可分配
//   - reserved：被持有但未部署（占位持有态）
//   - allocated：已分配给用户独占使用
//   - retired：永久退役，不参与任何选择和注册查询
//   - broken：硬件故障，等待维修
type NodeStatus string

const (
	// NodeStatusNew 新注册：节点刚完成 enlistment，等待 accept
	NodeStatusNew NodeStatus = "new"

	// NodeStatusCommissioning 探测中：正在执行硬件 commissioning
	NodeStatusCommissioning NodeStatus = "commissioning"

	// NodeStatusFailedTests 测试失败：commissioning 过程中测试未通过
	NodeStatusFailedTests NodeStatus = "failed_tests"

	// NodeStatusMissing 失联：节点长期无法联系
	NodeStatusMissing NodeStatus = "missing"

	// NodeStatusReady 就绪：空闲，可被 acquire 选中
	NodeStatusReady NodeStatus = "ready"

	// NodeStatusReserved 保留：被用户持有但尚未部署
	NodeStatusReserved NodeStatus = "reserved"

	// NodeStatusAllocated 已分配：用户独占持有
	NodeStatusAllocated NodeStatus = "allocated"

	// NodeStatusRetired 已退役：永久移除，终态
	NodeStatusRetired NodeStatus = "retired"

	// NodeStatusBroken 故障：硬件损坏待修
	NodeStatusBroken NodeStatus = "broken"
)

// displayNames 状态的展示名称（API 错误信息与 deployment_status 使用）
var displayNames = map[NodeStatus]string{
	NodeStatusNew:           "New",
	NodeStatusCommissioning: "Commissioning",
	NodeStatusFailedTests:   "Failed tests",
	NodeStatusMissing:       "Missing",
	NodeStatusReady:         "Ready",
	NodeStatusReserved:      "Reserved",
	NodeStatusAllocated:     "Allocated",
	NodeStatusRetired:       "Retired",
	NodeStatusBroken:        "Broken",
}

// DisplayStatus 返回状态的展示名称
//
// 纯函数：展示名称由状态枚举推导，不在实体上挂行为
func DisplayStatus(status NodeStatus) string {
	if name, ok := displayNames[status]; ok {
		return name
	}
	return "Unknown"
}

// AcceptableStatuses accept 操作允许的源状态集合
//
// ready/commissioning 的节点已经完成或正在 accept 流程，
// 对它们重复 accept 是幂等的（不报错、不计入成功列表）
var AcceptableStatuses = []NodeStatus{
	NodeStatusNew,
	NodeStatusCommissioning,
	NodeStatusReady,
}

// ReleasableStatuses release 操作允许的源状态集合（不含 ready，
// ready 节点 release 时原样跳过）
var ReleasableStatuses = []NodeStatus{
	NodeStatusAllocated,
	NodeStatusReserved,
	NodeStatusBroken,
}

// OwnedStatuses 允许 owner 字段非空的状态集合
var OwnedStatuses = []NodeStatus{
	NodeStatusAllocated,
	NodeStatusReserved,
}

// StatusIn 判断状态是否在给定集合中
func StatusIn(status NodeStatus, set []NodeStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// ============================================================================
// Node - 物理机节点
// ============================================================================

// Node 表示一台受管物理机的持久化记录
//
// 字段说明：
//   - SystemID：节点唯一标识，创建后不可变
//   - Status：生命周期状态
//   - Owner/TokenKey：独占持有者及其租约凭证，仅在持有态非空
//   - Architecture："arch/subarch" 形式，如 "amd64/generic"
//   - Tags：标签集合（多对多，顺序无关）
//   - ZoneName：所属可用区（每个节点恰好属于一个 zone）
//   - Routers：直连上游路由的 MAC 集合（connected_to 约束使用）
//   - Networks：通过网卡接入的网络名称集合
//   - PowerParameters：电源控制参数，仅管理员可见
type Node struct {
	SystemID        string          `json:"system_id" db:"system_id"`
	Hostname        string          `json:"hostname" db:"hostname"`
	Status          NodeStatus      `json:"status" db:"status"`
	Owner           *string         `json:"owner,omitempty" db:"owner"`
	TokenKey        *string         `json:"-" db:"token_key"`
	Architecture    string          `json:"architecture" db:"architecture"`
	CPUCount        int             `json:"cpu_count" db:"cpu_count"`
	Memory          int             `json:"memory" db:"memory"` // MB
	AgentName       string          `json:"agent_name" db:"agent_name"`
	ZoneName        string          `json:"zone" db:"zone_name"`
	Tags            []string        `json:"tag_names" db:"tags"`
	Routers         []string        `json:"routers,omitempty" db:"routers"`
	Networks        []string        `json:"networks,omitempty" db:"networks"`
	MACAddresses    []string        `json:"macaddress_set,omitempty" db:"mac_addresses"`
	PowerParameters json.RawMessage `json:"-" db:"power_parameters"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// ============================================================================
// 辅助方法
// ============================================================================

// IsAvailable 判断节点是否可被 acquire 选中
//
// 不变式：仅 ready 且无 owner 的节点可被选择
func (n *Node) IsAvailable() bool {
	return n.Status == NodeStatusReady && n.Owner == nil
}

// IsOwned 判断节点是否处于持有态
func (n *Node) IsOwned() bool {
	return StatusIn(n.Status, OwnedStatuses)
}

// HasTag 判断节点是否带有指定标签
func (n *Node) HasTag(name string) bool {
	for _, t := range n.Tags {
		if t == name {
			return true
		}
	}
	return false
}

// HasRouter 判断节点的直连路由集合是否包含指定 MAC（已归一化）
func (n *Node) HasRouter(mac string) bool {
	for _, r := range n.Routers {
		if r == mac {
			return true
		}
	}
	return false
}

// OnNetwork 判断节点是否有接口接入指定网络
func (n *Node) OnNetwork(name string) bool {
	for _, nw := range n.Networks {
		if nw == name {
			return true
		}
	}
	return false
}

// DisplayStatus 返回节点当前状态的展示名称
func (n *Node) DisplayStatus() string {
	return DisplayStatus(n.Status)
}
