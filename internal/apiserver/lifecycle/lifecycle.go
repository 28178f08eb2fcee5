// Package lifecycle 节点生命周期状态机
//
// 两个批量操作：accept（录入确认）与 release（释放归还）。
// 错误策略是「响亮且具体地失败」：任何一个节点的权限/状态
// 违例都会使整批失败，且响应中点名每个出问题的节点——
// 调用方的测试直接断言错误文本，消息组成本身是契约的一部分。
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"metal-admin/internal/shared/model"
	"metal-admin/internal/shared/storage"
	"metal-admin/pkg/logging"
)

// Machine 生命周期状态机
type Machine struct {
	store storage.NodeStore
	log   *logging.Logger
}

// NewMachine 创建状态机
func NewMachine(store storage.NodeStore, log *logging.Logger) *Machine {
	return &Machine{store: store, log: log}
}

// BatchResult 批量操作的成功/失败累积
// 成功与失败分开收集，由调用方折算成 HTTP 结果
type BatchResult struct {
	Succeeded []*model.Node
	Unknown   []string // 不存在的 system_id
	Forbidden []string // 请求者无编辑权限的 system_id
	Conflicts []string // 状态前置条件不满足的条目（含显示状态）
}

// Accept 批量确认节点录入
//
// 仅管理员可调用。全部 ID 必须存在，否则整批 400；
// 存在但状态不允许确认的节点使整批 409，逐个点名。
// 只有 new 状态的节点真正迁移到 commissioning 并进入返回列表，
// 已在 commissioning/ready 的节点原样跳过。空 ID 列表为成功空操作。
func (m *Machine) Accept(ctx context.Context, systemIDs []string, requester *model.User) ([]*model.Node, error) {
	if !requester.IsAdmin {
		return nil, &PermissionError{
			Message: "You don't have the required permission to accept node enlistment.",
		}
	}
	if len(systemIDs) == 0 {
		return []*model.Node{}, nil
	}

	nodes, err := m.fetchAll(ctx, systemIDs)
	if err != nil {
		return nil, err
	}

	var conflicts []string
	var toAccept []*model.Node
	for _, node := range nodes {
		if !model.StatusIn(node.Status, model.AcceptableStatuses) {
			conflicts = append(conflicts, fmt.Sprintf(
				"Cannot accept node enlistment: node %s is in state %s.",
				node.SystemID, node.DisplayStatus()))
			continue
		}
		if node.Status == model.NodeStatusNew {
			toAccept = append(toAccept, node)
		}
		// commissioning/ready 的节点已过录入阶段，跳过
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{Entries: conflicts, joiner: " "}
	}

	accepted := make([]*model.Node, 0, len(toAccept))
	for _, node := range toAccept {
		err := m.store.TransitionNode(ctx, node.SystemID,
			[]model.NodeStatus{model.NodeStatusNew}, model.NodeStatusCommissioning)
		if errors.Is(err, storage.ErrConflict) {
			// 并发修改先行，放弃该节点
			continue
		}
		if err != nil {
			return nil, err
		}
		fresh, err := m.store.GetNode(ctx, node.SystemID)
		if err != nil {
			return nil, err
		}
		m.log.WithSystemID(node.SystemID).WithUser(requester.Name).Info("node enlistment accepted")
		accepted = append(accepted, fresh)
	}
	return accepted, nil
}

// Release 批量释放节点
//
// 任何未知 ID 使整批 400。逐节点检查：无编辑权限 → FORBIDDEN 集合；
// 状态不在可释放集 ∪ {ready} → CONFLICT 集合（记录「id ('显示状态')」）。
// FORBIDDEN 非空优先返回 403，其次 CONFLICT 非空返回 409——
// 即使同批其他节点本可成功。已是 ready 的节点原样跳过，
// 不进入返回列表。空 ID 列表为成功空操作。
func (m *Machine) Release(ctx context.Context, systemIDs []string, requester *model.User) ([]*model.Node, error) {
	if len(systemIDs) == 0 {
		return []*model.Node{}, nil
	}

	nodes, err := m.fetchAll(ctx, systemIDs)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	var toRelease []*model.Node
	for _, node := range nodes {
		if !canEdit(requester, node) {
			result.Forbidden = append(result.Forbidden, node.SystemID)
			continue
		}
		switch {
		case model.StatusIn(node.Status, model.ReleasableStatuses):
			toRelease = append(toRelease, node)
		case node.Status == model.NodeStatusReady:
			// 已释放，跳过
		default:
			result.Conflicts = append(result.Conflicts,
				fmt.Sprintf("%s ('%s')", node.SystemID, node.DisplayStatus()))
		}
	}

	if len(result.Forbidden) > 0 {
		return nil, &PermissionError{
			Message: "You don't have the required permission to release the following node(s): " +
				joinIDs(result.Forbidden) + ".",
		}
	}
	if len(result.Conflicts) > 0 {
		return nil, &ConflictError{
			Prefix:  "Node(s) cannot be released in their current state: ",
			Entries: result.Conflicts,
			Suffix:  ".",
			joiner:  ", ",
		}
	}

	for _, node := range toRelease {
		err := m.store.ReleaseNode(ctx, node.SystemID, model.ReleasableStatuses)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		fresh, err := m.store.GetNode(ctx, node.SystemID)
		if err != nil {
			return nil, err
		}
		m.log.WithSystemID(node.SystemID).WithUser(requester.Name).Info("node released")
		result.Succeeded = append(result.Succeeded, fresh)
	}
	return result.Succeeded, nil
}

// fetchAll 取出全部指定节点；任何缺失 ID 返回 *UnknownNodesError
func (m *Machine) fetchAll(ctx context.Context, systemIDs []string) ([]*model.Node, error) {
	nodes, err := m.store.GetNodesByIDs(ctx, systemIDs)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		found[node.SystemID] = true
	}
	var missing []string
	seen := map[string]bool{}
	for _, id := range systemIDs {
		if !found[id] && !seen[id] {
			missing = append(missing, id)
			seen[id] = true
		}
	}
	if len(missing) > 0 {
		return nil, &UnknownNodesError{IDs: missing}
	}
	return nodes, nil
}

// canEdit 请求者是否可修改该节点
// 管理员可改任何节点；普通用户只能改自己拥有的节点，
// 无主节点对普通用户不可编辑
func canEdit(requester *model.User, node *model.Node) bool {
	if requester.IsAdmin {
		return true
	}
	return node.Owner != nil && *node.Owner == requester.Name
}
