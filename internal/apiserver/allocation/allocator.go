// Package allocation 分配事务
package allocation

import (
	"context"
	"errors"

	"metal-admin/internal/shared/model"
	"metal-admin/internal/shared/storage"
	"metal-admin/pkg/logging"
)

// maxAcquireAttempts 竞争失败后的重试上限
// 每轮重新取候选池，避免在同一份过期快照上空转
const maxAcquireAttempts = 5

// Recorder 分配指标回调，可为 nil
type Recorder interface {
	RecordAllocation(result string)
	RecordAllocationRetry()
}

// Allocator 节点分配器
type Allocator struct {
	store storage.NodeStore
	rec   Recorder
	log   *logging.Logger
}

// NewAllocator 创建分配器
func NewAllocator(store storage.NodeStore, rec Recorder, log *logging.Logger) *Allocator {
	return &Allocator{store: store, rec: rec, log: log}
}

func (a *Allocator) record(result string) {
	if a.rec != nil {
		a.rec.RecordAllocation(result)
	}
}

// Allocate 原子占有指定节点
//
// 前置条件（节点 ready 且无 owner）由存储层 compare-and-set
// 在提交时重新校验：并发竞争同一节点时恰好一方成功，
// 失败方收到 storage.ErrConflict。
func (a *Allocator) Allocate(ctx context.Context, node *model.Node, requester, tokenKey, agentName string) (*model.Node, error) {
	if err := a.store.AcquireNode(ctx, node.SystemID, requester, tokenKey, agentName); err != nil {
		return nil, err
	}
	a.log.AllocationLog("acquire", node.SystemID, requester)
	return a.store.GetNode(ctx, node.SystemID)
}

// AcquireMatching 选择并占有一个满足约束的节点
//
// 选择基于可能过期的候选池快照：若选中的节点在提交前被并发
// 请求抢走（ErrConflict），重新取池再选，有限次后放弃。
// 池中已无匹配节点时返回 *NoMatchError。
func (a *Allocator) AcquireMatching(ctx context.Context, c *Constraint, requester, tokenKey string) (*model.Node, error) {
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		pool, err := a.store.ListAvailableNodes(ctx)
		if err != nil {
			return nil, err
		}
		candidate, err := Select(pool, c)
		if err != nil {
			var noMatch *NoMatchError
			if errors.As(err, &noMatch) {
				a.record("no_match")
			}
			return nil, err
		}
		node, err := a.Allocate(ctx, candidate, requester, tokenKey, c.AgentName)
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			// 输掉竞争，重选
			a.log.WithSystemID(candidate.SystemID).Debug("acquire race lost, reselecting")
			if a.rec != nil {
				a.rec.RecordAllocationRetry()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		a.record("acquired")
		return node, nil
	}
	a.record("conflict")
	return nil, &NoMatchError{Constraints: c.Pairs()}
}
