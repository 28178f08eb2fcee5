// Package allocation 节点筛选
package allocation

import (
	"metal-admin/internal/shared/model"
)

// Select 在候选池中选出第一个满足全部约束的节点
//
// 候选池须已按创建顺序升序排列（存储层保证），逐个比对、
// 首个命中即返回，保证相同约束下选择结果确定可复现。
// 无匹配时返回 *NoMatchError，携带原始约束集。
func Select(pool []*model.Node, c *Constraint) (*model.Node, error) {
	for _, node := range pool {
		if Matches(node, c) {
			return node, nil
		}
	}
	return nil, &NoMatchError{Constraints: c.Pairs()}
}

// Matches 判断节点是否满足全部约束（逻辑与）
// 只考虑可分配节点：ready 且无 owner
func Matches(node *model.Node, c *Constraint) bool {
	if !node.IsAvailable() {
		return false
	}
	if c.Name != "" && node.Hostname != c.Name && node.SystemID != c.Name {
		return false
	}
	if c.Arch != "" && node.Architecture != c.Arch {
		return false
	}
	if c.CPUCount != nil && float64(node.CPUCount) < *c.CPUCount {
		return false
	}
	if c.Mem != nil && float64(node.Memory) < *c.Mem {
		return false
	}
	for _, tag := range c.Tags {
		if !node.HasTag(tag) {
			return false
		}
	}
	for _, tag := range c.NotTags {
		if node.HasTag(tag) {
			return false
		}
	}
	if c.Zone != "" && node.ZoneName != c.Zone {
		return false
	}
	for _, zone := range c.NotInZone {
		if node.ZoneName == zone {
			return false
		}
	}
	for _, mac := range c.ConnectedTo {
		if !node.HasRouter(mac) {
			return false
		}
	}
	for _, mac := range c.NotConnectedTo {
		if node.HasRouter(mac) {
			return false
		}
	}
	for _, network := range c.Networks {
		if !node.OnNetwork(network) {
			return false
		}
	}
	for _, network := range c.NotNetworks {
		if node.OnNetwork(network) {
			return false
		}
	}
	return true
}
