// Package model 拓扑实体
//
// topology.go 包含与节点多对多关联的命名实体：
//   - Zone：可用区
//   - Tag：节点标签
//   - Network：二层网络
//
// 这些实体只有创建/删除，没有独立的生命周期，
// 约束解析时按名称引用。
package model

import "time"

// Zone 可用区：每个节点恰好属于一个 zone
type Zone struct {
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// DefaultZoneName 未显式指定时节点归属的 zone
const DefaultZoneName = "default"

// Tag 节点标签：多对多，顺序无关
type Tag struct {
	Name       string    `json:"name" db:"name"`
	Definition string    `json:"definition,omitempty" db:"definition"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Network 二层网络：节点通过网卡 MAC 接入
type Network struct {
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description,omitempty" db:"description"`
	VLANTag     int       `json:"vlan_tag,omitempty" db:"vlan_tag"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
