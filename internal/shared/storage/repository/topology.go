// Package repository zone/tag/network 相关的存储操作
package repository

import (
	"context"
	"time"

	"metal-admin/internal/shared/model"
)

// CreateZone 创建可用区
func (s *Store) CreateZone(ctx context.Context, zone *model.Zone) error {
	defer s.timed("insert", "zones")()
	if zone.CreatedAt.IsZero() {
		zone.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`INSERT INTO zones (name, description, created_at) VALUES ($1, $2, $3)`)
	_, err := s.db.ExecContext(ctx, query, zone.Name, zone.Description, zone.CreatedAt)
	return translateInsertErr(err)
}

// ListZoneNames 列出所有 zone 名称
func (s *Store) ListZoneNames(ctx context.Context) ([]string, error) {
	defer s.timed("select", "zones")()
	return s.listNames(ctx, `SELECT name FROM zones ORDER BY name`)
}

// CreateTag 创建标签
func (s *Store) CreateTag(ctx context.Context, tag *model.Tag) error {
	defer s.timed("insert", "tags")()
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`INSERT INTO tags (name, definition, created_at) VALUES ($1, $2, $3)`)
	_, err := s.db.ExecContext(ctx, query, tag.Name, tag.Definition, tag.CreatedAt)
	return translateInsertErr(err)
}

// ListTagNames 列出所有标签名称
func (s *Store) ListTagNames(ctx context.Context) ([]string, error) {
	defer s.timed("select", "tags")()
	return s.listNames(ctx, `SELECT name FROM tags ORDER BY name`)
}

// CreateNetwork 创建网络
func (s *Store) CreateNetwork(ctx context.Context, network *model.Network) error {
	defer s.timed("insert", "networks")()
	if network.CreatedAt.IsZero() {
		network.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`INSERT INTO networks (name, description, vlan_tag, created_at) VALUES ($1, $2, $3, $4)`)
	_, err := s.db.ExecContext(ctx, query, network.Name, network.Description, network.VLANTag, network.CreatedAt)
	return translateInsertErr(err)
}

// ListNetworkNames 列出所有网络名称
func (s *Store) ListNetworkNames(ctx context.Context) ([]string, error) {
	defer s.timed("select", "networks")()
	return s.listNames(ctx, `SELECT name FROM networks ORDER BY name`)
}

// ListArchitectures 列出当前节点集中出现过的架构
// 约束解析按该集合校验 arch 合法性
func (s *Store) ListArchitectures(ctx context.Context) ([]string, error) {
	defer s.timed("select", "nodes")()
	return s.listNames(ctx, `SELECT DISTINCT architecture FROM nodes WHERE architecture != '' ORDER BY architecture`)
}

// listNames 执行单列名称查询
func (s *Store) listNames(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
