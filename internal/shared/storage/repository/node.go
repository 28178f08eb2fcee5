// Package repository Node 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"metal-admin/internal/shared/model"
	"metal-admin/internal/shared/storage"
	"metal-admin/internal/shared/storage/dbutil"
)

// nodeColumns 节点查询列（不含内部自增 id，排序时单独引用）
const nodeColumns = `system_id, hostname, status, owner, token_key, architecture,
	cpu_count, memory, agent_name, zone_name, tags, routers, networks,
	mac_addresses, power_parameters, created_at, updated_at`

// CreateNode 创建节点
func (s *Store) CreateNode(ctx context.Context, node *model.Node) error {
	defer s.timed("insert", "nodes")()
	if node.ZoneName == "" {
		node.ZoneName = model.DefaultZoneName
	}
	if node.Status == "" {
		node.Status = model.NodeStatusNew
	}
	now := time.Now().UTC()
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	node.UpdatedAt = now

	query := s.rebind(`
		INSERT INTO nodes (system_id, hostname, status, owner, token_key, architecture,
			cpu_count, memory, agent_name, zone_name, tags, routers, networks,
			mac_addresses, power_parameters, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`)
	_, err := s.db.ExecContext(ctx, query,
		node.SystemID, node.Hostname, node.Status, node.Owner, node.TokenKey,
		node.Architecture, node.CPUCount, node.Memory, node.AgentName, node.ZoneName,
		marshalStrings(node.Tags), marshalStrings(node.Routers),
		marshalStrings(node.Networks), marshalStrings(node.MACAddresses),
		jsonOrDefault(node.PowerParameters, "{}"),
		node.CreatedAt, node.UpdatedAt)
	return translateInsertErr(err)
}

// GetNode 按 system_id 获取节点
func (s *Store) GetNode(ctx context.Context, systemID string) (*model.Node, error) {
	defer s.timed("select", "nodes")()
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM nodes WHERE system_id = $1`)
	node, err := scanNode(s.db.QueryRowContext(ctx, query, systemID))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return node, err
}

// GetNodesByIDs 批量按 system_id 获取节点，按创建顺序返回
// 不存在的 ID 静默跳过，由调用方比对缺失集合
func (s *Store) GetNodesByIDs(ctx context.Context, systemIDs []string) ([]*model.Node, error) {
	defer s.timed("select", "nodes")()
	if len(systemIDs) == 0 {
		return nil, nil
	}
	placeholders := dbutil.PlaceholderList(s.dialect, 1, len(systemIDs))
	query := s.rebind(fmt.Sprintf(
		`SELECT `+nodeColumns+` FROM nodes WHERE system_id IN (%s) ORDER BY id ASC`,
		placeholders))
	args := make([]interface{}, len(systemIDs))
	for i, id := range systemIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// GetNodeByMAC 按网卡 MAC 查找节点
// mac 须为已归一化形式（小写、冒号分隔）
func (s *Store) GetNodeByMAC(ctx context.Context, mac string) (*model.Node, error) {
	defer s.timed("select", "nodes")()
	query := s.rebind(`SELECT ` + nodeColumns + ` FROM nodes WHERE mac_addresses LIKE $1 LIMIT 1`)
	node, err := scanNode(s.db.QueryRowContext(ctx, query, `%"`+mac+`"%`))
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return node, err
}

// ListNodes 按过滤条件列出节点，按创建顺序返回
func (s *Store) ListNodes(ctx context.Context, filter storage.NodeFilter) ([]*model.Node, error) {
	defer s.timed("select", "nodes")()
	var (
		conds []string
		args  []interface{}
	)
	next := func() string {
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.SystemIDs) > 0 {
		placeholders := make([]string, len(filter.SystemIDs))
		for i, id := range filter.SystemIDs {
			args = append(args, id)
			placeholders[i] = next()
		}
		conds = append(conds, fmt.Sprintf("system_id IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(filter.Hostnames) > 0 {
		placeholders := make([]string, len(filter.Hostnames))
		for i, h := range filter.Hostnames {
			args = append(args, h)
			placeholders[i] = next()
		}
		conds = append(conds, fmt.Sprintf("hostname IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(filter.MACAddresses) > 0 {
		macConds := make([]string, len(filter.MACAddresses))
		for i, mac := range filter.MACAddresses {
			args = append(args, `%"`+mac+`"%`)
			macConds[i] = "mac_addresses LIKE " + next()
		}
		conds = append(conds, "("+strings.Join(macConds, " OR ")+")")
	}
	if filter.AgentName != nil {
		args = append(args, *filter.AgentName)
		conds = append(conds, "agent_name = "+next())
	}
	if filter.ZoneName != "" {
		args = append(args, filter.ZoneName)
		conds = append(conds, "zone_name = "+next())
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, "status = "+next())
	}
	if filter.TokenKey != "" {
		args = append(args, filter.TokenKey)
		conds = append(conds, "token_key = "+next())
	}

	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// ListAvailableNodes 列出可分配节点（ready 且无 owner），按创建顺序返回
// 分配选择器依赖该排序实现确定性的首个匹配
func (s *Store) ListAvailableNodes(ctx context.Context) ([]*model.Node, error) {
	defer s.timed("select", "nodes")()
	query := `SELECT ` + nodeColumns + ` FROM nodes
		WHERE status = 'ready' AND owner IS NULL ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNodes(rows)
}

// UpdateNode 全量更新节点属性（不含 system_id）
func (s *Store) UpdateNode(ctx context.Context, node *model.Node) error {
	defer s.timed("update", "nodes")()
	node.UpdatedAt = time.Now().UTC()
	query := s.rebind(`
		UPDATE nodes SET hostname = $1, status = $2, owner = $3, token_key = $4,
			architecture = $5, cpu_count = $6, memory = $7, agent_name = $8,
			zone_name = $9, tags = $10, routers = $11, networks = $12,
			mac_addresses = $13, power_parameters = $14, updated_at = $15
		WHERE system_id = $16
	`)
	result, err := s.db.ExecContext(ctx, query,
		node.Hostname, node.Status, node.Owner, node.TokenKey,
		node.Architecture, node.CPUCount, node.Memory, node.AgentName, node.ZoneName,
		marshalStrings(node.Tags), marshalStrings(node.Routers),
		marshalStrings(node.Networks), marshalStrings(node.MACAddresses),
		jsonOrDefault(node.PowerParameters, "{}"),
		node.UpdatedAt, node.SystemID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// UpdateNodeZone 更新节点所属 zone
func (s *Store) UpdateNodeZone(ctx context.Context, systemID, zoneName string) error {
	defer s.timed("update", "nodes")()
	query := s.rebind(fmt.Sprintf(
		`UPDATE nodes SET zone_name = $1, updated_at = %s WHERE system_id = $2`, s.now()))
	result, err := s.db.ExecContext(ctx, query, zoneName, systemID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// DeleteNode 删除节点
func (s *Store) DeleteNode(ctx context.Context, systemID string) error {
	defer s.timed("delete", "nodes")()
	query := s.rebind(`DELETE FROM nodes WHERE system_id = $1`)
	result, err := s.db.ExecContext(ctx, query, systemID)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// AcquireNode 原子分配节点
//
// 单条条件 UPDATE 实现 compare-and-set：只有在节点仍为 ready 且
// 无 owner 时更新才会命中。并发竞争同一节点时恰好一方成功，
// 输掉的一方收到 ErrConflict，由上层换下一个候选重试。
func (s *Store) AcquireNode(ctx context.Context, systemID, owner, tokenKey, agentName string) error {
	defer s.timed("update", "nodes")()
	query := s.rebind(fmt.Sprintf(`
		UPDATE nodes SET status = 'allocated', owner = $1, token_key = $2,
			agent_name = $3, updated_at = %s
		WHERE system_id = $4 AND status = 'ready' AND owner IS NULL
	`, s.now()))
	result, err := s.db.ExecContext(ctx, query, owner, tokenKey, agentName, systemID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.missOrNotFound(ctx, systemID)
	}
	return nil
}

// ReleaseNode 原子释放节点
// 仅当当前状态在 fromStatuses 中时，转为 ready 并清空归属信息
func (s *Store) ReleaseNode(ctx context.Context, systemID string, fromStatuses []model.NodeStatus) error {
	defer s.timed("update", "nodes")()
	return s.conditionalTransition(ctx, systemID, fromStatuses, `
		UPDATE nodes SET status = 'ready', owner = NULL, token_key = NULL,
			agent_name = '', updated_at = %s
		WHERE system_id = $1 AND status IN (%s)`)
}

// TransitionNode 条件状态迁移
func (s *Store) TransitionNode(ctx context.Context, systemID string, fromStatuses []model.NodeStatus, to model.NodeStatus) error {
	defer s.timed("update", "nodes")()
	statuses := make([]string, len(fromStatuses))
	for i, st := range fromStatuses {
		statuses[i] = quoteStatus(st)
	}
	query := s.rebind(fmt.Sprintf(`
		UPDATE nodes SET status = $1, updated_at = %s
		WHERE system_id = $2 AND status IN (%s)
	`, s.now(), strings.Join(statuses, ", ")))
	result, err := s.db.ExecContext(ctx, query, string(to), systemID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.missOrNotFound(ctx, systemID)
	}
	return nil
}

// conditionalTransition 执行带状态前置条件的更新
// queryTmpl 中第一个 %s 为时间戳表达式，第二个为状态列表
func (s *Store) conditionalTransition(ctx context.Context, systemID string, fromStatuses []model.NodeStatus, queryTmpl string) error {
	statuses := make([]string, len(fromStatuses))
	for i, st := range fromStatuses {
		statuses[i] = quoteStatus(st)
	}
	query := s.rebind(fmt.Sprintf(queryTmpl, s.now(), strings.Join(statuses, ", ")))
	result, err := s.db.ExecContext(ctx, query, systemID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return s.missOrNotFound(ctx, systemID)
	}
	return nil
}

// missOrNotFound 区分条件更新未命中的两种原因：
// 节点不存在返回 ErrNotFound，状态前置条件不满足返回 ErrConflict
func (s *Store) missOrNotFound(ctx context.Context, systemID string) error {
	var one int
	query := s.rebind(`SELECT 1 FROM nodes WHERE system_id = $1`)
	err := s.db.QueryRowContext(ctx, query, systemID).Scan(&one)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return storage.ErrConflict
}

// quoteStatus 状态值来自固定枚举，可安全内联为 SQL 字面量
func quoteStatus(st model.NodeStatus) string {
	return "'" + string(st) + "'"
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*model.Node, error) {
	node := &model.Node{}
	var tags, routers, networks, macs, power string
	err := row.Scan(
		&node.SystemID, &node.Hostname, &node.Status, &node.Owner, &node.TokenKey,
		&node.Architecture, &node.CPUCount, &node.Memory, &node.AgentName,
		&node.ZoneName, &tags, &routers, &networks, &macs, &power,
		&node.CreatedAt, &node.UpdatedAt)
	if err != nil {
		return nil, err
	}
	node.Tags = unmarshalStrings(tags)
	node.Routers = unmarshalStrings(routers)
	node.Networks = unmarshalStrings(networks)
	node.MACAddresses = unmarshalStrings(macs)
	node.PowerParameters = json.RawMessage(power)
	return node, nil
}

func scanNodes(rows *sql.Rows) ([]*model.Node, error) {
	var nodes []*model.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// requireAffected 更新/删除未命中任何行时返回 ErrNotFound
func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
