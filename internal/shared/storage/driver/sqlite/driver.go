// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"

	"metal-admin/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.StripPgCasts(dbutil.RebindToQuestion(query))
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) BooleanLiteral(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (d *Dialect) UpsertConflict(conflictColumn string, updateExprs []string) string {
	result := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET ", conflictColumn)
	for i, expr := range updateExprs {
		if i > 0 {
			result += ", "
		}
		result += expr
	}
	return result
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:metal.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
const schema = `
-- nodes：id 自增列保证按创建顺序稳定排序
CREATE TABLE IF NOT EXISTS nodes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    system_id VARCHAR(64) NOT NULL UNIQUE,
    hostname VARCHAR(255) NOT NULL DEFAULT '',
    status VARCHAR(32) NOT NULL DEFAULT 'new',
    owner VARCHAR(64),
    token_key VARCHAR(128),
    architecture VARCHAR(64) NOT NULL DEFAULT '',
    cpu_count INTEGER NOT NULL DEFAULT 0,
    memory INTEGER NOT NULL DEFAULT 0,
    agent_name VARCHAR(255) NOT NULL DEFAULT '',
    zone_name VARCHAR(255) NOT NULL DEFAULT 'default',
    tags TEXT NOT NULL DEFAULT '[]',
    routers TEXT NOT NULL DEFAULT '[]',
    networks TEXT NOT NULL DEFAULT '[]',
    mac_addresses TEXT NOT NULL DEFAULT '[]',
    power_parameters TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
CREATE INDEX IF NOT EXISTS idx_nodes_zone ON nodes(zone_name);

-- zones
CREATE TABLE IF NOT EXISTS zones (
    name VARCHAR(255) PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT (datetime('now'))
);

-- tags
CREATE TABLE IF NOT EXISTS tags (
    name VARCHAR(255) PRIMARY KEY,
    definition TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT (datetime('now'))
);

-- networks
CREATE TABLE IF NOT EXISTS networks (
    name VARCHAR(255) PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    vlan_tag INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT (datetime('now'))
);

-- users
CREATE TABLE IF NOT EXISTS users (
    name VARCHAR(64) PRIMARY KEY,
    email VARCHAR(255) NOT NULL DEFAULT '',
    is_admin INTEGER NOT NULL DEFAULT 0,
    password_hash VARCHAR(128) NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT (datetime('now'))
);

-- tokens
CREATE TABLE IF NOT EXISTS tokens (
    key VARCHAR(128) PRIMARY KEY,
    secret VARCHAR(128) NOT NULL DEFAULT '',
    user_name VARCHAR(64) NOT NULL,
    created_at DATETIME DEFAULT (datetime('now'))
);

-- boot_resources
CREATE TABLE IF NOT EXISTS boot_resources (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rtype VARCHAR(32) NOT NULL,
    name VARCHAR(255) NOT NULL,
    architecture VARCHAR(255) NOT NULL,
    extra TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME DEFAULT (datetime('now')),
    updated_at DATETIME DEFAULT (datetime('now')),
    UNIQUE(name, architecture)
);

-- boot_resource_sets
CREATE TABLE IF NOT EXISTS boot_resource_sets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    resource_id INTEGER NOT NULL REFERENCES boot_resources(id) ON DELETE CASCADE,
    version VARCHAR(255) NOT NULL,
    label VARCHAR(255) NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT (datetime('now')),
    UNIQUE(resource_id, version)
);

-- boot_resource_files
CREATE TABLE IF NOT EXISTS boot_resource_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    set_id INTEGER NOT NULL REFERENCES boot_resource_sets(id) ON DELETE CASCADE,
    filename VARCHAR(255) NOT NULL,
    filetype VARCHAR(64) NOT NULL,
    extra TEXT NOT NULL DEFAULT '{}',
    largefile_id INTEGER NOT NULL REFERENCES large_files(id),
    created_at DATETIME DEFAULT (datetime('now')),
    UNIQUE(set_id, filetype)
);

-- large_files：按校验和寻址的共享内容块
CREATE TABLE IF NOT EXISTS large_files (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    sha256 VARCHAR(64) NOT NULL UNIQUE,
    total_size INTEGER NOT NULL DEFAULT 0,
    complete INTEGER NOT NULL DEFAULT 0,
    object_key VARCHAR(255) NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT (datetime('now'))
);
`
