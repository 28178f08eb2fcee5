// Package deployments 嵌入部署相关文件到二进制
//
// 包含：
//   - init-db.sql: PostgreSQL 全量建表脚本
package deployments

import _ "embed"

// InitDBSQL PostgreSQL 全量初始化脚本（全新安装使用）
//
//go:embed init-db.sql
var InitDBSQL string
