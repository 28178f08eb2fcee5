// Package repository 数据库无关的业务逻辑存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
package repository

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"metal-admin/internal/shared/storage"
	"metal-admin/internal/shared/storage/dbutil"
)

// QueryRecorder 查询指标回调
type QueryRecorder interface {
	RecordDBQuery(operation, table string, duration time.Duration)
}

// Store 通用存储实现
// 实现了 storage.PersistentStore 接口
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
	rec     QueryRecorder
}

var _ storage.PersistentStore = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// SetRecorder 挂接查询指标回调，nil 表示不记录
func (s *Store) SetRecorder(rec QueryRecorder) {
	s.rec = rec
}

// timed 计量一次查询，返回值在 defer 处调用
func (s *Store) timed(operation, table string) func() {
	if s.rec == nil {
		return func() {}
	}
	start := time.Now()
	return func() { s.rec.RecordDBQuery(operation, table, time.Since(start)) }
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// now 返回当前时间戳 SQL 表达式
func (s *Store) now() string {
	return s.dialect.CurrentTimestamp()
}

// marshalStrings 将字符串切片序列化为 JSON 文本列
// nil 切片序列化为 "[]"，保证列值永不为 NULL
func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// unmarshalStrings 反序列化 JSON 文本列为字符串切片
func unmarshalStrings(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil
	}
	return values
}

// jsonOrDefault 保证 JSON 列值非空
func jsonOrDefault(raw json.RawMessage, def string) string {
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

// isUniqueViolation 判断是否为唯一键冲突
// PostgreSQL: "duplicate key value violates unique constraint"
// SQLite: "UNIQUE constraint failed"
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// translateInsertErr 将底层插入错误转换为领域错误
func translateInsertErr(err error) error {
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	return err
}
