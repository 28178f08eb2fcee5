// Package lifecycle 批量操作错误类型
package lifecycle

import "strings"

// UnknownNodesError 批量操作中存在未知的 system_id（HTTP 400）
type UnknownNodesError struct {
	IDs []string
}

func (e *UnknownNodesError) Error() string {
	return "Unknown node(s): " + joinIDs(e.IDs) + "."
}

// PermissionError 请求者缺少所需权限（HTTP 403）
type PermissionError struct {
	Message string
}

func (e *PermissionError) Error() string {
	return e.Message
}

// ConflictError 状态前置条件违例（HTTP 409）
// Entries 为逐节点的违例描述，已按契约格式渲染
type ConflictError struct {
	Prefix  string
	Entries []string
	Suffix  string
	joiner  string
}

func (e *ConflictError) Error() string {
	joiner := e.joiner
	if joiner == "" {
		joiner = ", "
	}
	return e.Prefix + strings.Join(e.Entries, joiner) + e.Suffix
}

func joinIDs(ids []string) string {
	return strings.Join(ids, ", ")
}
