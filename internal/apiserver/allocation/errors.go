// Package allocation 节点分配引擎
//
// 三个组件串成分配路径：
//   - ConstraintParser：解析并校验 acquire 请求的约束参数
//   - NodeSelector：在候选池中按约束确定性选出第一个匹配节点
//   - Allocator：通过存储层 compare-and-set 原子占有节点
package allocation

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError 约束参数校验错误（HTTP 400）
// 按字段聚合错误消息，序列化为 {"field": ["msg", ...]} 形式
type ValidationError struct {
	Fields map[string][]string `json:"-"`
}

func newValidationError() *ValidationError {
	return &ValidationError{Fields: map[string][]string{}}
}

// Add 追加字段错误
func (e *ValidationError) Add(field, message string) {
	e.Fields[field] = append(e.Fields[field], message)
}

// Empty 是否没有任何错误
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, strings.Join(e.Fields[field], " ")))
	}
	return strings.Join(parts, "; ")
}

// NoMatchError 候选池中没有满足约束的节点（HTTP 409）
// 携带原始约束集用于渲染人类可读的失败消息
type NoMatchError struct {
	Constraints [][2]string
}

func (e *NoMatchError) Error() string {
	if len(e.Constraints) == 0 {
		return "No node available."
	}
	pairs := make([]string, len(e.Constraints))
	for i, kv := range e.Constraints {
		pairs[i] = kv[0] + "=" + kv[1]
	}
	return "No available node matches constraints: " + strings.Join(pairs, ", ")
}
