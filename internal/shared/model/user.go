// Package model 用户与租约凭证
package model

import "time"

// User API 请求者身份
//
// 请求者身份通过显式参数传入各业务函数，不使用任何全局请求上下文
type User struct {
	Name         string    `json:"username" db:"name"`
	Email        string    `json:"email,omitempty" db:"email"`
	IsAdmin      bool      `json:"is_superuser" db:"is_admin"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Token 租约凭证
//
// acquire 时写到节点上，list_allocated 按当前请求的 token 过滤。
// 不变式：节点上的 token 必须属于节点的 owner。
type Token struct {
	Key       string    `json:"key" db:"key"`
	Secret    string    `json:"-" db:"secret"`
	UserName  string    `json:"user" db:"user_name"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
