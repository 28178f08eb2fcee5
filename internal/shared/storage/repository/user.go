// Package repository 用户与租约凭证相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"time"

	"metal-admin/internal/shared/model"
	"metal-admin/internal/shared/storage"
)

// CreateUser 创建用户
func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	defer s.timed("insert", "users")()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`
		INSERT INTO users (name, email, is_admin, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`)
	_, err := s.db.ExecContext(ctx, query,
		user.Name, user.Email, user.IsAdmin, user.PasswordHash, user.CreatedAt)
	return translateInsertErr(err)
}

// GetUser 按用户名获取用户
func (s *Store) GetUser(ctx context.Context, name string) (*model.User, error) {
	defer s.timed("select", "users")()
	query := s.rebind(`SELECT name, email, is_admin, password_hash, created_at FROM users WHERE name = $1`)
	user := &model.User{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&user.Name, &user.Email, &user.IsAdmin, &user.PasswordHash, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateToken 创建租约凭证
func (s *Store) CreateToken(ctx context.Context, token *model.Token) error {
	defer s.timed("insert", "tokens")()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	query := s.rebind(`
		INSERT INTO tokens (key, secret, user_name, created_at)
		VALUES ($1, $2, $3, $4)
	`)
	_, err := s.db.ExecContext(ctx, query,
		token.Key, token.Secret, token.UserName, token.CreatedAt)
	return translateInsertErr(err)
}

// GetToken 按 key 获取租约凭证
func (s *Store) GetToken(ctx context.Context, key string) (*model.Token, error) {
	defer s.timed("select", "tokens")()
	query := s.rebind(`SELECT key, secret, user_name, created_at FROM tokens WHERE key = $1`)
	token := &model.Token{}
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&token.Key, &token.Secret, &token.UserName, &token.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return token, nil
}
