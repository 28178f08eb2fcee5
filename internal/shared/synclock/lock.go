// Package synclock 基于 Redis 的同步互斥锁
//
// 镜像同步在多个区域控制器实例间必须互斥：同一时刻只允许
// 一个实例执行同步。锁采用 fail-fast 语义，抢不到锁立即返回，
// 不排队等待——错过本轮的实例等下一个同步周期即可。
package synclock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrAlreadyLocked 锁已被其他实例持有
var ErrAlreadyLocked = errors.New("sync lock is already held")

// DefaultTTL 锁的默认过期时间
// 持有者崩溃后锁最迟在 TTL 后自动释放
const DefaultTTL = 2 * time.Hour

// Lock Redis 互斥锁
type Lock struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration
}

// New 创建互斥锁
// holder 标识当前实例（通常为主机名+进程号），用于防止误释放他人的锁
func New(client *redis.Client, key, holder string) *Lock {
	return &Lock{
		client: client,
		key:    key,
		holder: holder,
		ttl:    DefaultTTL,
	}
}

// NewFromURL 从 Redis URL 创建互斥锁
func NewFromURL(redisURL, key, holder string) (*Lock, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[synclock] Connected to %s", opts.Addr)
	return New(client, key, holder), nil
}

// WithTTL 调整锁的过期时间
func (l *Lock) WithTTL(ttl time.Duration) *Lock {
	l.ttl = ttl
	return l
}

// TryLock 尝试获取锁，fail-fast：锁被占用时立即返回 ErrAlreadyLocked
func (l *Lock) TryLock(ctx context.Context) error {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return ErrAlreadyLocked
	}
	return nil
}

// Unlock 释放锁
// 只释放自己持有的锁：compare-and-delete 由 Lua 脚本原子执行
func (l *Lock) Unlock(ctx context.Context) error {
	const script = `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`
	if err := l.client.Eval(ctx, script, []string{l.key}, l.holder).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	return nil
}

// Holder 返回当前锁的持有者标识，无人持有时返回空串
func (l *Lock) Holder(ctx context.Context) (string, error) {
	holder, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return holder, nil
}

// Close 关闭底层 Redis 连接
func (l *Lock) Close() error {
	return l.client.Close()
}
