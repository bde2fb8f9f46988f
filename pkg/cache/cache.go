// Package cache 提供键值缓存：进程内实现与 Redis 实现。
package cache

import (
	"context"
	"time"
)

// Cache 是一个带过期时间的字节缓存。
type Cache interface {
	// Get 在未命中时返回 ok=false 且 err=nil。
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr 将计数器加一并返回新值，ttl 仅在计数器首次创建时生效。
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}
