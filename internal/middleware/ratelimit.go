// Package middleware 请求限制
package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrderRateLimiter Redis 固定窗口限流：同一 key 在窗口内只放行一次。
// 用于限制用户下单频率。
type OrderRateLimiter struct {
	rdb *redis.Client
}

// NewOrderRateLimiter 创建限流器
func NewOrderRateLimiter(rdb *redis.Client) *OrderRateLimiter {
	return &OrderRateLimiter{rdb: rdb}
}

// Allow 尝试占用窗口。SET NX PX 原子判定。
func (l *OrderRateLimiter) Allow(ctx context.Context, key string, window time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit setnx: %w", err)
	}
	return ok, nil
}

// Reset 释放窗口（下单失败后允许立即重试）
func (l *OrderRateLimiter) Reset(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w", err)
	}
	return nil
}
