// Package service 订单与支付核心业务逻辑
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/unicom/shop-payment/internal/repository"
)

// Notifier 用户通知端口。入队即返回，失败不影响业务提交。
type Notifier interface {
	Notify(userID int64, message string)
}

// NopNotifier 空实现
type NopNotifier struct{}

func (NopNotifier) Notify(int64, string) {}

// RateLimiter 下单频率限制端口
type RateLimiter interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
	Reset(ctx context.Context, key string) error
}

// NopRateLimiter 空实现，后台任务不限频
type NopRateLimiter struct{}

func (NopRateLimiter) Allow(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (NopRateLimiter) Reset(context.Context, string) error { return nil }

// commitError 包装需要"先提交再报错"的业务错误：
// 过期订单取消、超额还款取消等路径必须持久化取消结果。
type commitError struct {
	err error
}

func (e *commitError) Error() string { return e.err.Error() }

func (e *commitError) Unwrap() error { return e.err }

func commitThenFail(err error) error {
	return &commitError{err: err}
}

// runInTx 在单个事务中执行 fn。lockTimeout > 0 时设置 SET LOCAL lock_timeout。
// fn 返回 commitError 包装的错误时提交事务后再返回内部错误。
func runInTx(ctx context.Context, db *sql.DB, lockTimeout time.Duration, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	err = fn(tx)
	if err == nil {
		if cmErr := tx.Commit(); cmErr != nil {
			return fmt.Errorf("commit: %w", cmErr)
		}
		return nil
	}

	var ce *commitError
	if errors.As(err, &ce) {
		if cmErr := tx.Commit(); cmErr != nil {
			return fmt.Errorf("commit: %w", cmErr)
		}
		return ce.err
	}

	rbErr := tx.Rollback()
	if rbErr != nil && rbErr != sql.ErrTxDone {
		return fmt.Errorf("rollback: %w", rbErr)
	}
	return err
}

// parseID 解析供应商传来的订单号：数字或数字字符串。
func parseID(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case nil:
		return 0, false
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		if x != float64(int64(x)) {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		id, err := x.Int64()
		if err != nil {
			return 0, false
		}
		return id, true
	case string:
		id, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}

// orderedQuantities 汇总订单明细的 (商品 -> 总数量) 多重集，用于回调后按量清理购物车。
func orderedQuantities(items []*repository.OrderItem) map[int64]int64 {
	quantities := make(map[int64]int64)
	for _, item := range items {
		if item.ProductID != 0 {
			quantities[item.ProductID] += item.Quantity
		}
	}
	return quantities
}
