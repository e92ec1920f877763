package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/metrics"
	"github.com/unicom/shop-payment/internal/repository"
	"github.com/unicom/shop-payment/pkg/logger"
)

// Reaper 僵尸订单清扫器：定期取消超过阈值的待支付在线订单,
// 连带挂起的活跃 Payme 交易。
type Reaper struct {
	db       *sql.DB
	orders   *repository.OrderRepository
	txns     *repository.PaymeTransactionRepository
	orderSvc *OrderService
	cfg      *config.Config
	log      *logger.Logger
	metrics  *metrics.Metrics

	now func() int64
}

// NewReaper 创建清扫器
func NewReaper(
	db *sql.DB,
	orders *repository.OrderRepository,
	txns *repository.PaymeTransactionRepository,
	orderSvc *OrderService,
	cfg *config.Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Reaper {
	return &Reaper{
		db:       db,
		orders:   orders,
		txns:     txns,
		orderSvc: orderSvc,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Run 周期清扫直至 ctx 取消。单轮失败只记录日志，循环继续。
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReaperInterval)
	defer ticker.Stop()

	r.log.Infof("reaper started", map[string]interface{}{
		"interval":  r.cfg.ReaperInterval.String(),
		"threshold": r.cfg.ReaperThreshold.String(),
	})

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return
		case <-ticker.C:
			cancelled, err := r.Sweep(ctx)
			if err != nil {
				r.log.WithError(err).Error("reaper sweep failed")
				continue
			}
			if cancelled > 0 {
				r.log.Infof("reaper sweep done", map[string]interface{}{
					"cancelled": cancelled,
				})
			}
		}
	}
}

// Sweep 单轮清扫。返回取消的订单数。
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now() - r.cfg.ReaperThreshold.Milliseconds()
	ids, err := r.orders.ListZombieIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, orderID := range ids {
		ok, err := r.reapOrder(ctx, orderID)
		if err != nil {
			r.log.WithError(err).WithField("orderID", orderID).Error("reap order failed")
			continue
		}
		if ok {
			cancelled++
			r.metrics.IncReaperCancelled()
			r.metrics.IncOrderCancelled("zombie_timeout")
		}
	}
	return cancelled, nil
}

// reapOrder 在独立事务中处理一个候选订单。加锁后状态已变化的跳过。
func (r *Reaper) reapOrder(ctx context.Context, orderID int64) (bool, error) {
	reaped := false
	err := runInTx(ctx, r.db, r.cfg.LockTimeout, func(tx *sql.Tx) error {
		order, err := r.orders.GetForUpdate(ctx, tx, orderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if order.Status != repository.StatusNew {
			return nil
		}

		nowMs := r.now()
		thresholdMs := r.cfg.ReaperThreshold.Milliseconds()

		active, err := r.txns.GetActiveByOrder(ctx, tx, order.ID)
		if err != nil && !errors.Is(err, repository.ErrTransactionNotFound) {
			return err
		}

		if active != nil {
			if nowMs-active.CreateTimeMs <= thresholdMs {
				return nil
			}
			if err := r.txns.MarkCancelled(ctx, tx, active.ID,
				repository.PaymeStateCancelled, repository.PaymeReasonTimeout, nowMs); err != nil {
				return err
			}
		} else if order.CreatedAtMs >= nowMs-thresholdMs {
			return nil
		}

		if err := r.orderSvc.CancelOrderTx(ctx, tx, order.ID); err != nil {
			return err
		}
		reaped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reaped, nil
}
