package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Payme 交易状态（协议取值）
const (
	PaymeStateCreated           = 1
	PaymeStatePerformed         = 2
	PaymeStateCancelled         = -1
	PaymeStateCancelledAfterPay = -2
)

// PaymeReasonTimeout 取消原因：创建后超时未支付
const PaymeReasonTimeout = 4

// PaymeTransaction Payme 交易
type PaymeTransaction struct {
	ID            int64
	PaymeID       string // 供应商侧交易号
	OrderID       int64
	Amount        int64 // 提因（苏姆 × 100）
	Time          int64 // 供应商侧时间戳（毫秒）
	State         int
	Reason        int64 // 0 表示无
	CreateTimeMs  int64
	PerformTimeMs int64 // 0 表示未支付
	CancelTimeMs  int64 // 0 表示未取消
}

const paymeColumns = `id, payme_id, order_id, amount, time, state,
		       COALESCE(reason, 0), create_time_ms,
		       COALESCE(perform_time_ms, 0), COALESCE(cancel_time_ms, 0)`

// PaymeTransactionRepository Payme 交易仓储
type PaymeTransactionRepository struct {
	db *sql.DB
}

// NewPaymeTransactionRepository 创建仓储
func NewPaymeTransactionRepository(db *sql.DB) *PaymeTransactionRepository {
	return &PaymeTransactionRepository{db: db}
}

// GetByPaymeID 按供应商交易号查找
func (r *PaymeTransactionRepository) GetByPaymeID(ctx context.Context, tx *sql.Tx, paymeID string) (*PaymeTransaction, error) {
	query := `SELECT ` + paymeColumns + ` FROM shop.payme_transactions WHERE payme_id = $1`
	return scanPaymeTransaction(tx.QueryRowContext(ctx, query, paymeID))
}

// GetByPaymeIDForUpdate 按供应商交易号查找并加行锁
func (r *PaymeTransactionRepository) GetByPaymeIDForUpdate(ctx context.Context, tx *sql.Tx, paymeID string) (*PaymeTransaction, error) {
	query := `SELECT ` + paymeColumns + ` FROM shop.payme_transactions WHERE payme_id = $1 FOR UPDATE`
	return scanPaymeTransaction(tx.QueryRowContext(ctx, query, paymeID))
}

// GetActiveByOrder 查找订单上最新的活跃交易（state=1）
func (r *PaymeTransactionRepository) GetActiveByOrder(ctx context.Context, tx *sql.Tx, orderID int64) (*PaymeTransaction, error) {
	query := `SELECT ` + paymeColumns + ` FROM shop.payme_transactions
		WHERE order_id = $1 AND state = $2
		ORDER BY id DESC
		LIMIT 1`
	return scanPaymeTransaction(tx.QueryRowContext(ctx, query, orderID, PaymeStateCreated))
}

// Create 创建交易并回填 ID
func (r *PaymeTransactionRepository) Create(ctx context.Context, tx *sql.Tx, t *PaymeTransaction) error {
	query := `
		INSERT INTO shop.payme_transactions
		(payme_id, order_id, amount, time, state, create_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	err := tx.QueryRowContext(ctx, query,
		t.PaymeID, t.OrderID, t.Amount, t.Time, t.State, t.CreateTimeMs,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert payme transaction: %w", err)
	}
	return nil
}

// MarkPerformed 标记交易已支付
func (r *PaymeTransactionRepository) MarkPerformed(ctx context.Context, tx *sql.Tx, id, performTimeMs int64) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE shop.payme_transactions SET state = $1, perform_time_ms = $2 WHERE id = $3`,
		PaymeStatePerformed, performTimeMs, id)
	if err != nil {
		return fmt.Errorf("mark payme performed: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkCancelled 标记交易已取消
func (r *PaymeTransactionRepository) MarkCancelled(ctx context.Context, tx *sql.Tx, id int64, state int, reason, cancelTimeMs int64) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE shop.payme_transactions SET state = $1, reason = $2, cancel_time_ms = $3 WHERE id = $4`,
		state, reason, cancelTimeMs, id)
	if err != nil {
		return fmt.Errorf("mark payme cancelled: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// ListByProviderTime 按供应商时间区间读取交易（对账单）
func (r *PaymeTransactionRepository) ListByProviderTime(ctx context.Context, from, to int64) ([]*PaymeTransaction, error) {
	query := `SELECT ` + paymeColumns + ` FROM shop.payme_transactions
		WHERE time >= $1 AND time <= $2
		ORDER BY time`
	rows, err := r.db.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query payme transactions: %w", err)
	}
	defer rows.Close()

	var txns []*PaymeTransaction
	for rows.Next() {
		var t PaymeTransaction
		if err := rows.Scan(
			&t.ID, &t.PaymeID, &t.OrderID, &t.Amount, &t.Time, &t.State,
			&t.Reason, &t.CreateTimeMs, &t.PerformTimeMs, &t.CancelTimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan payme transaction: %w", err)
		}
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

func scanPaymeTransaction(row *sql.Row) (*PaymeTransaction, error) {
	var t PaymeTransaction
	err := row.Scan(
		&t.ID, &t.PaymeID, &t.OrderID, &t.Amount, &t.Time, &t.State,
		&t.Reason, &t.CreateTimeMs, &t.PerformTimeMs, &t.CancelTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payme transaction: %w", err)
	}
	return &t, nil
}
