package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Click 交易状态
const (
	ClickStatusPrepared  = "prepared"
	ClickStatusConfirmed = "confirmed"
	ClickStatusRejected  = "rejected"
)

// Click 动作编号
const (
	ClickActionPrepare  = 0
	ClickActionComplete = 1
)

// ClickTransaction Click 回调留痕
type ClickTransaction struct {
	ID              int64
	ClickTransID    int64
	ServiceID       int64
	ClickPaydocID   int64
	MerchantTransID string
	Amount          int64 // 苏姆
	Action          int
	Error           int
	ErrorNote       string
	SignTime        string
	SignString      string
	Status          string
	CreatedAtMs     int64
}

// ClickTransactionRepository Click 交易仓储
type ClickTransactionRepository struct {
	db *sql.DB
}

// NewClickTransactionRepository 创建仓储
func NewClickTransactionRepository(db *sql.DB) *ClickTransactionRepository {
	return &ClickTransactionRepository{db: db}
}

// GetConfirmedByClickID 查找已确认的同号交易（重放识别）
func (r *ClickTransactionRepository) GetConfirmedByClickID(ctx context.Context, tx *sql.Tx, clickTransID int64) (*ClickTransaction, error) {
	query := `
		SELECT id, click_trans_id, service_id, click_paydoc_id, merchant_trans_id,
		       amount, action, error, COALESCE(error_note, ''), sign_time,
		       sign_string, status, created_at_ms
		FROM shop.click_transactions
		WHERE click_trans_id = $1 AND status = $2
		LIMIT 1
	`
	var t ClickTransaction
	err := tx.QueryRowContext(ctx, query, clickTransID, ClickStatusConfirmed).Scan(
		&t.ID, &t.ClickTransID, &t.ServiceID, &t.ClickPaydocID, &t.MerchantTransID,
		&t.Amount, &t.Action, &t.Error, &t.ErrorNote, &t.SignTime,
		&t.SignString, &t.Status, &t.CreatedAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query click transaction: %w", err)
	}
	return &t, nil
}

// Create 记录一次回调
func (r *ClickTransactionRepository) Create(ctx context.Context, tx *sql.Tx, t *ClickTransaction) error {
	query := `
		INSERT INTO shop.click_transactions
		(click_trans_id, service_id, click_paydoc_id, merchant_trans_id,
		 amount, action, error, error_note, sign_time, sign_string, status, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	err := tx.QueryRowContext(ctx, query,
		t.ClickTransID, t.ServiceID, t.ClickPaydocID, t.MerchantTransID,
		t.Amount, t.Action, t.Error, nullString(t.ErrorNote),
		t.SignTime, t.SignString, t.Status, t.CreatedAtMs,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert click transaction: %w", err)
	}
	return nil
}
