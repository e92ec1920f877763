package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// UserRole 用户角色
const (
	RoleUser       = "user"
	RoleManager    = "manager"
	RoleSuperadmin = "superadmin"
)

// User 用户
type User struct {
	ID         int64
	TelegramID int64 // 0 表示未绑定
	Phone      string
	Language   string
	Role       string
	Debt       int64 // 苏姆，恒 >= 0
}

const userColumns = `id, telegram_id, phone, language, role, COALESCE(debt, 0)`

// UserRepository 用户仓储
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository 创建仓储
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Get 获取用户
func (r *UserRepository) Get(ctx context.Context, userID int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM shop.users WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, userID))
}

// GetForUpdate 获取用户并加行锁（债务变更前必须持有）
func (r *UserRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, userID int64) (*User, error) {
	query := `SELECT ` + userColumns + ` FROM shop.users WHERE id = $1 FOR UPDATE`
	return scanUser(tx.QueryRowContext(ctx, query, userID))
}

// AddDebt 增加用户债务（取消已支付的还款订单时回补）
func (r *UserRepository) AddDebt(ctx context.Context, tx *sql.Tx, userID, amount int64) error {
	query := `UPDATE shop.users SET debt = COALESCE(debt, 0) + $2 WHERE id = $1`
	result, err := tx.ExecContext(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("add debt: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeductDebtSaturating 扣减债务，下限为 0
func (r *UserRepository) DeductDebtSaturating(ctx context.Context, tx *sql.Tx, userID, amount int64) error {
	query := `UPDATE shop.users SET debt = GREATEST(COALESCE(debt, 0) - $2, 0) WHERE id = $1`
	result, err := tx.ExecContext(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("deduct debt: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SaveAddressIfNew 保存新的配送地址（已存在则跳过）
func (r *UserRepository) SaveAddressIfNew(ctx context.Context, tx *sql.Tx, userID int64, address string) error {
	var one int
	err := tx.QueryRowContext(ctx,
		`SELECT 1 FROM shop.user_addresses WHERE user_id = $1 AND address_text = $2 LIMIT 1`,
		userID, address).Scan(&one)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("query user address: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO shop.user_addresses (user_id, address_text) VALUES ($1, $2)`,
		userID, address); err != nil {
		return fmt.Errorf("insert user address: %w", err)
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var telegramID sql.NullInt64
	var phone sql.NullString

	err := row.Scan(&u.ID, &telegramID, &phone, &u.Language, &u.Role, &u.Debt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.TelegramID = telegramID.Int64
	u.Phone = phone.String
	return &u, nil
}
