package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Product 商品
type Product struct {
	ID          int64
	Name        string
	Price       int64 // 苏姆
	Stock       int64
	IsActive    bool
	IKPU        string
	PackageCode string
}

// ProductRepository 商品仓储（含库存守卫）
type ProductRepository struct {
	db *sql.DB
}

// NewProductRepository 创建仓储
func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// Get 事务内读取商品：事务中已做的库存变更对读取可见。
func (r *ProductRepository) Get(ctx context.Context, tx *sql.Tx, productID int64) (*Product, error) {
	query := `
		SELECT id, name, price, stock, is_active,
		       COALESCE(ikpu, ''), COALESCE(package_code, '')
		FROM shop.products
		WHERE id = $1
	`
	var p Product
	err := tx.QueryRowContext(ctx, query, productID).Scan(
		&p.ID, &p.Name, &p.Price, &p.Stock, &p.IsActive, &p.IKPU, &p.PackageCode,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// DecrementStock 条件扣减库存：仅当 stock >= qty 时生效。
// 返回 false 表示库存不足（或商品不存在），未做任何修改。
func (r *ProductRepository) DecrementStock(ctx context.Context, tx *sql.Tx, productID, qty int64) (bool, error) {
	query := `
		UPDATE shop.products
		SET stock = stock - $2
		WHERE id = $1 AND stock >= $2
	`
	result, err := tx.ExecContext(ctx, query, productID, qty)
	if err != nil {
		return false, fmt.Errorf("decrement stock: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement stock rows: %w", err)
	}
	return rows > 0, nil
}

// RestoreStock 归还库存。商品行已被删除时静默跳过。
func (r *ProductRepository) RestoreStock(ctx context.Context, tx *sql.Tx, productID, qty int64) error {
	query := `
		UPDATE shop.products
		SET stock = stock + $2
		WHERE id = $1
	`
	if _, err := tx.ExecContext(ctx, query, productID, qty); err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}
	return nil
}
