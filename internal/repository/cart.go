package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// CartItem 购物车行
type CartItem struct {
	ID        int64
	UserID    int64
	ProductID int64
	Quantity  int64
}

// CartLine 购物车行及商品快照（下单校验用）。
// ProductMissing 表示商品行已被物理删除。
type CartLine struct {
	CartItem
	ProductName    string
	ProductPrice   int64
	ProductStock   int64
	ProductActive  bool
	ProductMissing bool
}

// CartRepository 购物车仓储
type CartRepository struct {
	db *sql.DB
}

// NewCartRepository 创建仓储
func NewCartRepository(db *sql.DB) *CartRepository {
	return &CartRepository{db: db}
}

// ListByIDsForUser 按 ID 集合读取属于该用户的购物车行，联查商品。
// 只返回确实属于该用户的行；调用方比较数量以发现越权 ID。
func (r *CartRepository) ListByIDsForUser(ctx context.Context, tx *sql.Tx, ids []int64, userID int64) ([]*CartLine, error) {
	query := `
		SELECT ci.id, ci.user_id, ci.product_id, ci.quantity,
		       p.id IS NULL AS product_missing,
		       COALESCE(p.name, ''), COALESCE(p.price, 0),
		       COALESCE(p.stock, 0), COALESCE(p.is_active, FALSE)
		FROM shop.cart_items ci
		LEFT JOIN shop.products p ON p.id = ci.product_id
		WHERE ci.id = ANY($1) AND ci.user_id = $2
		ORDER BY ci.id
	`
	rows, err := tx.QueryContext(ctx, query, pq.Array(ids), userID)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	var lines []*CartLine
	for rows.Next() {
		var line CartLine
		if err := rows.Scan(
			&line.ID, &line.UserID, &line.ProductID, &line.Quantity,
			&line.ProductMissing, &line.ProductName, &line.ProductPrice,
			&line.ProductStock, &line.ProductActive,
		); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		lines = append(lines, &line)
	}
	return lines, rows.Err()
}

// LockByProducts 锁定该用户购物车中指定商品的行。
// 按 id 升序加锁，避免并发回调之间死锁。
func (r *CartRepository) LockByProducts(ctx context.Context, tx *sql.Tx, userID int64, productIDs []int64) ([]*CartItem, error) {
	query := `
		SELECT id, user_id, product_id, quantity
		FROM shop.cart_items
		WHERE user_id = $1 AND product_id = ANY($2)
		ORDER BY id
		FOR UPDATE
	`
	rows, err := tx.QueryContext(ctx, query, userID, pq.Array(productIDs))
	if err != nil {
		return nil, fmt.Errorf("lock cart items: %w", err)
	}
	defer rows.Close()

	var items []*CartItem
	for rows.Next() {
		var item CartItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Delete 删除购物车行
func (r *CartRepository) Delete(ctx context.Context, tx *sql.Tx, itemID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM shop.cart_items WHERE id = $1`, itemID); err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	return nil
}

// SetQuantity 更新购物车行数量
func (r *CartRepository) SetQuantity(ctx context.Context, tx *sql.Tx, itemID, quantity int64) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE shop.cart_items SET quantity = $1 WHERE id = $2`, quantity, itemID); err != nil {
		return fmt.Errorf("update cart quantity: %w", err)
	}
	return nil
}
