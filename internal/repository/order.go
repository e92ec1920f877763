package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// OrderStatus 订单状态
const (
	StatusNew       = "new"
	StatusPaid      = "paid"
	StatusDelivery  = "delivery"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
)

// OrderType 订单类型
const (
	OrderTypeProduct       = "product"
	OrderTypeDebtRepayment = "debt_repayment"
)

// PaymentMethod 支付方式
const (
	PaymentCash  = "cash"
	PaymentCard  = "card" // Payme
	PaymentClick = "click"
)

// DeliveryMethod 配送方式
const (
	DeliveryPickup  = "pickup"
	DeliveryCourier = "delivery"
)

// Order 订单
type Order struct {
	ID              int64
	UserID          int64
	Status          string
	OrderType       string
	PaymentMethod   string
	DeliveryMethod  string
	DeliveryAddress string
	TotalAmount     int64 // 苏姆
	Comment         string
	ContactPhone    string
	CreatedAtMs     int64
}

// OrderItem 订单明细（下单时的商品快照）
type OrderItem struct {
	ID              int64
	OrderID         int64
	ProductID       int64 // 0 表示商品已被删除
	ProductName     string
	PriceAtPurchase int64 // 苏姆
	Quantity        int64

	// 来自 products 的联查字段，商品被删除时为空
	IKPU        string
	PackageCode string
}

const orderColumns = `id, user_id, status, order_type, payment_method, delivery_method,
	       delivery_address, total_amount, comment, contact_phone, created_at_ms`

// OrderRepository 订单仓储
type OrderRepository struct {
	db *sql.DB
}

// NewOrderRepository 创建仓储
func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create 创建订单并回填 ID
func (r *OrderRepository) Create(ctx context.Context, tx *sql.Tx, o *Order) error {
	query := `
		INSERT INTO shop.orders
		(user_id, status, order_type, payment_method, delivery_method,
		 delivery_address, total_amount, comment, contact_phone, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	err := tx.QueryRowContext(ctx, query,
		o.UserID, o.Status, o.OrderType, o.PaymentMethod, o.DeliveryMethod,
		nullString(o.DeliveryAddress), o.TotalAmount, nullString(o.Comment),
		o.ContactPhone, o.CreatedAtMs,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Get 获取订单
func (r *OrderRepository) Get(ctx context.Context, orderID int64) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM shop.orders WHERE id = $1`
	return scanOrder(r.db.QueryRowContext(ctx, query, orderID))
}

// GetForUpdate 获取订单并加行锁
func (r *OrderRepository) GetForUpdate(ctx context.Context, tx *sql.Tx, orderID int64) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM shop.orders WHERE id = $1 FOR UPDATE`
	return scanOrder(tx.QueryRowContext(ctx, query, orderID))
}

// SetStatus 更新订单状态
func (r *OrderRepository) SetStatus(ctx context.Context, tx *sql.Tx, orderID int64, status string) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE shop.orders SET status = $1 WHERE id = $2`, status, orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// MarkPaid 标记订单已支付并固定支付方式
func (r *OrderRepository) MarkPaid(ctx context.Context, tx *sql.Tx, orderID int64, status, paymentMethod string) error {
	result, err := tx.ExecContext(ctx,
		`UPDATE shop.orders SET status = $1, payment_method = $2 WHERE id = $3`,
		status, paymentMethod, orderID)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// CreateItems 批量写入订单明细
func (r *OrderRepository) CreateItems(ctx context.Context, tx *sql.Tx, orderID int64, items []*OrderItem) error {
	query := `
		INSERT INTO shop.order_items
		(order_id, product_id, product_name, price_at_purchase, quantity)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, query,
			orderID, nullInt64(item.ProductID), item.ProductName,
			item.PriceAtPurchase, item.Quantity,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

// ListItems 读取订单明细，联查商品的税务编码字段
func (r *OrderRepository) ListItems(ctx context.Context, tx *sql.Tx, orderID int64) ([]*OrderItem, error) {
	query := `
		SELECT oi.id, oi.order_id, oi.product_id, oi.product_name,
		       oi.price_at_purchase, oi.quantity,
		       COALESCE(p.ikpu, ''), COALESCE(p.package_code, '')
		FROM shop.order_items oi
		LEFT JOIN shop.products p ON p.id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.id
	`
	rows, err := tx.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []*OrderItem
	for rows.Next() {
		var item OrderItem
		var productID sql.NullInt64
		if err := rows.Scan(
			&item.ID, &item.OrderID, &productID, &item.ProductName,
			&item.PriceAtPurchase, &item.Quantity, &item.IKPU, &item.PackageCode,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.ProductID = productID.Int64
		items = append(items, &item)
	}
	return items, rows.Err()
}

// ListExpiredOnlineIDs 查找超过支付窗口的在线订单。userID = 0 表示所有用户。
func (r *OrderRepository) ListExpiredOnlineIDs(ctx context.Context, tx *sql.Tx, userID, cutoffMs int64) ([]int64, error) {
	query := `
		SELECT id FROM shop.orders
		WHERE status = $1
		  AND payment_method IN ($2, $3)
		  AND created_at_ms < $4
		  AND ($5 = 0 OR user_id = $5)
		ORDER BY id
	`
	rows, err := tx.QueryContext(ctx, query, StatusNew, PaymentCard, PaymentClick, cutoffMs, userID)
	if err != nil {
		return nil, fmt.Errorf("query expired online orders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasPendingOnline 用户是否存在未过期的待支付在线订单
func (r *OrderRepository) HasPendingOnline(ctx context.Context, tx *sql.Tx, userID, cutoffMs int64) (bool, error) {
	query := `
		SELECT 1 FROM shop.orders
		WHERE user_id = $1
		  AND status = $2
		  AND payment_method IN ($3, $4)
		  AND created_at_ms >= $5
		LIMIT 1
	`
	var one int
	err := tx.QueryRowContext(ctx, query, userID, StatusNew, PaymentCard, PaymentClick, cutoffMs).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query pending online order: %w", err)
	}
	return true, nil
}

// ListByUser 读取用户订单，按创建时间倒序
func (r *OrderRepository) ListByUser(ctx context.Context, userID int64) ([]*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM shop.orders
		WHERE user_id = $1
		ORDER BY created_at_ms DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query user orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		var deliveryAddress, comment sql.NullString
		if err := rows.Scan(
			&o.ID, &o.UserID, &o.Status, &o.OrderType, &o.PaymentMethod,
			&o.DeliveryMethod, &deliveryAddress, &o.TotalAmount, &comment,
			&o.ContactPhone, &o.CreatedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.DeliveryAddress = deliveryAddress.String
		o.Comment = comment.String
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// ListZombieIDs 查找僵尸订单：status=new 且（超过阈值 或 挂着活跃的 Payme 交易）
func (r *OrderRepository) ListZombieIDs(ctx context.Context, cutoffMs int64) ([]int64, error) {
	query := `
		SELECT o.id FROM shop.orders o
		WHERE o.status = $1
		  AND (o.created_at_ms < $2
		       OR EXISTS (
		           SELECT 1 FROM shop.payme_transactions pt
		           WHERE pt.order_id = o.id AND pt.state = 1
		       ))
		ORDER BY o.id
	`
	rows, err := r.db.QueryContext(ctx, query, StatusNew, cutoffMs)
	if err != nil {
		return nil, fmt.Errorf("query zombie orders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	var deliveryAddress, comment sql.NullString

	err := row.Scan(
		&o.ID, &o.UserID, &o.Status, &o.OrderType, &o.PaymentMethod,
		&o.DeliveryMethod, &deliveryAddress, &o.TotalAmount, &comment,
		&o.ContactPhone, &o.CreatedAtMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}

	o.DeliveryAddress = deliveryAddress.String
	o.Comment = comment.String
	return &o, nil
}
