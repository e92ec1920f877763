package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
	"unicode"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/repository"
	"github.com/unicom/shop-payment/pkg/logger"
	"github.com/unicom/shop-payment/pkg/paylink"
)

// PickupAddress 自提点地址
const PickupAddress = "Самовывоз: Чиланзар, 1"

// OrderError 下单业务错误，携带 HTTP 状态码与机器码
type OrderError struct {
	Status    int
	Code      string
	Message   string
	ProductID int64
	Stock     int64
}

func (e *OrderError) Error() string { return e.Message }

func newOrderError(status int, code, message string) *OrderError {
	return &OrderError{Status: status, Code: code, Message: message}
}

// CreateOrderRequest 下单请求
type CreateOrderRequest struct {
	ItemIDs        []int64
	DeliveryMethod string
	PaymentMethod  string
	Phone          string
	Address        string
	Comment        string
}

// CreateOrderResult 下单结果：现金订单返回订单号，在线支付返回跳转链接
type CreateOrderResult struct {
	Status  string `json:"status"`
	OrderID int64  `json:"order_id,omitempty"`
	URL     string `json:"url,omitempty"`
}

// OrderService 订单生命周期管理
type OrderService struct {
	db       *sql.DB
	orders   *repository.OrderRepository
	products *repository.ProductRepository
	carts    *repository.CartRepository
	users    *repository.UserRepository
	cfg      *config.Config
	log      *logger.Logger
	notifier Notifier
	limiter  RateLimiter

	now func() int64
}

// NewOrderService 创建订单服务
func NewOrderService(
	db *sql.DB,
	orders *repository.OrderRepository,
	products *repository.ProductRepository,
	carts *repository.CartRepository,
	users *repository.UserRepository,
	cfg *config.Config,
	log *logger.Logger,
	notifier Notifier,
	limiter RateLimiter,
) *OrderService {
	return &OrderService{
		db:       db,
		orders:   orders,
		products: products,
		carts:    carts,
		users:    users,
		cfg:      cfg,
		log:      log,
		notifier: notifier,
		limiter:  limiter,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

// CreateOrder 从购物车创建订单。库存扣减、订单写入和购物车清理在一个事务内完成。
func (s *OrderService) CreateOrder(ctx context.Context, user *repository.User, req *CreateOrderRequest) (*CreateOrderResult, error) {
	if req.Phone == "" {
		return nil, newOrderError(http.StatusBadRequest, "phone_required", "Укажите номер телефона")
	}
	if countDigits(req.Phone) < 9 {
		return nil, newOrderError(http.StatusBadRequest, "invalid_phone", "Некорректный номер телефона")
	}
	if user.Debt > 0 {
		return nil, newOrderError(http.StatusForbidden, "has_debt",
			"У вас имеется задолженность. Пожалуйста, погасите её в профиле.")
	}
	if req.DeliveryMethod == repository.DeliveryCourier && req.Address == "" {
		return nil, newOrderError(http.StatusBadRequest, "address_required", "Адрес обязателен для доставки")
	}
	if len(req.ItemIDs) == 0 {
		return nil, newOrderError(http.StatusBadRequest, "cart_empty", "Cart is empty")
	}

	limiterKey := fmt.Sprintf("order:create:%d", user.ID)
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, limiterKey, s.cfg.OrderCooldown)
		if err != nil {
			// Redis 不可用时不阻塞下单
			s.log.WithError(err).Warn("order rate limiter unavailable")
		} else if !allowed {
			return nil, newOrderError(http.StatusTooManyRequests, "rate_limited",
				"Слишком много запросов, попробуйте позже")
		}
	}

	finalAddress := req.Address
	if req.DeliveryMethod == repository.DeliveryPickup {
		finalAddress = PickupAddress
	}

	order := &repository.Order{
		UserID:          user.ID,
		Status:          repository.StatusNew,
		OrderType:       repository.OrderTypeProduct,
		PaymentMethod:   req.PaymentMethod,
		DeliveryMethod:  req.DeliveryMethod,
		DeliveryAddress: finalAddress,
		Comment:         req.Comment,
		ContactPhone:    req.Phone,
		CreatedAtMs:     s.now(),
	}

	err := runInTx(ctx, s.db, 0, func(tx *sql.Tx) error {
		cutoff := s.now() - s.cfg.OrderPaymentTimeout.Milliseconds()

		expired, err := s.orders.ListExpiredOnlineIDs(ctx, tx, user.ID, cutoff)
		if err != nil {
			return err
		}
		for _, id := range expired {
			if err := s.CancelOrderTx(ctx, tx, id); err != nil {
				return err
			}
		}

		pending, err := s.orders.HasPendingOnline(ctx, tx, user.ID, cutoff)
		if err != nil {
			return err
		}
		if pending {
			return commitThenFail(newOrderError(http.StatusBadRequest, "pending_online_order",
				"У вас есть неоплаченный заказ — сначала оплатите или отмените его"))
		}

		lines, err := s.carts.ListByIDsForUser(ctx, tx, req.ItemIDs, user.ID)
		if err != nil {
			return err
		}
		if len(lines) != len(req.ItemIDs) {
			return newOrderError(http.StatusBadRequest, "invalid_items", "Invalid cart items requested")
		}

		var missing []*repository.CartLine
		for _, line := range lines {
			if line.ProductMissing {
				missing = append(missing, line)
			}
		}
		if len(missing) > 0 {
			for _, line := range missing {
				if err := s.carts.Delete(ctx, tx, line.ID); err != nil {
					return err
				}
			}
			return commitThenFail(newOrderError(http.StatusBadRequest, "product_unavailable",
				"Товар больше недоступен"))
		}

		var totalAmount int64
		for _, line := range lines {
			if !line.ProductActive {
				return newOrderError(http.StatusBadRequest, "product_inactive",
					fmt.Sprintf("Товар '%s' снят с продажи", line.ProductName))
			}

			ok, err := s.products.DecrementStock(ctx, tx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				orderErr := &OrderError{
					Status:    http.StatusBadRequest,
					Code:      "insufficient_stock",
					ProductID: line.ProductID,
				}
				name := fmt.Sprintf("ID %d", line.ProductID)
				if prod, prodErr := s.products.Get(ctx, tx, line.ProductID); prodErr == nil {
					name = prod.Name
					orderErr.Stock = prod.Stock
				}
				orderErr.Message = fmt.Sprintf("Товара '%s' недостаточно (осталось %d)", name, orderErr.Stock)
				return orderErr
			}

			totalAmount += line.ProductPrice * line.Quantity
		}

		if totalAmount <= 0 {
			return newOrderError(http.StatusBadRequest, "invalid_amount",
				"Сумма заказа должна быть больше нуля")
		}
		order.TotalAmount = totalAmount

		if err := s.orders.Create(ctx, tx, order); err != nil {
			return err
		}

		items := make([]*repository.OrderItem, 0, len(lines))
		for _, line := range lines {
			items = append(items, &repository.OrderItem{
				OrderID:         order.ID,
				ProductID:       line.ProductID,
				ProductName:     line.ProductName,
				PriceAtPurchase: line.ProductPrice,
				Quantity:        line.Quantity,
			})
		}
		if err := s.orders.CreateItems(ctx, tx, order.ID, items); err != nil {
			return err
		}

		if req.DeliveryMethod == repository.DeliveryCourier {
			if err := s.users.SaveAddressIfNew(ctx, tx, user.ID, finalAddress); err != nil {
				return err
			}
		}

		// 现金订单立即清空购物车；在线支付的购物车行
		// 保留到供应商确认为止。
		if req.PaymentMethod != repository.PaymentCard && req.PaymentMethod != repository.PaymentClick {
			for _, line := range lines {
				if err := s.carts.Delete(ctx, tx, line.ID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		if s.limiter != nil {
			if resetErr := s.limiter.Reset(ctx, limiterKey); resetErr != nil {
				s.log.WithError(resetErr).Warn("order rate limiter reset failed")
			}
		}
		return nil, err
	}

	switch req.PaymentMethod {
	case repository.PaymentCard:
		s.notifier.Notify(user.ID, fmt.Sprintf(
			"💳 <b>Заказ #%d создан!</b>\nОжидаем оплату: %d сум.", order.ID, order.TotalAmount))
		url := paylink.Payme(s.cfg.PaymeURL, s.cfg.PaymeID, s.cfg.PaymeAccountField, order.ID, order.TotalAmount)
		return &CreateOrderResult{Status: "redirect", OrderID: order.ID, URL: url}, nil
	case repository.PaymentClick:
		url := paylink.Click(s.cfg.ClickServiceID, s.cfg.ClickMerchantID, order.ID, order.TotalAmount)
		return &CreateOrderResult{Status: "redirect", OrderID: order.ID, URL: url}, nil
	default:
		s.notifier.Notify(user.ID, fmt.Sprintf(
			"✅ <b>Заказ #%d принят!</b>\n💰 %d сум\n📍 %s\nОплата наличными при получении.",
			order.ID, order.TotalAmount, finalAddress))
		return &CreateOrderResult{Status: "success", OrderID: order.ID}, nil
	}
}

// CreateDebtOrder 创建还款订单，只支持 Payme。
func (s *OrderService) CreateDebtOrder(ctx context.Context, user *repository.User, amount int64) (*CreateOrderResult, error) {
	if user.Debt <= 0 {
		return nil, newOrderError(http.StatusBadRequest, "no_debt", "У вас нет задолженности")
	}
	if amount <= 0 || amount > user.Debt {
		return nil, newOrderError(http.StatusBadRequest, "invalid_amount", "Неверная сумма")
	}

	order := &repository.Order{
		UserID:          user.ID,
		Status:          repository.StatusNew,
		OrderType:       repository.OrderTypeDebtRepayment,
		PaymentMethod:   repository.PaymentCard,
		DeliveryMethod:  repository.DeliveryPickup,
		DeliveryAddress: PickupAddress,
		TotalAmount:     amount,
		ContactPhone:    user.Phone,
		CreatedAtMs:     s.now(),
	}

	err := runInTx(ctx, s.db, 0, func(tx *sql.Tx) error {
		return s.orders.Create(ctx, tx, order)
	})
	if err != nil {
		return nil, err
	}

	url := paylink.Payme(s.cfg.PaymeURL, s.cfg.PaymeID, s.cfg.PaymeAccountField, order.ID, amount)
	return &CreateOrderResult{Status: "redirect", OrderID: order.ID, URL: url}, nil
}

// ListOrders 列出用户的历史订单，按创建时间倒序。
func (s *OrderService) ListOrders(ctx context.Context, userID int64) ([]*repository.Order, error) {
	return s.orders.ListByUser(ctx, userID)
}

// CancelOrder 取消订单（自带事务）
func (s *OrderService) CancelOrder(ctx context.Context, orderID int64) error {
	return runInTx(ctx, s.db, s.cfg.LockTimeout, func(tx *sql.Tx) error {
		return s.CancelOrderTx(ctx, tx, orderID)
	})
}

// CancelOrderTx 补偿式取消：归还库存，已入账的还款订单回补债务。
// 订单不存在或已取消时为幂等空操作。
func (s *OrderService) CancelOrderTx(ctx context.Context, tx *sql.Tx, orderID int64) error {
	order, err := s.orders.GetForUpdate(ctx, tx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if order.Status == repository.StatusCancelled {
		return nil
	}

	if order.OrderType == repository.OrderTypeProduct {
		items, err := s.orders.ListItems(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.ProductID == 0 {
				continue
			}
			if err := s.products.RestoreStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}
	}

	if order.OrderType == repository.OrderTypeDebtRepayment &&
		(order.Status == repository.StatusPaid || order.Status == repository.StatusDone) {
		if err := s.users.AddDebt(ctx, tx, order.UserID, order.TotalAmount); err != nil {
			return err
		}
	}

	return s.orders.SetStatus(ctx, tx, order.ID, repository.StatusCancelled)
}

// CancelExpiredOnlineOrderTx 过期在线订单的行内取消。返回是否发生了取消。
func (s *OrderService) CancelExpiredOnlineOrderTx(ctx context.Context, tx *sql.Tx, order *repository.Order) (bool, error) {
	if order.Status != repository.StatusNew {
		return false, nil
	}
	if order.PaymentMethod != repository.PaymentCard && order.PaymentMethod != repository.PaymentClick {
		return false, nil
	}
	if order.CreatedAtMs >= s.now()-s.cfg.OrderPaymentTimeout.Milliseconds() {
		return false, nil
	}
	if err := s.CancelOrderTx(ctx, tx, order.ID); err != nil {
		return false, err
	}
	return true, nil
}

// CancelExpiredOnlineOrder 过期在线订单的独立事务取消。返回是否发生了取消。
func (s *OrderService) CancelExpiredOnlineOrder(ctx context.Context, order *repository.Order) (bool, error) {
	if order.Status != repository.StatusNew {
		return false, nil
	}
	if order.PaymentMethod != repository.PaymentCard && order.PaymentMethod != repository.PaymentClick {
		return false, nil
	}
	if order.CreatedAtMs >= s.now()-s.cfg.OrderPaymentTimeout.Milliseconds() {
		return false, nil
	}
	if err := s.CancelOrder(ctx, order.ID); err != nil {
		return false, err
	}
	return true, nil
}

// DrainCartTx 支付成功后按订单数量清理购物车：只扣减进入订单的商品数量,
// 下单之后新加的购物车内容保持不变。按 id 升序加锁防止回调间死锁。
func (s *OrderService) DrainCartTx(ctx context.Context, tx *sql.Tx, userID int64, items []*repository.OrderItem) error {
	quantities := orderedQuantities(items)
	if len(quantities) == 0 {
		return nil
	}

	productIDs := make([]int64, 0, len(quantities))
	for id := range quantities {
		productIDs = append(productIDs, id)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	cartItems, err := s.carts.LockByProducts(ctx, tx, userID, productIDs)
	if err != nil {
		return err
	}

	for _, cartItem := range cartItems {
		remaining := quantities[cartItem.ProductID]
		if remaining <= 0 {
			continue
		}
		if cartItem.Quantity > remaining {
			if err := s.carts.SetQuantity(ctx, tx, cartItem.ID, cartItem.Quantity-remaining); err != nil {
				return err
			}
			quantities[cartItem.ProductID] = 0
		} else {
			quantities[cartItem.ProductID] = remaining - cartItem.Quantity
			if err := s.carts.Delete(ctx, tx, cartItem.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
