package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/repository"
	"github.com/unicom/shop-payment/pkg/logger"
	"github.com/unicom/shop-payment/pkg/money"
)

// Payme 协议错误码
const (
	PaymeErrInsufficientPrivilege = -32504
	PaymeErrJSONParse             = -32700
	PaymeErrMethodNotFound        = -32601
	PaymeErrSystem                = -32400
	PaymeErrInvalidAmount         = -31001
	PaymeErrTransactionNotFound   = -31003
	PaymeErrOrderNotFound         = -31050
	PaymeErrOrderUnavailable      = -31051
	PaymeErrCantCancel            = -31007
	PaymeErrAlreadyDone           = -31008
)

// ikpuFallback 商品未填 ИКПУ 时的兜底税务编码
const ikpuFallback = "00702001001000001"

// unitPiece 计量单位编码（штука）
const unitPiece = 241092

// PaymeError 供应商协议错误。Message 的键是语言码。
type PaymeError struct {
	Code    int
	Message map[string]string
	Data    string
}

func (e *PaymeError) Error() string {
	return fmt.Sprintf("payme error %d: %s", e.Code, e.Message["ru"])
}

func paymeError(code int, ru string) *PaymeError {
	return &PaymeError{Code: code, Message: map[string]string{"ru": ru}}
}

func paymeErrorData(code int, ru, data string) *PaymeError {
	return &PaymeError{Code: code, Message: map[string]string{"ru": ru}, Data: data}
}

// PaymeService Payme JSON-RPC 状态机
type PaymeService struct {
	db       *sql.DB
	orders   *repository.OrderRepository
	users    *repository.UserRepository
	txns     *repository.PaymeTransactionRepository
	orderSvc *OrderService
	cfg      *config.Config
	log      *logger.Logger
	notifier Notifier

	now func() int64
}

// NewPaymeService 创建 Payme 服务
func NewPaymeService(
	db *sql.DB,
	orders *repository.OrderRepository,
	users *repository.UserRepository,
	txns *repository.PaymeTransactionRepository,
	orderSvc *OrderService,
	cfg *config.Config,
	log *logger.Logger,
	notifier Notifier,
) *PaymeService {
	return &PaymeService{
		db:       db,
		orders:   orders,
		users:    users,
		txns:     txns,
		orderSvc: orderSvc,
		cfg:      cfg,
		log:      log,
		notifier: notifier,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// run 在带 lock_timeout 的事务中执行。等锁超时映射为 -31051。
func (s *PaymeService) run(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := runInTx(ctx, s.db, s.cfg.LockTimeout, fn)
	if err == nil {
		return nil
	}
	var pe *PaymeError
	if errors.As(err, &pe) {
		return pe
	}
	if repository.IsLockTimeout(err) {
		return paymeError(PaymeErrOrderUnavailable, "Заказ занят, попробуйте позже")
	}
	return err
}

func (s *PaymeService) accountOrderID(account map[string]interface{}) (int64, error) {
	orderID, ok := parseID(account[s.cfg.PaymeAccountField])
	if !ok {
		return 0, paymeErrorData(PaymeErrOrderNotFound, "Неверный ID заказа", s.cfg.PaymeAccountField)
	}
	return orderID, nil
}

func (s *PaymeService) normalizeAmount(amount interface{}) (int64, error) {
	tiyin, err := money.Normalize(amount)
	if err != nil {
		return 0, paymeError(PaymeErrInvalidAmount, "Неверная сумма")
	}
	return tiyin, nil
}

// checkOrderPayable 订单必须是 Payme 可支付的 card 订单
func checkOrderPayable(order *repository.Order) error {
	if order.OrderType == repository.OrderTypeDebtRepayment && order.PaymentMethod != repository.PaymentCard {
		return paymeError(PaymeErrOrderUnavailable, "Погашение долга доступно только через Payme")
	}
	if order.PaymentMethod != repository.PaymentCard {
		return paymeError(PaymeErrOrderUnavailable, "Заказ не доступен для оплаты через Payme")
	}
	return nil
}

// CheckPerformTransaction 预检：订单存在、金额一致、可以创建交易。
func (s *PaymeService) CheckPerformTransaction(ctx context.Context, amount interface{}, account map[string]interface{}) (map[string]interface{}, error) {
	amountTiyin, err := s.normalizeAmount(amount)
	if err != nil {
		return nil, err
	}
	orderID, err := s.accountOrderID(account)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return nil, paymeErrorData(PaymeErrOrderNotFound, "Заказ не найден", s.cfg.PaymeAccountField)
	}
	if err != nil {
		return nil, err
	}

	if err := checkOrderPayable(order); err != nil {
		return nil, err
	}

	cancelled, err := s.orderSvc.CancelExpiredOnlineOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return nil, paymeError(PaymeErrOrderUnavailable, "Заказ просрочен и отменен")
	}

	if order.TotalAmount*100 != amountTiyin {
		return nil, paymeError(PaymeErrInvalidAmount, "Неверная сумма")
	}
	if order.Status != repository.StatusNew {
		return nil, paymeError(PaymeErrOrderUnavailable, "Заказ уже оплачен или отменен")
	}

	return map[string]interface{}{"allow": true}, nil
}

// CreateTransaction 创建交易。重复调用按 payme_id 幂等返回当前状态。
func (s *PaymeService) CreateTransaction(ctx context.Context, paymeID string, timeMs int64, amount interface{}, account map[string]interface{}) (map[string]interface{}, error) {
	amountTiyin, err := s.normalizeAmount(amount)
	if err != nil {
		return nil, err
	}

	nowMs := s.now()
	timeoutMs := s.cfg.OrderPaymentTimeout.Milliseconds()
	if timeMs > nowMs+60_000 {
		return nil, paymeError(PaymeErrInvalidAmount, "Неверная дата транзакции (будущее время)")
	}
	diff := nowMs - timeMs
	if diff < 0 {
		diff = -diff
	}
	if diff > timeoutMs {
		return nil, paymeError(PaymeErrInvalidAmount, "Неверная дата транзакции (таймаут)")
	}

	var result map[string]interface{}
	err = s.run(ctx, func(tx *sql.Tx) error {
		existing, err := s.txns.GetByPaymeID(ctx, tx, paymeID)
		if err != nil && !errors.Is(err, repository.ErrTransactionNotFound) {
			return err
		}
		if existing != nil {
			if existing.Amount != amountTiyin {
				return paymeError(PaymeErrInvalidAmount, "Неверная сумма")
			}
			orderID, err := s.accountOrderID(account)
			if err != nil {
				return err
			}
			if existing.OrderID != orderID {
				return paymeError(PaymeErrOrderUnavailable, "Неверный ID заказа")
			}
			if existing.State != repository.PaymeStateCreated {
				result = map[string]interface{}{
					"create_time":  existing.CreateTimeMs,
					"perform_time": existing.PerformTimeMs,
					"cancel_time":  existing.CancelTimeMs,
					"transaction":  strconv.FormatInt(existing.ID, 10),
					"state":        existing.State,
				}
				return nil
			}
			result = map[string]interface{}{
				"create_time": existing.CreateTimeMs,
				"transaction": strconv.FormatInt(existing.ID, 10),
				"state":       repository.PaymeStateCreated,
			}
			return nil
		}

		orderID, err := s.accountOrderID(account)
		if err != nil {
			return err
		}

		order, err := s.orders.GetForUpdate(ctx, tx, orderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return paymeErrorData(PaymeErrOrderNotFound, "Заказ не найден", s.cfg.PaymeAccountField)
		}
		if err != nil {
			return err
		}

		if err := checkOrderPayable(order); err != nil {
			return err
		}

		expired, err := s.orderSvc.CancelExpiredOnlineOrderTx(ctx, tx, order)
		if err != nil {
			return err
		}
		if expired {
			return commitThenFail(paymeError(PaymeErrOrderUnavailable, "Заказ просрочен и отменен"))
		}

		if order.TotalAmount*100 != amountTiyin {
			return paymeError(PaymeErrInvalidAmount, "Неверная сумма")
		}
		if order.Status != repository.StatusNew {
			return paymeError(PaymeErrOrderUnavailable, "Заказ уже оплачен или отменен")
		}

		var items []*repository.OrderItem
		if order.OrderType == repository.OrderTypeDebtRepayment {
			user, err := s.users.GetForUpdate(ctx, tx, order.UserID)
			if err != nil {
				return err
			}
			if amountTiyin > user.Debt*100 {
				if err := s.orderSvc.CancelOrderTx(ctx, tx, order.ID); err != nil {
					return err
				}
				return commitThenFail(paymeError(PaymeErrInvalidAmount,
					"Сумма превышает текущий долг. Заказ отменен"))
			}
		} else {
			items, err = s.orders.ListItems(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				return paymeError(PaymeErrOrderUnavailable, "Order not ready")
			}
		}

		// 单个订单同一时刻最多一笔活跃交易
		active, err := s.txns.GetActiveByOrder(ctx, tx, order.ID)
		if err != nil && !errors.Is(err, repository.ErrTransactionNotFound) {
			return err
		}
		if active != nil {
			if err := s.txns.MarkCancelled(ctx, tx, active.ID,
				repository.PaymeStateCancelled, repository.PaymeReasonTimeout, nowMs); err != nil {
				return err
			}
		}

		txn := &repository.PaymeTransaction{
			PaymeID:      paymeID,
			OrderID:      order.ID,
			Amount:       amountTiyin,
			Time:         timeMs,
			State:        repository.PaymeStateCreated,
			CreateTimeMs: nowMs,
		}
		if err := s.txns.Create(ctx, tx, txn); err != nil {
			return err
		}

		result = map[string]interface{}{
			"create_time": txn.CreateTimeMs,
			"transaction": strconv.FormatInt(txn.ID, 10),
			"state":       repository.PaymeStateCreated,
			"detail": map[string]interface{}{
				"receipt_type": 0,
				"items":        s.receiptItems(order, items),
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// receiptItems 构建财务凭证行：还款订单用合成行，商品订单用明细快照。
func (s *PaymeService) receiptItems(order *repository.Order, items []*repository.OrderItem) []map[string]interface{} {
	if order.OrderType == repository.OrderTypeDebtRepayment && len(items) == 0 {
		return []map[string]interface{}{{
			"title":        "Погашение долга",
			"price":        order.TotalAmount * 100,
			"count":        1,
			"code":         ikpuFallback,
			"units":        unitPiece,
			"vat_percent":  0,
			"package_code": s.cfg.DefaultPackageCode,
		}}
	}

	receipt := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		code := item.IKPU
		if code == "" {
			code = ikpuFallback
		}
		packageCode := item.PackageCode
		if packageCode == "" {
			packageCode = s.cfg.DefaultPackageCode
		}
		receipt = append(receipt, map[string]interface{}{
			"title":        item.ProductName,
			"price":        item.PriceAtPurchase * 100,
			"count":        item.Quantity,
			"code":         code,
			"units":        unitPiece,
			"vat_percent":  0,
			"package_code": packageCode,
		})
	}
	return receipt
}

// PerformTransaction 入账：交易置 performed，订单置 paid，清理购物车。
// 重放返回相同快照。
func (s *PaymeService) PerformTransaction(ctx context.Context, paymeID string) (map[string]interface{}, error) {
	var result map[string]interface{}
	var notifyUserID int64
	var notifyMsg string

	err := s.run(ctx, func(tx *sql.Tx) error {
		txn, err := s.txns.GetByPaymeIDForUpdate(ctx, tx, paymeID)
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return paymeError(PaymeErrTransactionNotFound, "Транзакция не найдена")
		}
		if err != nil {
			return err
		}

		switch {
		case txn.State == repository.PaymeStatePerformed:
			result = map[string]interface{}{
				"perform_time": txn.PerformTimeMs,
				"transaction":  strconv.FormatInt(txn.ID, 10),
				"state":        repository.PaymeStatePerformed,
			}
			return nil
		case txn.State < 0:
			return paymeError(PaymeErrAlreadyDone, "Транзакция отменена или завершена")
		}

		nowMs := s.now()
		if nowMs-txn.CreateTimeMs > s.cfg.OrderPaymentTimeout.Milliseconds() {
			if err := s.txns.MarkCancelled(ctx, tx, txn.ID,
				repository.PaymeStateCancelled, repository.PaymeReasonTimeout, nowMs); err != nil {
				return err
			}
			return commitThenFail(paymeError(PaymeErrAlreadyDone, "Таймаут транзакции"))
		}

		order, err := s.orders.GetForUpdate(ctx, tx, txn.OrderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			return paymeErrorData(PaymeErrOrderNotFound, "Заказ не найден", s.cfg.PaymeAccountField)
		}
		if err != nil {
			return err
		}

		if order.PaymentMethod != repository.PaymentCard {
			return paymeError(PaymeErrOrderUnavailable, "Заказ не доступен для оплаты через Payme")
		}

		expired, err := s.orderSvc.CancelExpiredOnlineOrderTx(ctx, tx, order)
		if err != nil {
			return err
		}
		if expired {
			return commitThenFail(paymeError(PaymeErrOrderUnavailable, "Заказ просрочен и отменен"))
		}

		if order.Status != repository.StatusNew {
			return paymeError(PaymeErrOrderUnavailable,
				fmt.Sprintf("Заказ не доступен для оплаты в статусе %s", order.Status))
		}

		var user *repository.User
		if order.OrderType == repository.OrderTypeDebtRepayment {
			user, err = s.users.GetForUpdate(ctx, tx, order.UserID)
			if err != nil {
				return err
			}
			if order.TotalAmount > user.Debt {
				if err := s.orderSvc.CancelOrderTx(ctx, tx, order.ID); err != nil {
					return err
				}
				return commitThenFail(paymeError(PaymeErrInvalidAmount,
					"Сумма превышает текущий долг. Заказ отменен"))
			}
		}

		if err := s.txns.MarkPerformed(ctx, tx, txn.ID, nowMs); err != nil {
			return err
		}
		if err := s.orders.MarkPaid(ctx, tx, order.ID, repository.StatusPaid, repository.PaymentCard); err != nil {
			return err
		}

		items, err := s.orders.ListItems(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if err := s.orderSvc.DrainCartTx(ctx, tx, order.UserID, items); err != nil {
			return err
		}

		if order.OrderType == repository.OrderTypeDebtRepayment {
			if err := s.orders.SetStatus(ctx, tx, order.ID, repository.StatusDone); err != nil {
				return err
			}
			if err := s.users.DeductDebtSaturating(ctx, tx, order.UserID, order.TotalAmount); err != nil {
				return err
			}
			remaining := user.Debt - order.TotalAmount
			if remaining < 0 {
				remaining = 0
			}
			notifyUserID = order.UserID
			notifyMsg = fmt.Sprintf("✅ <b>Долг погашен на %d сум!</b>\nОстаток долга: %d сум.",
				order.TotalAmount, remaining)
		}

		result = map[string]interface{}{
			"perform_time": nowMs,
			"transaction":  strconv.FormatInt(txn.ID, 10),
			"state":        repository.PaymeStatePerformed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if notifyMsg != "" {
		s.notifier.Notify(notifyUserID, notifyMsg)
	}
	return result, nil
}

// CancelTransaction 取消交易。已取消的交易幂等返回快照；
// 已入账的交易在没有 Payme 确认退款前拒绝取消。
func (s *PaymeService) CancelTransaction(ctx context.Context, paymeID string, reason int64) (map[string]interface{}, error) {
	var result map[string]interface{}
	err := s.run(ctx, func(tx *sql.Tx) error {
		txn, err := s.txns.GetByPaymeIDForUpdate(ctx, tx, paymeID)
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return paymeError(PaymeErrTransactionNotFound, "Транзакция не найдена")
		}
		if err != nil {
			return err
		}

		if txn.State < 0 {
			result = map[string]interface{}{
				"cancel_time": txn.CancelTimeMs,
				"transaction": strconv.FormatInt(txn.ID, 10),
				"state":       txn.State,
			}
			return nil
		}

		if txn.State == repository.PaymeStatePerformed {
			return paymeError(PaymeErrCantCancel,
				"Отмена оплаченной транзакции возможна только после подтвержденного возврата Payme")
		}

		nowMs := s.now()
		if err := s.txns.MarkCancelled(ctx, tx, txn.ID,
			repository.PaymeStateCancelled, reason, nowMs); err != nil {
			return err
		}
		if err := s.orderSvc.CancelOrderTx(ctx, tx, txn.OrderID); err != nil {
			return err
		}

		result = map[string]interface{}{
			"cancel_time": nowMs,
			"transaction": strconv.FormatInt(txn.ID, 10),
			"state":       repository.PaymeStateCancelled,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CheckTransaction 交易状态查询
func (s *PaymeService) CheckTransaction(ctx context.Context, paymeID string) (map[string]interface{}, error) {
	var result map[string]interface{}
	err := s.run(ctx, func(tx *sql.Tx) error {
		txn, err := s.txns.GetByPaymeID(ctx, tx, paymeID)
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return paymeError(PaymeErrTransactionNotFound, "Транзакция не найдена")
		}
		if err != nil {
			return err
		}
		result = map[string]interface{}{
			"create_time":  txn.CreateTimeMs,
			"perform_time": txn.PerformTimeMs,
			"cancel_time":  txn.CancelTimeMs,
			"transaction":  strconv.FormatInt(txn.ID, 10),
			"state":        txn.State,
			"reason":       reasonOrNil(txn.Reason),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetStatement 对账单：按供应商时间区间枚举交易。
func (s *PaymeService) GetStatement(ctx context.Context, from, to int64) (map[string]interface{}, error) {
	txns, err := s.txns.ListByProviderTime(ctx, from, to)
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]interface{}, 0, len(txns))
	for _, txn := range txns {
		entries = append(entries, map[string]interface{}{
			"id":     txn.PaymeID,
			"time":   txn.Time,
			"amount": txn.Amount,
			"account": map[string]interface{}{
				s.cfg.PaymeAccountField: strconv.FormatInt(txn.OrderID, 10),
			},
			"create_time":  txn.CreateTimeMs,
			"perform_time": txn.PerformTimeMs,
			"cancel_time":  txn.CancelTimeMs,
			"transaction":  strconv.FormatInt(txn.ID, 10),
			"state":        txn.State,
			"reason":       reasonOrNil(txn.Reason),
		})
	}
	return map[string]interface{}{"transactions": entries}, nil
}

// ChangePassword 确认收银台的换密请求，无副作用。
func (s *PaymeService) ChangePassword(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"success": true}, nil
}

func reasonOrNil(reason int64) interface{} {
	if reason == 0 {
		return nil
	}
	return reason
}
