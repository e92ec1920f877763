package service

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/repository"
	"github.com/unicom/shop-payment/pkg/logger"
	"github.com/unicom/shop-payment/pkg/money"
)

// Click 协议错误码
const (
	ClickSuccess            = 0
	ClickErrSignCheckFailed = -1
	ClickErrIncorrectAmount = -2
	ClickErrActionNotFound  = -3
	ClickErrAlreadyPaid     = -4
	ClickErrOrderNotFound   = -5
	ClickErrTxNotFound      = -6
	ClickErrUpdateFailed    = -7
	ClickErrBadRequest      = -8
	ClickErrCancelled       = -9
)

// ClickRequest 回调表单原始字段。签名按原始字符串拼接校验。
type ClickRequest struct {
	ClickTransID    string
	ServiceID       string
	ClickPaydocID   string
	MerchantTransID string
	Amount          string
	Action          string
	Error           string
	ErrorNote       string
	SignTime        string
	SignString      string
}

// ClickResponse 回调应答
type ClickResponse struct {
	ClickTransID      string `json:"click_trans_id,omitempty"`
	MerchantTransID   string `json:"merchant_trans_id,omitempty"`
	MerchantPrepareID string `json:"merchant_prepare_id,omitempty"`
	MerchantConfirmID int64  `json:"merchant_confirm_id,omitempty"`
	Error             int    `json:"error"`
	ErrorNote         string `json:"error_note"`
}

func clickError(code int, note string) *ClickResponse {
	return &ClickResponse{Error: code, ErrorNote: note}
}

// FiscalSubmitter 财务凭证上报端口（提交后异步调用）
type FiscalSubmitter interface {
	SubmitItems(ctx context.Context, paymentID int64, order *repository.Order, items []*repository.OrderItem)
}

// ClickService Click 两阶段回调处理
type ClickService struct {
	db       *sql.DB
	orders   *repository.OrderRepository
	users    *repository.UserRepository
	clicks   *repository.ClickTransactionRepository
	orderSvc *OrderService
	cfg      *config.Config
	log      *logger.Logger
	notifier Notifier
	fiscal   FiscalSubmitter

	now func() int64
}

// NewClickService 创建 Click 服务
func NewClickService(
	db *sql.DB,
	orders *repository.OrderRepository,
	users *repository.UserRepository,
	clicks *repository.ClickTransactionRepository,
	orderSvc *OrderService,
	cfg *config.Config,
	log *logger.Logger,
	notifier Notifier,
	fiscal FiscalSubmitter,
) *ClickService {
	return &ClickService{
		db:       db,
		orders:   orders,
		users:    users,
		clicks:   clicks,
		orderSvc: orderSvc,
		cfg:      cfg,
		log:      log,
		notifier: notifier,
		fiscal:   fiscal,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// checkSign MD5 校验：click_trans_id + service_id + SECRET + merchant_trans_id + amount + action + sign_time。
// 参与拼接的是表单原始字符串。
func (s *ClickService) checkSign(req *ClickRequest) bool {
	text := req.ClickTransID + req.ServiceID + s.cfg.ClickSecretKey +
		req.MerchantTransID + req.Amount + req.Action + req.SignTime
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:]) == req.SignString
}

// Prepare 第一阶段：校验订单可支付
func (s *ClickService) Prepare(ctx context.Context, req *ClickRequest) (*ClickResponse, error) {
	amount, err := money.Normalize(req.Amount)
	if err != nil {
		return clickError(ClickErrIncorrectAmount, "Incorrect Amount"), nil
	}

	action, err := strconv.Atoi(req.Action)
	if err != nil {
		return clickError(ClickErrBadRequest, "Invalid action"), nil
	}
	if action != repository.ClickActionPrepare {
		return clickError(ClickErrActionNotFound, "Action not found"), nil
	}

	if !s.checkSign(req) {
		return clickError(ClickErrSignCheckFailed, "Sign check failed"), nil
	}

	orderID, err := strconv.ParseInt(req.MerchantTransID, 10, 64)
	if err != nil {
		return clickError(ClickErrOrderNotFound, "Invalid Order ID"), nil
	}

	order, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, repository.ErrOrderNotFound) {
		return clickError(ClickErrOrderNotFound, "Order not found"), nil
	}
	if err != nil {
		return nil, err
	}

	cancelled, err := s.orderSvc.CancelExpiredOnlineOrder(ctx, order)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return clickError(ClickErrCancelled, "Order expired"), nil
	}

	if amount != order.TotalAmount {
		return clickError(ClickErrIncorrectAmount, "Incorrect Amount"), nil
	}

	switch order.Status {
	case repository.StatusPaid, repository.StatusDone:
		return clickError(ClickErrAlreadyPaid, "Already paid"), nil
	case repository.StatusCancelled:
		return clickError(ClickErrCancelled, "Order cancelled"), nil
	}

	return &ClickResponse{
		ClickTransID:      req.ClickTransID,
		MerchantTransID:   req.MerchantTransID,
		MerchantPrepareID: req.MerchantTransID,
		Error:             ClickSuccess,
		ErrorNote:         "Success",
	}, nil
}

// Complete 第二阶段：入账。重放已确认的 click_trans_id 返回成功且无新副作用。
func (s *ClickService) Complete(ctx context.Context, req *ClickRequest) (*ClickResponse, error) {
	amount, err := money.Normalize(req.Amount)
	if err != nil {
		return clickError(ClickErrIncorrectAmount, "Incorrect Amount"), nil
	}

	clickTransID, err := strconv.ParseInt(req.ClickTransID, 10, 64)
	if err != nil {
		return clickError(ClickErrBadRequest, "Invalid click_trans_id"), nil
	}

	action, err := strconv.Atoi(req.Action)
	if err != nil {
		return clickError(ClickErrBadRequest, "Invalid action"), nil
	}
	if action != repository.ClickActionComplete {
		return clickError(ClickErrActionNotFound, "Action not found"), nil
	}

	if !s.checkSign(req) {
		return clickError(ClickErrSignCheckFailed, "Sign check failed"), nil
	}

	orderID, err := strconv.ParseInt(req.MerchantTransID, 10, 64)
	if err != nil {
		return clickError(ClickErrOrderNotFound, "Invalid Order ID"), nil
	}

	errorCode := 0
	if req.Error != "" {
		errorCode, err = strconv.Atoi(req.Error)
		if err != nil {
			return clickError(ClickErrBadRequest, "Invalid error code"), nil
		}
	}

	var resp *ClickResponse
	var fiscalOrder *repository.Order
	var fiscalItems []*repository.OrderItem
	var notifyUserID int64
	var notifyMsg string

	txErr := runInTx(ctx, s.db, s.cfg.LockTimeout, func(tx *sql.Tx) error {
		order, err := s.orders.GetForUpdate(ctx, tx, orderID)
		if errors.Is(err, repository.ErrOrderNotFound) {
			resp = clickError(ClickErrOrderNotFound, "Order not found")
			return nil
		}
		if err != nil {
			return err
		}

		expired, err := s.orderSvc.CancelExpiredOnlineOrderTx(ctx, tx, order)
		if err != nil {
			return err
		}
		if expired {
			resp = clickError(ClickErrCancelled, "Order expired")
			return nil
		}

		// error < 0：供应商取消支付。支付结果以供应商为准，
		// 已支付的订单同样取消。
		if errorCode < 0 {
			note := "Transaction cancelled"
			if order.Status == repository.StatusCancelled {
				note = "Transaction already cancelled"
			} else if err := s.orderSvc.CancelOrderTx(ctx, tx, order.ID); err != nil {
				return err
			}
			resp = &ClickResponse{
				ClickTransID:    req.ClickTransID,
				MerchantTransID: req.MerchantTransID,
				Error:           ClickSuccess,
				ErrorNote:       note,
			}
			return nil
		}

		existing, err := s.clicks.GetConfirmedByClickID(ctx, tx, clickTransID)
		if err != nil && !errors.Is(err, repository.ErrTransactionNotFound) {
			return err
		}
		if existing != nil {
			resp = &ClickResponse{
				ClickTransID:      req.ClickTransID,
				MerchantTransID:   req.MerchantTransID,
				MerchantConfirmID: order.ID,
				Error:             ClickSuccess,
				ErrorNote:         "Already confirmed",
			}
			return nil
		}

		switch order.Status {
		case repository.StatusPaid, repository.StatusDone:
			resp = clickError(ClickErrAlreadyPaid, "Order already paid")
			return nil
		case repository.StatusCancelled:
			resp = clickError(ClickErrCancelled, "Transaction cancelled")
			return nil
		}

		if amount != order.TotalAmount {
			resp = clickError(ClickErrIncorrectAmount, "Incorrect Amount")
			return nil
		}

		// 入账只发生在 new 状态；已进入配送等后续状态的订单
		// 直接回成功，不产生副作用。
		if order.Status != repository.StatusNew {
			resp = &ClickResponse{
				ClickTransID:      req.ClickTransID,
				MerchantTransID:   req.MerchantTransID,
				MerchantConfirmID: order.ID,
				Error:             ClickSuccess,
				ErrorNote:         "Success",
			}
			return nil
		}

		var user *repository.User
		if order.OrderType == repository.OrderTypeDebtRepayment {
			user, err = s.users.GetForUpdate(ctx, tx, order.UserID)
			if err != nil {
				return err
			}
			if order.TotalAmount > user.Debt {
				resp = clickError(ClickErrIncorrectAmount, "Amount exceeds current debt")
				return nil
			}
		}

		if err := s.orders.MarkPaid(ctx, tx, order.ID, repository.StatusPaid, repository.PaymentClick); err != nil {
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
		}

		serviceID, _ := strconv.ParseInt(req.ServiceID, 10, 64)
		paydocID, _ := strconv.ParseInt(req.ClickPaydocID, 10, 64)
		txn := &repository.ClickTransaction{
			ClickTransID:    clickTransID,
			ServiceID:       serviceID,
			ClickPaydocID:   paydocID,
			MerchantTransID: req.MerchantTransID,
			Amount:          amount,
			Action:          repository.ClickActionComplete,
			Error:           ClickSuccess,
			SignTime:        req.SignTime,
			SignString:      req.SignString,
			Status:          repository.ClickStatusConfirmed,
			CreatedAtMs:     s.now(),
		}
		if err := s.clicks.Create(ctx, tx, txn); err != nil {
			return err
		}

		fiscalOrder = order
		fiscalItems = items
		notifyUserID = order.UserID
		notifyMsg = fmt.Sprintf("✅ <b>Заказ #%d оплачен через Click!</b>\nСумма: %d сум",
			order.ID, order.TotalAmount)

		resp = &ClickResponse{
			ClickTransID:      req.ClickTransID,
			MerchantTransID:   req.MerchantTransID,
			MerchantConfirmID: order.ID,
			Error:             ClickSuccess,
			ErrorNote:         "Success",
		}
		return nil
	})
	if txErr != nil {
		if repository.IsLockTimeout(txErr) {
			return clickError(ClickErrUpdateFailed, "Order busy, try again"), nil
		}
		return nil, txErr
	}

	if fiscalOrder != nil {
		if s.fiscal != nil {
			go s.fiscal.SubmitItems(context.WithoutCancel(ctx), clickTransID, fiscalOrder, fiscalItems)
		}
		s.notifier.Notify(notifyUserID, notifyMsg)
	}
	return resp, nil
}
