package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/unicom/shop-payment/internal/metrics"
	"github.com/unicom/shop-payment/internal/repository"
	"github.com/unicom/shop-payment/internal/service"
	"github.com/unicom/shop-payment/pkg/logger"
)

// OrderHandler 商城侧下单接口。用户身份由网关注入 X-User-Id。
type OrderHandler struct {
	svc     *service.OrderService
	users   *repository.UserRepository
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewOrderHandler 创建入口
func NewOrderHandler(svc *service.OrderService, users *repository.UserRepository, log *logger.Logger, m *metrics.Metrics) *OrderHandler {
	return &OrderHandler{svc: svc, users: users, log: log, metrics: m}
}

type createOrderRequest struct {
	ItemIDs        []int64 `json:"item_ids"`
	DeliveryMethod string  `json:"delivery_method"`
	PaymentMethod  string  `json:"payment_method"`
	Phone          string  `json:"phone"`
	Address        string  `json:"address"`
	Comment        string  `json:"comment"`
}

type payDebtRequest struct {
	Amount int64 `json:"amount"`
}

// Orders 路由 /api/orders：POST 下单，GET 列出历史订单
func (h *OrderHandler) Orders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *OrderHandler) create(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	result, err := h.svc.CreateOrder(r.Context(), user, &service.CreateOrderRequest{
		ItemIDs:        req.ItemIDs,
		DeliveryMethod: req.DeliveryMethod,
		PaymentMethod:  req.PaymentMethod,
		Phone:          req.Phone,
		Address:        req.Address,
		Comment:        req.Comment,
	})
	if err != nil {
		h.writeOrderError(w, err)
		return
	}

	h.metrics.IncOrderCreated(req.PaymentMethod)
	writeJSON(w, http.StatusOK, result)
}

type orderView struct {
	ID              int64  `json:"id"`
	Status          string `json:"status"`
	OrderType       string `json:"order_type"`
	PaymentMethod   string `json:"payment_method"`
	DeliveryMethod  string `json:"delivery_method"`
	DeliveryAddress string `json:"delivery_address,omitempty"`
	TotalAmount     int64  `json:"total_amount"`
	Comment         string `json:"comment,omitempty"`
	ContactPhone    string `json:"contact_phone"`
	CreatedAtMs     int64  `json:"created_at_ms"`
}

func (h *OrderHandler) list(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	orders, err := h.svc.ListOrders(r.Context(), user.ID)
	if err != nil {
		h.log.WithError(err).Error("list orders failed")
		writeDetail(w, http.StatusInternalServerError, "internal", "Internal error")
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, orderView{
			ID:              o.ID,
			Status:          o.Status,
			OrderType:       o.OrderType,
			PaymentMethod:   o.PaymentMethod,
			DeliveryMethod:  o.DeliveryMethod,
			DeliveryAddress: o.DeliveryAddress,
			TotalAmount:     o.TotalAmount,
			Comment:         o.Comment,
			ContactPhone:    o.ContactPhone,
			CreatedAtMs:     o.CreatedAtMs,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": views})
}

// PayDebt POST /api/orders/pay_debt
func (h *OrderHandler) PayDebt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	var req payDebtRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid_body", "Invalid request body")
		return
	}

	result, err := h.svc.CreateDebtOrder(r.Context(), user, req.Amount)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}

	h.metrics.IncOrderCreated(repository.PaymentCard)
	writeJSON(w, http.StatusOK, result)
}

func (h *OrderHandler) requestUser(w http.ResponseWriter, r *http.Request) (*repository.User, bool) {
	userIDStr := strings.TrimSpace(r.Header.Get("X-User-Id"))
	userID, err := strconv.ParseInt(userIDStr, 10, 64)
	if err != nil || userID <= 0 {
		writeDetail(w, http.StatusUnauthorized, "unauthorized", "X-User-Id header required")
		return nil, false
	}

	user, err := h.users.Get(r.Context(), userID)
	if errors.Is(err, repository.ErrUserNotFound) {
		writeDetail(w, http.StatusUnauthorized, "unauthorized", "User not found")
		return nil, false
	}
	if err != nil {
		h.log.WithError(err).Error("load user failed")
		writeDetail(w, http.StatusInternalServerError, "internal", "Internal error")
		return nil, false
	}
	return user, true
}

func (h *OrderHandler) writeOrderError(w http.ResponseWriter, err error) {
	var oe *service.OrderError
	if errors.As(err, &oe) {
		body := map[string]interface{}{
			"detail": oe.Message,
			"code":   oe.Code,
		}
		if oe.ProductID != 0 {
			body["product_id"] = oe.ProductID
			body["stock"] = oe.Stock
		}
		writeJSON(w, oe.Status, body)
		return
	}
	h.log.WithError(err).Error("order handler failed")
	writeDetail(w, http.StatusInternalServerError, "internal", "Internal error")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]interface{}{"detail": detail, "code": code})
}
