package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/unicom/shop-payment/internal/metrics"
	"github.com/unicom/shop-payment/internal/service"
	"github.com/unicom/shop-payment/pkg/logger"
)

// ClickHandler Click 回调入口（form-urlencoded 进，JSON 出）
type ClickHandler struct {
	svc     *service.ClickService
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewClickHandler 创建入口
func NewClickHandler(svc *service.ClickService, log *logger.Logger, m *metrics.Metrics) *ClickHandler {
	return &ClickHandler{svc: svc, log: log, metrics: m}
}

// Prepare POST /api/click/prepare
func (h *ClickHandler) Prepare(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "prepare", h.svc.Prepare)
}

// Complete POST /api/click/complete
func (h *ClickHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, "complete", h.svc.Complete)
}

func (h *ClickHandler) handle(
	w http.ResponseWriter,
	r *http.Request,
	action string,
	fn func(ctx context.Context, req *service.ClickRequest) (*service.ClickResponse, error),
) {
	start := time.Now()
	defer func() {
		h.metrics.ObserveWebhookLatency("click", time.Since(start))
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.respond(w, action, &service.ClickResponse{
			Error:     service.ClickErrBadRequest,
			ErrorNote: "Invalid form data",
		})
		return
	}

	req := &service.ClickRequest{
		ClickTransID:    r.PostFormValue("click_trans_id"),
		ServiceID:       r.PostFormValue("service_id"),
		ClickPaydocID:   r.PostFormValue("click_paydoc_id"),
		MerchantTransID: r.PostFormValue("merchant_trans_id"),
		Amount:          r.PostFormValue("amount"),
		Action:          r.PostFormValue("action"),
		Error:           r.PostFormValue("error"),
		ErrorNote:       r.PostFormValue("error_note"),
		SignTime:        r.PostFormValue("sign_time"),
		SignString:      r.PostFormValue("sign_string"),
	}

	resp, err := fn(r.Context(), req)
	if err != nil {
		h.log.WithError(err).WithField("action", action).Error("click handler failed")
		resp = &service.ClickResponse{
			Error:     service.ClickErrUpdateFailed,
			ErrorNote: "Internal error",
		}
	}
	h.respond(w, action, resp)
}

func (h *ClickHandler) respond(w http.ResponseWriter, action string, resp *service.ClickResponse) {
	h.metrics.IncClickRequest(action, strconv.Itoa(resp.Error))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
