// Package handler 支付供应商 HTTP 接入层
package handler

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/metrics"
	"github.com/unicom/shop-payment/internal/service"
	"github.com/unicom/shop-payment/pkg/logger"
)

// PaymeHandler Payme JSON-RPC 2.0 入口
type PaymeHandler struct {
	svc     *service.PaymeService
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewPaymeHandler 创建入口
func NewPaymeHandler(svc *service.PaymeService, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) *PaymeHandler {
	return &PaymeHandler{svc: svc, cfg: cfg, log: log, metrics: m}
}

type paymeRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// paymeParams 六个方法的参数并集
type paymeParams struct {
	ID      string                 `json:"id"`
	Time    int64                  `json:"time"`
	Amount  interface{}            `json:"amount"`
	Account map[string]interface{} `json:"account"`
	Reason  int64                  `json:"reason"`
	From    int64                  `json:"from"`
	To      int64                  `json:"to"`
}

func (h *PaymeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		h.metrics.ObserveWebhookLatency("payme", time.Since(start))
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var req paymeRequest
	if err := dec.Decode(&req); err != nil {
		h.metrics.IncPaymeRequest("unknown", strconv.Itoa(service.PaymeErrJSONParse))
		writePaymeError(w, nil, &service.PaymeError{
			Code:    service.PaymeErrJSONParse,
			Message: map[string]string{"ru": "Ошибка разбора запроса"},
		})
		return
	}

	if !h.authorized(r) {
		h.metrics.IncPaymeRequest(req.Method, strconv.Itoa(service.PaymeErrInsufficientPrivilege))
		writePaymeError(w, req.ID, &service.PaymeError{
			Code:    service.PaymeErrInsufficientPrivilege,
			Message: map[string]string{"ru": "Недостаточно привилегий"},
		})
		return
	}

	var params paymeParams
	if len(req.Params) > 0 {
		pdec := json.NewDecoder(bytes.NewReader(req.Params))
		pdec.UseNumber()
		if err := pdec.Decode(&params); err != nil {
			h.metrics.IncPaymeRequest(req.Method, strconv.Itoa(service.PaymeErrJSONParse))
			writePaymeError(w, req.ID, &service.PaymeError{
				Code:    service.PaymeErrJSONParse,
				Message: map[string]string{"ru": "Ошибка разбора запроса"},
			})
			return
		}
	}

	ctx := r.Context()
	if req.ID != nil {
		ctx = logger.ContextWithRequestID(ctx, fmt.Sprint(req.ID))
	}
	var result map[string]interface{}
	var err error

	switch req.Method {
	case "CheckPerformTransaction":
		result, err = h.svc.CheckPerformTransaction(ctx, params.Amount, params.Account)
	case "CreateTransaction":
		result, err = h.svc.CreateTransaction(ctx, params.ID, params.Time, params.Amount, params.Account)
	case "PerformTransaction":
		result, err = h.svc.PerformTransaction(ctx, params.ID)
	case "CancelTransaction":
		result, err = h.svc.CancelTransaction(ctx, params.ID, params.Reason)
	case "CheckTransaction":
		result, err = h.svc.CheckTransaction(ctx, params.ID)
	case "GetStatement":
		result, err = h.svc.GetStatement(ctx, params.From, params.To)
	case "ChangePassword":
		result, err = h.svc.ChangePassword(ctx)
	default:
		h.metrics.IncPaymeRequest(req.Method, strconv.Itoa(service.PaymeErrMethodNotFound))
		writePaymeError(w, req.ID, &service.PaymeError{
			Code:    service.PaymeErrMethodNotFound,
			Message: map[string]string{"ru": "Метод не найден"},
		})
		return
	}

	if err != nil {
		var pe *service.PaymeError
		if !errors.As(err, &pe) {
			h.log.WithContext(ctx).WithError(err).WithField("method", req.Method).Error("payme handler failed")
			pe = &service.PaymeError{
				Code:    service.PaymeErrSystem,
				Message: map[string]string{"ru": "Внутренняя ошибка"},
			}
		}
		h.metrics.IncPaymeRequest(req.Method, strconv.Itoa(pe.Code))
		writePaymeError(w, req.ID, pe)
		return
	}

	h.metrics.IncPaymeRequest(req.Method, "ok")
	writePaymeResult(w, req.ID, result)
}

// authorized Basic 认证密码必须等于 PAYME_KEY
func (h *PaymeHandler) authorized(r *http.Request) bool {
	_, password, ok := r.BasicAuth()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(h.cfg.PaymeKey)) == 1
}

func writePaymeResult(w http.ResponseWriter, id interface{}, result map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
}

func writePaymeError(w http.ResponseWriter, id interface{}, pe *service.PaymeError) {
	errBody := map[string]interface{}{
		"code":    pe.Code,
		"message": pe.Message,
	}
	if pe.Data != "" {
		errBody["data"] = pe.Data
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   errBody,
	})
}
