package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/metrics"
	"github.com/unicom/shop-payment/internal/service"
	"github.com/unicom/shop-payment/pkg/logger"
)

func newTestPaymeHandler() *PaymeHandler {
	cfg := &config.Config{PaymeKey: "payme-test-key"}
	log := logger.New("test", io.Discard)
	svc := service.NewPaymeService(nil, nil, nil, nil, nil, cfg, log, service.NopNotifier{})
	return NewPaymeHandler(svc, cfg, log, metrics.New())
}

func paymeCall(t *testing.T, h *PaymeHandler, body string, authed bool) map[string]interface{} {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/payme", strings.NewReader(body))
	if authed {
		req.SetBasicAuth("Paycom", "payme-test-key")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var envelope map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return envelope
}

func paymeErrorCode(t *testing.T, envelope map[string]interface{}) float64 {
	t.Helper()

	errBody, ok := envelope["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", envelope)
	}
	code, ok := errBody["code"].(float64)
	if !ok {
		t.Fatalf("expected numeric error code, got %v", errBody["code"])
	}
	return code
}

func TestPaymeHandlerParseError(t *testing.T) {
	h := newTestPaymeHandler()

	envelope := paymeCall(t, h, "{not json", true)
	if code := paymeErrorCode(t, envelope); code != -32700 {
		t.Fatalf("expected -32700, got %v", code)
	}
	if envelope["id"] != nil {
		t.Fatalf("expected null id on parse error, got %v", envelope["id"])
	}
}

func TestPaymeHandlerUnauthorized(t *testing.T) {
	h := newTestPaymeHandler()

	body := `{"jsonrpc":"2.0","id":1,"method":"CheckTransaction","params":{"id":"x"}}`
	envelope := paymeCall(t, h, body, false)
	if code := paymeErrorCode(t, envelope); code != -32504 {
		t.Fatalf("expected -32504, got %v", code)
	}
	if envelope["id"] != float64(1) {
		t.Fatalf("expected request id echoed, got %v", envelope["id"])
	}
}

func TestPaymeHandlerMethodNotFound(t *testing.T) {
	h := newTestPaymeHandler()

	body := `{"jsonrpc":"2.0","id":2,"method":"DoSomething","params":{}}`
	envelope := paymeCall(t, h, body, true)
	if code := paymeErrorCode(t, envelope); code != -32601 {
		t.Fatalf("expected -32601, got %v", code)
	}
}

func TestPaymeHandlerChangePassword(t *testing.T) {
	h := newTestPaymeHandler()

	body := `{"jsonrpc":"2.0","id":3,"method":"ChangePassword","params":{"password":"new"}}`
	envelope := paymeCall(t, h, body, true)

	result, ok := envelope["result"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected result envelope, got %v", envelope)
	}
	if result["success"] != true {
		t.Fatalf("expected success true, got %v", result["success"])
	}
}

func TestPaymeHandlerRejectsGet(t *testing.T) {
	h := newTestPaymeHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/payme", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func newTestClickHandler() *ClickHandler {
	cfg := &config.Config{ClickSecretKey: "click-test-secret"}
	log := logger.New("test", io.Discard)
	svc := service.NewClickService(nil, nil, nil, nil, nil, cfg, log, service.NopNotifier{}, nil)
	return NewClickHandler(svc, log, metrics.New())
}

func TestClickHandlerBadSignature(t *testing.T) {
	h := newTestClickHandler()

	form := url.Values{}
	form.Set("click_trans_id", "777")
	form.Set("service_id", "12345")
	form.Set("merchant_trans_id", "42")
	form.Set("amount", "50000")
	form.Set("action", "0")
	form.Set("sign_time", "2026-08-24 12:00:00")
	form.Set("sign_string", "deadbeef")

	req := httptest.NewRequest(http.MethodPost, "/api/click/prepare", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.Prepare(rec, req)

	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["error"] != float64(-1) {
		t.Fatalf("expected sign check failure, got %v", resp["error"])
	}
}

func TestClickHandlerRejectsGet(t *testing.T) {
	h := newTestClickHandler()

	req := httptest.NewRequest(http.MethodGet, "/api/click/complete", nil)
	rec := httptest.NewRecorder()
	h.Complete(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
