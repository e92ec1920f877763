package service

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/repository"
)

func TestCreateOrderInsufficientStock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	nowMs := int64(1724400000000)
	cfg := &config.Config{OrderPaymentTimeout: 20 * time.Minute}
	svc := newOrderServiceWithDB(db, cfg)
	svc.now = func() int64 { return nowMs }

	cutoff := nowMs - cfg.OrderPaymentTimeout.Milliseconds()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM shop.orders`)).
		WithArgs(repository.StatusNew, repository.PaymentCard, repository.PaymentClick,
			cutoff, int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM shop.orders`)).
		WithArgs(int64(7), repository.StatusNew, repository.PaymentCard,
			repository.PaymentClick, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM shop.cart_items ci`)).
		WithArgs(pq.Array([]int64{5}), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "product_id", "quantity", "product_missing",
			"name", "price", "stock", "is_active",
		}).AddRow(5, 7, 9, 3, false, "Коробка конфет", 25000, 1, true))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE shop.products`)).
		WithArgs(int64(9), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0)) // 库存不足，守卫未命中
	mock.ExpectQuery(regexp.QuoteMeta(`FROM shop.products`)).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "price", "stock", "is_active", "ikpu", "package_code",
		}).AddRow(9, "Коробка конфет", 25000, 1, true, "", ""))
	mock.ExpectRollback()

	user := &repository.User{ID: 7, Phone: "+998901234567"}
	_, err = svc.CreateOrder(context.Background(), user, &CreateOrderRequest{
		ItemIDs:        []int64{5},
		DeliveryMethod: repository.DeliveryPickup,
		PaymentMethod:  repository.PaymentCash,
		Phone:          "+998901234567",
	})

	var oe *OrderError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OrderError, got %v", err)
	}
	if oe.Code != "insufficient_stock" {
		t.Fatalf("expected insufficient_stock, got %q", oe.Code)
	}
	if oe.ProductID != 9 || oe.Stock != 1 {
		t.Fatalf("expected product 9 with stock 1, got product %d stock %d", oe.ProductID, oe.Stock)
	}
	if oe.Status != 400 {
		t.Fatalf("expected http 400, got %d", oe.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
