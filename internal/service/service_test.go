package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/repository"
	"github.com/unicom/shop-payment/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.New("test", io.Discard)
}

func newOrderServiceWithDB(db *sql.DB, cfg *config.Config) *OrderService {
	return NewOrderService(db,
		repository.NewOrderRepository(db),
		repository.NewProductRepository(db),
		repository.NewCartRepository(db),
		repository.NewUserRepository(db),
		cfg, testLogger(), NopNotifier{}, NopRateLimiter{})
}

func TestParseID(t *testing.T) {
	cases := []struct {
		in   interface{}
		want int64
		ok   bool
	}{
		{nil, 0, false},
		{int64(42), 42, true},
		{42, 42, true},
		{float64(42), 42, true},
		{float64(42.5), 0, false},
		{json.Number("42"), 42, true},
		{json.Number("abc"), 0, false},
		{"42", 42, true},
		{"abc", 0, false},
		{true, 0, false},
	}

	for _, tc := range cases {
		got, ok := parseID(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("parseID(%#v) = (%d, %v), want (%d, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestOrderedQuantities(t *testing.T) {
	items := []*repository.OrderItem{
		{ProductID: 5, Quantity: 2},
		{ProductID: 5, Quantity: 1},
		{ProductID: 9, Quantity: 4},
		{ProductID: 0, Quantity: 3}, // deleted product, not drained
	}

	got := orderedQuantities(items)
	if len(got) != 2 {
		t.Fatalf("expected 2 products, got %d", len(got))
	}
	if got[5] != 3 {
		t.Fatalf("expected quantity 3 for product 5, got %d", got[5])
	}
	if got[9] != 4 {
		t.Fatalf("expected quantity 4 for product 9, got %d", got[9])
	}
}

func TestRunInTxCommitThenFail(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	sentinel := errors.New("business failure after commit")

	mock.ExpectBegin()
	mock.ExpectCommit()

	err = runInTx(context.Background(), db, 0, func(tx *sql.Tx) error {
		return commitThenFail(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = runInTx(context.Background(), db, 0, func(tx *sql.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
