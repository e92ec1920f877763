package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

func TestOrderRepositoryCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	repo := NewOrderRepository(db)
	order := &Order{
		UserID:          7,
		Status:          StatusNew,
		OrderType:       OrderTypeProduct,
		PaymentMethod:   PaymentCard,
		DeliveryMethod:  DeliveryPickup,
		DeliveryAddress: "Самовывоз: Чиланзар, 1",
		TotalAmount:     150000,
		ContactPhone:    "+998901234567",
		CreatedAtMs:     1724400000000,
	}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO shop.orders`)).
		WithArgs(
			order.UserID, order.Status, order.OrderType, order.PaymentMethod,
			order.DeliveryMethod, order.DeliveryAddress, order.TotalAmount,
			nil, order.ContactPhone, order.CreatedAtMs,
		).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	if err := repo.Create(context.Background(), tx, order); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != 42 {
		t.Fatalf("expected order id 42, got %d", order.ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestOrderRepositoryGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT`)).
		WithArgs(int64(999)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewOrderRepository(db)
	_, err = repo.Get(context.Background(), 999)
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestProductRepositoryDecrementStock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	repo := NewProductRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE shop.products`)).
		WithArgs(int64(5), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.DecrementStock(context.Background(), tx, 5, 3)
	if err != nil {
		t.Fatalf("decrement stock: %v", err)
	}
	if !ok {
		t.Fatalf("expected decrement to succeed")
	}
}

func TestProductRepositoryDecrementStockInsufficient(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	repo := NewProductRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE shop.products`)).
		WithArgs(int64(5), int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.DecrementStock(context.Background(), tx, 5, 100)
	if err != nil {
		t.Fatalf("decrement stock: %v", err)
	}
	if ok {
		t.Fatalf("expected decrement to report insufficient stock")
	}
}

func TestUserRepositoryDeductDebtSaturating(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	repo := NewUserRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE shop.users SET debt = GREATEST(COALESCE(debt, 0) - $2, 0) WHERE id = $1`)).
		WithArgs(int64(7), int64(50000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.DeductDebtSaturating(context.Background(), tx, 7, 50000); err != nil {
		t.Fatalf("deduct debt: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPaymeRepositoryCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	repo := NewPaymeTransactionRepository(db)
	txn := &PaymeTransaction{
		PaymeID:      "5f9a8b7c6d5e4f3a2b1c0d9e",
		OrderID:      42,
		Amount:       15000000,
		Time:         1724400000000,
		State:        PaymeStateCreated,
		CreateTimeMs: 1724400001000,
	}

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO shop.payme_transactions`)).
		WithArgs(txn.PaymeID, txn.OrderID, txn.Amount, txn.Time, txn.State, txn.CreateTimeMs).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

	if err := repo.Create(context.Background(), tx, txn); err != nil {
		t.Fatalf("create payme transaction: %v", err)
	}
	if txn.ID != 11 {
		t.Fatalf("expected transaction id 11, got %d", txn.ID)
	}
}

func TestPaymeRepositoryGetByPaymeIDNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	repo := NewPaymeTransactionRepository(db)
	_, err = repo.GetByPaymeID(context.Background(), tx, "missing")
	if !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound, got %v", err)
	}
}

func TestIsLockTimeout(t *testing.T) {
	lockErr := &pq.Error{Code: "55P03"}
	if !IsLockTimeout(lockErr) {
		t.Fatalf("expected 55P03 to be a lock timeout")
	}
	if IsLockTimeout(errors.New("boom")) {
		t.Fatalf("plain error must not be a lock timeout")
	}
	if IsLockTimeout(nil) {
		t.Fatalf("nil must not be a lock timeout")
	}
}
