package main

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestParseFlags(t *testing.T) {
	cfg, err := parseFlags([]string{"--db-url", "postgres://localhost/shop", "--verbose", "--threshold-minutes", "45", "--timeout-minutes", "25", "--lock-timeout", "2s", "--cron", "*/5 * * * *"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.DBURL != "postgres://localhost/shop" {
		t.Fatalf("unexpected db url: %s", cfg.DBURL)
	}
	if !cfg.Verbose {
		t.Fatalf("expected verbose true")
	}
	if cfg.ThresholdMinutes != 45 {
		t.Fatalf("expected threshold 45, got %d", cfg.ThresholdMinutes)
	}
	if cfg.TimeoutMinutes != 25 {
		t.Fatalf("expected timeout 25, got %d", cfg.TimeoutMinutes)
	}
	if cfg.LockTimeout != 2*time.Second {
		t.Fatalf("expected lock timeout 2s, got %s", cfg.LockTimeout)
	}
	if cfg.Cron != "*/5 * * * *" {
		t.Fatalf("expected cron to be set")
	}

	if _, err := parseFlags([]string{}); err == nil {
		t.Fatalf("expected error for missing db url")
	}
	if _, err := parseFlags([]string{"--db-url"}); err == nil {
		t.Fatalf("expected error for invalid args")
	}
}

func TestRunCLIValidationAndOpenErrors(t *testing.T) {
	var out bytes.Buffer
	var errOut bytes.Buffer

	code := runCLI(context.Background(), []string{}, &out, &errOut, func(dsn string) (*sql.DB, error) {
		return nil, nil
	})
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "missing required --db-url") {
		t.Fatalf("expected missing db url error, got %q", errOut.String())
	}

	errOut.Reset()
	code = runCLI(context.Background(), []string{"--db-url", "postgres://localhost/shop"}, &out, &errOut, func(dsn string) (*sql.DB, error) {
		return nil, errors.New("open failed")
	})
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "failed to connect to database") {
		t.Fatalf("expected connect error, got %q", errOut.String())
	}
}

func TestRunCLIPingError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing().WillReturnError(errors.New("ping failed"))

	var out bytes.Buffer
	var errOut bytes.Buffer
	code := runCLI(context.Background(), []string{"--db-url", "postgres://localhost/shop"}, &out, &errOut, func(dsn string) (*sql.DB, error) {
		return db, nil
	})
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "failed to ping database") {
		t.Fatalf("expected ping error, got %q", errOut.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunOnceEmptySweep(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT o.id FROM shop.orders o").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	var out bytes.Buffer
	var errOut bytes.Buffer
	code := runCLI(context.Background(), []string{"--db-url", "postgres://localhost/shop", "--verbose"}, &out, &errOut, func(dsn string) (*sql.DB, error) {
		return db, nil
	})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "0 stale orders cancelled") {
		t.Fatalf("expected sweep summary, got %q", out.String())
	}
	if errOut.Len() != 0 {
		t.Fatalf("expected no stderr output, got %q", errOut.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunOnceSweepQueryError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT o.id FROM shop.orders o").
		WillReturnError(errors.New("query failed"))

	var out bytes.Buffer
	var errOut bytes.Buffer
	code := runCLI(context.Background(), []string{"--db-url", "postgres://localhost/shop"}, &out, &errOut, func(dsn string) (*sql.DB, error) {
		return db, nil
	})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "sweep failed") {
		t.Fatalf("expected sweep error, got %q", errOut.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunScheduledInvalidCron(t *testing.T) {
	var out bytes.Buffer
	var errOut bytes.Buffer
	code := runScheduled(context.Background(), reaperConfig{
		DBURL: "postgres://localhost/shop",
		Cron:  "invalid",
	}, &out, &errOut, func(dsn string) (*sql.DB, error) {
		return nil, errors.New("should not open")
	})
	if code != 2 {
		t.Fatalf("expected exit code 2, got %d", code)
	}
	if !strings.Contains(errOut.String(), "invalid cron expression") {
		t.Fatalf("expected cron error, got %q", errOut.String())
	}
}

func TestRunScheduledValidCron(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectQuery("SELECT o.id FROM shop.orders o").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan int, 1)
	go func() {
		code := runScheduled(ctx, reaperConfig{
			DBURL: "postgres://localhost/shop",
			Cron:  "*/1 * * * *",
		}, &bytes.Buffer{}, &bytes.Buffer{}, func(dsn string) (*sql.DB, error) {
			return db, nil
		})
		done <- code
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	code := <-done
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMainUsesInjectedFunctions(t *testing.T) {
	originalRunCLI := runCLIFunc
	originalExit := exitFunc
	defer func() {
		runCLIFunc = originalRunCLI
		exitFunc = originalExit
	}()

	runCalled := false
	runCLIFunc = func(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
		runCalled = true
		return 0
	}

	var exitCode int
	exitFunc = func(code int) {
		exitCode = code
	}

	originalArgs := os.Args
	os.Args = []string{"reaper"}
	defer func() { os.Args = originalArgs }()

	main()
	if !runCalled {
		t.Fatalf("expected runCLI to be called")
	}
	if exitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", exitCode)
	}
}
