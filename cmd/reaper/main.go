package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/metrics"
	"github.com/unicom/shop-payment/internal/repository"
	"github.com/unicom/shop-payment/internal/service"
	"github.com/unicom/shop-payment/pkg/logger"
)

type reaperConfig struct {
	DBURL            string
	Verbose          bool
	Cron             string
	ThresholdMinutes int
	TimeoutMinutes   int
	LockTimeout      time.Duration
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (reaperConfig, error) {
	fs := flag.NewFlagSet("reaper", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg reaperConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled sweeps")
	fs.IntVar(&cfg.ThresholdMinutes, "threshold-minutes", 30, "age in minutes after which an unpaid online order is cancelled")
	fs.IntVar(&cfg.TimeoutMinutes, "timeout-minutes", 20, "payment window in minutes for online orders")
	fs.DurationVar(&cfg.LockTimeout, "lock-timeout", 5*time.Second, "row lock wait timeout per order")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}

	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg reaperConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	if err := sweepWithDB(ctx, db, cfg, out); err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 1
	}
	return 0
}

func runScheduled(ctx context.Context, cfg reaperConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled reaper...")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, cfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled sweep...")
		}
		if code := runOnce(ctx, cfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled sweep exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func sweepWithDB(ctx context.Context, db *sql.DB, cfg reaperConfig, out io.Writer) error {
	appCfg := &config.Config{
		OrderPaymentTimeout: time.Duration(cfg.TimeoutMinutes) * time.Minute,
		ReaperThreshold:     time.Duration(cfg.ThresholdMinutes) * time.Minute,
		LockTimeout:         cfg.LockTimeout,
	}
	log := logger.New("shop-payment-reaper", os.Stdout)

	orderRepo := repository.NewOrderRepository(db)
	productRepo := repository.NewProductRepository(db)
	cartRepo := repository.NewCartRepository(db)
	userRepo := repository.NewUserRepository(db)
	paymeRepo := repository.NewPaymeTransactionRepository(db)

	orderSvc := service.NewOrderService(db, orderRepo, productRepo, cartRepo, userRepo,
		appCfg, log, service.NopNotifier{}, service.NopRateLimiter{})
	reaper := service.NewReaper(db, orderRepo, paymeRepo, orderSvc, appCfg, log, metrics.New())

	cancelled, err := reaper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	if cfg.Verbose || cancelled > 0 {
		fmt.Fprintf(out, "✓ Sweep finished: %d stale orders cancelled\n", cancelled)
	}
	return nil
}
