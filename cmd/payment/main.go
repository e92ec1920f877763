package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/unicom/shop-payment/internal/client"
	"github.com/unicom/shop-payment/internal/config"
	"github.com/unicom/shop-payment/internal/handler"
	"github.com/unicom/shop-payment/internal/metrics"
	"github.com/unicom/shop-payment/internal/middleware"
	"github.com/unicom/shop-payment/internal/notify"
	"github.com/unicom/shop-payment/internal/repository"
	"github.com/unicom/shop-payment/internal/service"
	"github.com/unicom/shop-payment/pkg/health"
	"github.com/unicom/shop-payment/pkg/logger"
)

func main() {
	cfg := config.Load()
	appLog := logger.New(cfg.ServiceName, os.Stdout)
	appLog.Info("starting " + cfg.ServiceName)

	// PostgreSQL
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	appLog.Info("connected to PostgreSQL")

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	appLog.Info("connected to Redis")

	// 仓储
	orderRepo := repository.NewOrderRepository(db)
	productRepo := repository.NewProductRepository(db)
	cartRepo := repository.NewCartRepository(db)
	userRepo := repository.NewUserRepository(db)
	paymeRepo := repository.NewPaymeTransactionRepository(db)
	clickRepo := repository.NewClickTransactionRepository(db)

	// 基础设施
	m := metrics.New()
	notifier := notify.NewStreamNotifier(rdb, cfg.NotifyStream, cfg.NotifyWorkers, cfg.NotifyQueueSize, appLog)
	defer notifier.Close()
	limiter := middleware.NewOrderRateLimiter(rdb)
	fiscal := client.NewFiscalClient(cfg, appLog)

	// 服务
	orderSvc := service.NewOrderService(db, orderRepo, productRepo, cartRepo, userRepo, cfg, appLog, notifier, limiter)
	paymeSvc := service.NewPaymeService(db, orderRepo, userRepo, paymeRepo, orderSvc, cfg, appLog, notifier)
	clickSvc := service.NewClickService(db, orderRepo, userRepo, clickRepo, orderSvc, cfg, appLog, notifier, fiscal)
	reaper := service.NewReaper(db, orderRepo, paymeRepo, orderSvc, cfg, appLog, m)

	// 健康检查
	hc := health.New()
	hc.Register(health.NewPostgresChecker(db))
	hc.Register(health.NewRedisChecker(rdb))
	hc.SetReady(true)

	// HTTP 路由
	paymeHandler := handler.NewPaymeHandler(paymeSvc, cfg, appLog, m)
	clickHandler := handler.NewClickHandler(clickSvc, appLog, m)
	orderHandler := handler.NewOrderHandler(orderSvc, userRepo, appLog, m)

	mux := http.NewServeMux()
	mux.Handle("/api/payme", paymeHandler)
	mux.HandleFunc("/api/click/prepare", clickHandler.Prepare)
	mux.HandleFunc("/api/click/complete", clickHandler.Complete)
	mux.HandleFunc("/api/orders", orderHandler.Orders)
	mux.HandleFunc("/api/orders/pay_debt", orderHandler.PayDebt)
	mux.HandleFunc("/health/live", hc.LiveHandler())
	mux.HandleFunc("/health/ready", hc.ReadyHandler())
	mux.Handle("/metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 内置清扫器
	go reaper.Run(ctx)

	go func() {
		appLog.Infof("http server listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.WithError(err).Error("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	appLog.Info("shutting down")
	hc.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.WithError(err).Error("http server shutdown failed")
	}
	appLog.Info("bye")
}
