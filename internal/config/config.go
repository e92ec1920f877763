// Package config 配置
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// Payme
	PaymeID           string
	PaymeKey          string
	PaymeURL          string
	PaymeAccountField string
	PaymeMinAmount    int64

	// Click
	ClickServiceID      string
	ClickMerchantID     string
	ClickSecretKey      string
	ClickMerchantUserID string
	ClickFiscalURL      string

	// 订单
	OrderPaymentTimeout time.Duration // 在线订单支付窗口
	OrderCooldown       time.Duration // 同一用户两次下单的最小间隔
	DefaultPackageCode  string

	// 行锁
	LockTimeout time.Duration

	// Reaper
	ReaperInterval  time.Duration
	ReaperThreshold time.Duration

	// 通知
	NotifyStream    string
	NotifyWorkers   int
	NotifyQueueSize int
}

// Load 加载配置
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using system environment variables")
	}

	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "shop-payment"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8080),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "shop_db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		PaymeID:           getEnv("PAYME_ID", ""),
		PaymeKey:          getEnv("PAYME_KEY", ""),
		PaymeURL:          getEnv("PAYME_URL", "https://checkout.paycom.uz"),
		PaymeAccountField: getEnv("PAYME_ACCOUNT_FIELD", "order_id"),
		PaymeMinAmount:    getEnvInt64("PAYME_MIN_AMOUNT", 100000),

		ClickServiceID:      getEnv("CLICK_SERVICE_ID", ""),
		ClickMerchantID:     getEnv("CLICK_MERCHANT_ID", ""),
		ClickSecretKey:      getEnv("CLICK_SECRET_KEY", ""),
		ClickMerchantUserID: getEnv("CLICK_MERCHANT_USER_ID", ""),
		ClickFiscalURL:      getEnv("CLICK_FISCAL_URL", "https://api.click.uz/v2/merchant/payment/ofd_data/submit_items"),

		OrderPaymentTimeout: time.Duration(getEnvInt("ORDER_PAYMENT_TIMEOUT_MINUTES", 20)) * time.Minute,
		OrderCooldown:       getEnvDuration("ORDER_COOLDOWN", 10*time.Second),
		DefaultPackageCode:  getEnv("DEFAULT_PACKAGE_CODE", "000000"),

		LockTimeout: getEnvDuration("LOCK_TIMEOUT", 5*time.Second),

		ReaperInterval:  getEnvDuration("REAPER_INTERVAL", time.Minute),
		ReaperThreshold: time.Duration(getEnvInt("REAPER_THRESHOLD_MINUTES", 30)) * time.Minute,

		NotifyStream:    getEnv("NOTIFY_STREAM", "shop:notifications"),
		NotifyWorkers:   getEnvInt("NOTIFY_WORKERS", 2),
		NotifyQueueSize: getEnvInt("NOTIFY_QUEUE_SIZE", 256),
	}
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
