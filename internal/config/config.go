package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig 聚合运行时配置，通过环境变量（或 .env）注入。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	// RedisAddr 为空时单实例运行：本地锁、无库存缓存、无事件外发。
	RedisAddr string
	RedisDB   int

	KafkaBrokers []string
	KafkaTopic   string

	// Redis Stream outbox（提交后写入，Relay 异步转 Kafka）
	OrderEventStream   string
	OrderEventGroup    string
	OrderEventConsumer string

	// 结算接口限流与库存缓存策略
	CheckoutRateLimit  int
	CheckoutRateWindow time.Duration
	StockCacheTTL      time.Duration

	LockTTL          time.Duration
	SweepInterval    time.Duration
	ExpiringSoonDays int

	AdminToken string
	// 配送员名单；为空时接受任意名字
	Drivers  []string
	LogLevel string
}

// Distributed 是否启用 Redis（分布式锁、库存缓存、事件外发）。
func (c AppConfig) Distributed() bool { return c.RedisAddr != "" }

// Load 先读取 .env（若存在），再读环境变量并校验，缺失时使用默认值。
func Load() (AppConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return AppConfig{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := AppConfig{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		DBPath:             getEnv("DB_PATH", "mediserve.db"),
		RedisAddr:          strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		KafkaBrokers:       splitCSV(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "mediserve-order-events"),
		OrderEventStream:   getEnv("ORDER_EVENT_STREAM", "mediserve:order_events"),
		OrderEventGroup:    getEnv("ORDER_EVENT_GROUP", "mediserve-relay-group"),
		OrderEventConsumer: getEnv("ORDER_EVENT_CONSUMER", "mediserve-relay-1"),
		AdminToken:         getEnv("ADMIN_TOKEN", "dev-admin-token"),
		Drivers:            splitCSV(os.Getenv("DRIVERS")),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	ints := []struct {
		key      string
		fallback int
		unit     time.Duration
		dst      *time.Duration
	}{
		{"CHECKOUT_RATE_WINDOW_SEC", 60, time.Second, &cfg.CheckoutRateWindow},
		{"STOCK_CACHE_TTL_MIN", 10, time.Minute, &cfg.StockCacheTTL},
		{"LOCK_TTL_SEC", 10, time.Second, &cfg.LockTTL},
		{"SWEEP_INTERVAL_MIN", 60, time.Minute, &cfg.SweepInterval},
	}
	for _, d := range ints {
		v, err := getEnvInt(d.key, d.fallback)
		if err != nil {
			return AppConfig{}, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		if v <= 0 {
			return AppConfig{}, fmt.Errorf("%s must be > 0", d.key)
		}
		*d.dst = time.Duration(v) * d.unit
	}

	if cfg.CheckoutRateLimit, err = getEnvInt("CHECKOUT_RATE_LIMIT", 5); err != nil {
		return AppConfig{}, fmt.Errorf("invalid CHECKOUT_RATE_LIMIT: %w", err)
	}
	if cfg.CheckoutRateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("CHECKOUT_RATE_LIMIT must be > 0")
	}
	if cfg.ExpiringSoonDays, err = getEnvInt("EXPIRING_SOON_DAYS", 30); err != nil {
		return AppConfig{}, fmt.Errorf("invalid EXPIRING_SOON_DAYS: %w", err)
	}
	if cfg.ExpiringSoonDays <= 0 {
		return AppConfig{}, fmt.Errorf("EXPIRING_SOON_DAYS must be > 0")
	}

	if cfg.Distributed() {
		if len(cfg.KafkaBrokers) == 0 {
			return AppConfig{}, fmt.Errorf("KAFKA_BROKERS must not be empty")
		}
		if cfg.KafkaTopic == "" || cfg.OrderEventStream == "" || cfg.OrderEventGroup == "" || cfg.OrderEventConsumer == "" {
			return AppConfig{}, fmt.Errorf("kafka topic and order event stream settings must not be empty")
		}
	}
	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
