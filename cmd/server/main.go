package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediserve/internal/clock"
	"mediserve/internal/config"
	"mediserve/internal/events"
	"mediserve/internal/identity"
	"mediserve/internal/inventory"
	"mediserve/internal/lock"
	"mediserve/internal/middleware"
	"mediserve/internal/order"
	"mediserve/internal/queue"
	"mediserve/internal/router"
	"mediserve/internal/store"
	rediskey "mediserve/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		config.NewLogger("error").WithError(err).Fatal("load config")
	}
	logger := config.NewLogger(cfg.LogLevel)

	// 1. 打开 SQLite，自动建表
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("open store")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. 单实例用本地锁；配置 Redis 后切换为分布式锁 + 库存缓存 + 事件外发
	var (
		locker    lock.Locker      = lock.NewLocal()
		publisher events.Publisher = events.Nop{}
		cache     router.StockCache
		limiter   gin.HandlerFunc
	)
	if cfg.Distributed() {
		rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("connect redis")
		}
		defer rdb.Close()

		locker = rediskey.NewLocker(rdb, cfg.LockTTL)
		cache = rediskey.NewStockCache(rdb, cfg.StockCacheTTL)
		limiter = middleware.RedisRateLimit(rdb, cfg.CheckoutRateLimit, cfg.CheckoutRateWindow, logger)
		publisher = events.NewStreamPublisher(rdb, cfg.OrderEventStream)

		producer := events.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		relay := events.NewRelay(rdb, producer, logger, cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer)
		go relay.Run(ctx)
	}

	clk := clock.System{}
	users := identity.NewDirectory(db)
	ledger := inventory.NewLedger(db, locker, clk, logger.WithField("module", "inventory"))
	orders := order.NewService(order.Deps{
		DB:        db,
		Locker:    locker,
		Registry:  queue.NewRegistry(locker),
		Allocator: inventory.NewAllocator(db, locker),
		Priority:  users,
		Clock:     clk,
		Events:    publisher,
		Log:       logger.WithField("module", "order"),
		Drivers:   cfg.Drivers,
	})

	sweeper := inventory.NewSweeper(ledger, cfg.SweepInterval, logger.WithField("module", "sweeper"))
	if cache != nil {
		sweeper.OnSwept = func(ctx context.Context, ids []uint) {
			if err := cache.Forget(ctx, ids...); err != nil {
				logger.WithError(err).Warn("forget swept stock")
			}
		}
	}
	go sweeper.Run(ctx)

	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		Orders:        orders,
		Ledger:        ledger,
		Users:         users,
		Cache:         cache,
		CheckoutLimit: limiter,
		AdminToken:    cfg.AdminToken,
		ExpiringDays:  cfg.ExpiringSoonDays,
		Log:           logger.WithField("module", "router"),
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("http serve")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("http shutdown")
	}
	logger.Info("bye")
}
