// requeue 从头重排整个订单队列：优先级用户在前，同类按首次入队时间排序。
// 批量更新证件或手工修改 orders 表之后运行。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"mediserve/internal/config"
	"mediserve/internal/identity"
	"mediserve/internal/lock"
	"mediserve/internal/order"
	"mediserve/internal/store"
	rediskey "mediserve/pkg/redis"

	rd "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	dbPath := flag.String("db", cfg.DBPath, "sqlite database path")
	quiet := flag.Bool("q", false, "only print the number of queued orders")
	flag.Parse()

	logger := config.NewLogger(cfg.LogLevel)
	db, err := store.Open(*dbPath)
	if err != nil {
		logger.WithError(err).Fatal("open store")
	}

	// 配置 Redis 时与运行中的服务共用队列锁；否则需先停服
	var locker lock.Locker = lock.NewLocal()
	if cfg.Distributed() {
		rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
		locker = rediskey.NewLocker(rdb, cfg.LockTTL)
	}

	svc := order.NewService(order.Deps{
		DB:       db,
		Locker:   locker,
		Priority: identity.NewDirectory(db),
		Log:      logger,
	})
	out, err := svc.RequeueAll(context.Background())
	if err != nil {
		logger.WithError(err).Fatal("requeue")
	}

	if *quiet {
		fmt.Println(len(out))
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tORDER\tUSER\tCLASS")
	for _, a := range out {
		class := "regular"
		if a.Priority {
			class = "priority"
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", a.Number, a.OrderID, a.UserID, class)
	}
	w.Flush()
}
