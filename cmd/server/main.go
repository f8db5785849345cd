package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fundledger/internal/config"
	"fundledger/internal/handler"
	"fundledger/internal/infrastructure/cache"
	"fundledger/internal/infrastructure/database"
	"fundledger/internal/infrastructure/lock"
	"fundledger/internal/infrastructure/mq"
	"fundledger/internal/job"
	"fundledger/internal/repository"
	"fundledger/internal/service"
	"fundledger/pkg/idgen"
)

func main() {
	// 加载配置
	cfg := config.LoadConfig("config/config.yaml")

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis（分布式锁）
	redisClient := cache.InitRedis(&cfg.Redis)
	lockMgr := lock.NewRedisManager(redisClient)

	// 初始化 Kafka
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 业务服务（后台任务与 HTTP 共用一套）
	notifier := service.NewOutboxNotifier(repository.NewOutboxRepository(db), cfg.Kafka.Topic.Notification)
	ledger := service.NewLedgerService(db, lockMgr, cfg)
	taskStats := service.NewLedgerTaskStats(repository.NewTransactionRepository(db), cfg)
	allocSvc := service.NewAllocationService(db, lockMgr, cfg, ledger, taskStats, notifier)
	poolSvc := service.NewPoolService(db, lockMgr, cfg, ledger, notifier)
	pointsSvc := service.NewPointsService(db, lockMgr, cfg, ledger, notifier)

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	allocScheduler := job.NewAllocationScheduler(allocSvc, cfg)
	go allocScheduler.Start(ctx)

	poolRefiller := job.NewPoolRefiller(poolSvc, cfg)
	go poolRefiller.Start(ctx)

	redemptionExpirer := job.NewRedemptionExpirer(pointsSvc, cfg)
	go redemptionExpirer.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(db, lockMgr, cfg, notifier)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
