package job

import (
	"context"
	"log"
	"time"

	"fundledger/internal/config"
	"fundledger/internal/service"
)

// PoolRefiller 周期性给低于阈值的自动补充池注资
type PoolRefiller struct {
	poolSvc   *service.PoolService
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewPoolRefiller(poolSvc *service.PoolService, cfg *config.Config) *PoolRefiller {
	interval := time.Duration(cfg.Job.RefillIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	return &PoolRefiller{
		poolSvc:   poolSvc,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 50,
	}
}

func (s *PoolRefiller) Start(ctx context.Context) {
	log.Println("[PoolRefiller] 奖励池补充任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[PoolRefiller] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[PoolRefiller] 任务停止")
			return
		case <-ticker.C:
			s.poolSvc.RefillDuePools(ctx, s.batchSize)
		}
	}
}

func (s *PoolRefiller) Stop() {
	close(s.stopCh)
}
