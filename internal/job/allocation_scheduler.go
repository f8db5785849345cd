package job

import (
	"context"
	"log"
	"time"

	"fundledger/internal/config"
	"fundledger/internal/service"
)

// AllocationScheduler 周期性处理到期的拨款规则
type AllocationScheduler struct {
	allocSvc *service.AllocationService
	stopCh   chan struct{}
	interval time.Duration
}

func NewAllocationScheduler(allocSvc *service.AllocationService, cfg *config.Config) *AllocationScheduler {
	interval := time.Duration(cfg.Job.AllocationIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &AllocationScheduler{
		allocSvc: allocSvc,
		stopCh:   make(chan struct{}),
		interval: interval,
	}
}

func (s *AllocationScheduler) Start(ctx context.Context) {
	log.Println("[AllocationScheduler] 拨款调度任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[AllocationScheduler] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[AllocationScheduler] 任务停止")
			return
		case <-ticker.C:
			processed, err := s.allocSvc.ProcessDueRules(ctx)
			if err != nil {
				log.Printf("[AllocationScheduler] 处理到期规则失败: %v", err)
			}
			if processed > 0 {
				log.Printf("[AllocationScheduler] 本轮处理拨款规则 %d 条", processed)
			}
		}
	}
}

func (s *AllocationScheduler) Stop() {
	close(s.stopCh)
}
