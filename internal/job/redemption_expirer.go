package job

import (
	"context"
	"log"
	"time"

	"fundledger/internal/config"
	"fundledger/internal/service"
)

// RedemptionExpirer 周期性扫描过期未送达的兑换单
type RedemptionExpirer struct {
	pointsSvc *service.PointsService
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewRedemptionExpirer(pointsSvc *service.PointsService, cfg *config.Config) *RedemptionExpirer {
	interval := time.Duration(cfg.Job.ExpiryIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 600 * time.Second
	}
	return &RedemptionExpirer{
		pointsSvc: pointsSvc,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 200,
	}
}

func (s *RedemptionExpirer) Start(ctx context.Context) {
	log.Println("[RedemptionExpirer] 兑换单过期任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[RedemptionExpirer] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Println("[RedemptionExpirer] 任务停止")
			return
		case <-ticker.C:
			s.pointsSvc.ExpireOverdueRedemptions(ctx, s.batchSize)
		}
	}
}

func (s *RedemptionExpirer) Stop() {
	close(s.stopCh)
}
