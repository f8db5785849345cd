package service

import (
	"context"
	"time"

	"fundledger/internal/config"
	"fundledger/internal/repository"
)

// TaskStatsProvider 任务系统对接口
// 拨款绩效需要章节在账期内的任务完成数和平均评分；
// 任务系统是外部协作方，这里只定义消费接口
type TaskStatsProvider interface {
	CompletedTasks(ctx context.Context, chapterID int64, period string) (count int64, avgRating float64, err error)
}

// LedgerTaskStats 从总账流水推导任务统计的默认实现
// 任务奖励每发一笔即视为完成一个任务；评分用配置兜底值，
// 任务系统接入后替换本实现即可
type LedgerTaskStats struct {
	txnRepo *repository.TransactionRepository
	cfg     *config.Config
}

func NewLedgerTaskStats(txnRepo *repository.TransactionRepository, cfg *config.Config) *LedgerTaskStats {
	return &LedgerTaskStats{txnRepo: txnRepo, cfg: cfg}
}

func (p *LedgerTaskStats) CompletedTasks(ctx context.Context, chapterID int64, period string) (int64, float64, error) {
	start, err := time.Parse("2006-01", period)
	if err != nil {
		return 0, 0, err
	}
	end := start.AddDate(0, 1, 0)

	count, err := p.txnRepo.CountRewardsByPeriod(ctx, chapterID, start, end)
	if err != nil {
		return 0, 0, err
	}
	return count, p.cfg.Allocation.DefaultRating, nil
}

// StaticTaskStats 固定返回值的实现（测试用）
type StaticTaskStats struct {
	Count  int64
	Rating float64
}

func (p StaticTaskStats) CompletedTasks(ctx context.Context, chapterID int64, period string) (int64, float64, error) {
	return p.Count, p.Rating, nil
}
