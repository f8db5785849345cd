package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"fundledger/internal/config"
	"fundledger/internal/infrastructure/lock"
	"fundledger/internal/model"
	"fundledger/internal/repository"
	"fundledger/pkg/idgen"

	"gorm.io/gorm"
)

var ErrNoPresident = errors.New("章节未指派主席，不具备支出权限")

// AllocationService 月度预算拨款引擎
//
// 状态机：SCHEDULED -> PROCESSING -> COMPLETED / FAILED
// 幂等保证：同一 (章节, 账期) 已有 COMPLETED 记录时重复触发是空操作，
// 调度触发和手工触发共用同一条路径和同一把 (章节, 账期) 锁
type AllocationService struct {
	db         *gorm.DB
	cfg        *config.Config
	lockMgr    lock.Manager
	ledger     *LedgerService
	taskStats  TaskStatsProvider
	entityRepo *repository.EntityRepository
	allocRepo  *repository.AllocationRepository
	notifier   Notifier
}

func NewAllocationService(db *gorm.DB, lockMgr lock.Manager, cfg *config.Config, ledger *LedgerService, taskStats TaskStatsProvider, notifier Notifier) *AllocationService {
	return &AllocationService{
		db:         db,
		cfg:        cfg,
		lockMgr:    lockMgr,
		ledger:     ledger,
		taskStats:  taskStats,
		entityRepo: repository.NewEntityRepository(db),
		allocRepo:  repository.NewAllocationRepository(db),
		notifier:   notifier,
	}
}

// CurrentPeriod 当前账期（YYYY-MM）
func CurrentPeriod() string {
	return time.Now().Format("2006-01")
}

// NextPeriod 下一账期
func NextPeriod(period string) string {
	t, err := time.Parse("2006-01", period)
	if err != nil {
		return period
	}
	return t.AddDate(0, 1, 0).Format("2006-01")
}

type CreateRuleRequest struct {
	ChapterID             int64   `json:"chapter_id" binding:"required"`
	BaseAmount            int64   `json:"base_amount" binding:"required,gt=0"`
	PerformanceMultiplier float64 `json:"performance_multiplier" binding:"required,gt=0"`
	FirstPeriod           string  `json:"first_period"` // 缺省为当前账期
}

// CreateRule 创建拨款规则
func (s *AllocationService) CreateRule(ctx context.Context, req *CreateRuleRequest) (*model.AllocationRule, error) {
	if _, err := s.entityRepo.GetActiveChapter(ctx, nil, req.ChapterID); err != nil {
		return nil, err
	}

	period := req.FirstPeriod
	if period == "" {
		period = CurrentPeriod()
	}

	rule := &model.AllocationRule{
		ChapterID:             req.ChapterID,
		BaseAmount:            req.BaseAmount,
		PerformanceMultiplier: req.PerformanceMultiplier,
		IsActive:              true,
		NextProcessingPeriod:  period,
	}
	if err := s.allocRepo.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// DeactivateRule 停用规则：只冻结后续拨款，已发生的支出不回收
func (s *AllocationService) DeactivateRule(ctx context.Context, ruleID int64) error {
	return s.allocRepo.DeactivateRule(ctx, ruleID)
}

// ProcessDueRules 处理所有到期规则（调度任务入口）
// 各章节互不依赖，逐章节处理；单章节失败不影响其余章节
func (s *AllocationService) ProcessDueRules(ctx context.Context) (processed int, err error) {
	period := CurrentPeriod()
	rules, err := s.allocRepo.ListDueRules(ctx, period, 500)
	if err != nil {
		return 0, fmt.Errorf("查询到期规则失败: %w", err)
	}

	for _, rule := range rules {
		if _, err := s.processRule(ctx, rule, rule.NextProcessingPeriod); err != nil {
			log.Printf("[Allocation] 章节拨款失败: chapterID=%d, period=%s, err=%v",
				rule.ChapterID, rule.NextProcessingPeriod, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessNow 手工触发单章节当期拨款
// 与调度路径同一状态机、同一幂等守卫
func (s *AllocationService) ProcessNow(ctx context.Context, chapterID int64) (*model.AllocationRecord, error) {
	rule, err := s.allocRepo.GetActiveRule(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	return s.processRule(ctx, rule, rule.NextProcessingPeriod)
}

// processRule 执行一次拨款尝试
func (s *AllocationService) processRule(ctx context.Context, rule *model.AllocationRule, period string) (*model.AllocationRecord, error) {
	if !rule.IsActive {
		return nil, repository.ErrInactiveRule
	}

	// (章节, 账期) 互斥：调度和手工并发触发时只有一次尝试在跑
	l := s.lockMgr.NewLock(lock.AllocationKey(rule.ChapterID, period), idgen.GenerateAllocationNo())
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer l.Unlock(ctx)

	// 幂等守卫：已完成即空操作
	existing, err := s.allocRepo.GetCompletedRecord(ctx, rule.ChapterID, period)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	chapter, err := s.entityRepo.GetActiveChapter(ctx, nil, rule.ChapterID)
	if err != nil {
		return nil, err
	}

	ambassadorCount, err := s.entityRepo.CountAmbassadors(ctx, rule.ChapterID)
	if err != nil {
		return nil, err
	}
	taskCount, avgRating, err := s.taskStats.CompletedTasks(ctx, rule.ChapterID, period)
	if err != nil {
		return nil, fmt.Errorf("获取任务统计失败: %w", err)
	}

	score := s.performanceScore(ambassadorCount, taskCount, avgRating)
	amount := s.allocationAmount(rule, score)

	record := &model.AllocationRecord{
		AllocNo:          idgen.GenerateAllocationNo(),
		ChapterID:        rule.ChapterID,
		Period:           period,
		Amount:           amount,
		Status:           model.AllocationStatusScheduled,
		PerformanceScore: score,
		AmbassadorCount:  int(ambassadorCount),
		TasksCompleted:   int(taskCount),
	}
	if err := s.allocRepo.CreateRecord(ctx, nil, record); err != nil {
		return nil, fmt.Errorf("创建拨款记录失败: %w", err)
	}
	if err := s.allocRepo.UpdateRecordStatus(ctx, nil, record.AllocNo,
		model.AllocationStatusScheduled, model.AllocationStatusProcessing, ""); err != nil {
		return nil, err
	}

	// 入账与记录完成态、规则推进同一事务
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := s.ledger.CommitIn(ctx, tx, &CommitRequest{
			Kind:        model.TxnKindAllocation,
			FromID:      chapter.OrganizationID,
			FromType:    model.EntityTypeOrganization,
			ToID:        chapter.ID,
			ToType:      model.EntityTypeChapter,
			Amount:      amount,
			Currency:    model.CurrencyUSD,
			Reference:   record.AllocNo,
			Category:    "MONTHLY_BUDGET",
			Description: fmt.Sprintf("月度拨款-%s", period),
		}); err != nil {
			return err
		}
		if err := s.allocRepo.UpdateRecordStatus(ctx, tx, record.AllocNo,
			model.AllocationStatusProcessing, model.AllocationStatusCompleted, ""); err != nil {
			return err
		}
		return s.allocRepo.AdvanceRule(ctx, tx, rule.ID, period, NextPeriod(period))
	})

	if err != nil {
		// 失败记录保留供审计，重试要新建记录
		if markErr := s.allocRepo.UpdateRecordStatus(ctx, nil, record.AllocNo,
			model.AllocationStatusProcessing, model.AllocationStatusFailed, err.Error()); markErr != nil {
			log.Printf("[Allocation] 标记失败记录失败: allocNo=%s, err=%v", record.AllocNo, markErr)
		}
		if _, recErr := s.ledger.RecordFailure(ctx, &CommitRequest{
			Kind:      model.TxnKindAllocation,
			FromID:    chapter.OrganizationID,
			FromType:  model.EntityTypeOrganization,
			ToID:      chapter.ID,
			ToType:    model.EntityTypeChapter,
			Amount:    amount,
			Currency:  model.CurrencyUSD,
			Reference: record.AllocNo,
			Category:  "MONTHLY_BUDGET",
		}, err.Error()); recErr != nil {
			log.Printf("[Allocation] 记录失败流水失败: allocNo=%s, err=%v", record.AllocNo, recErr)
		}
		return nil, err
	}

	record.Status = model.AllocationStatusCompleted
	log.Printf("[Allocation] 拨款成功: chapterID=%d, period=%s, amount=%d, score=%.3f",
		rule.ChapterID, period, amount, score)
	s.notifier.Send(ctx, chapter.ID, fmt.Sprintf("章节 %s %s 账期拨款 %d 已到账", chapter.Name, period, amount))

	return record, nil
}

// performanceScore 绩效得分
// 1 为基准，规模（大使数）、产出（任务数）、质量（评分相对 3 分）加权修正
func (s *AllocationService) performanceScore(ambassadorCount, taskCount int64, avgRating float64) float64 {
	cfg := s.cfg.Allocation
	return 1.0 +
		cfg.AmbassadorWeight*float64(ambassadorCount) +
		cfg.TaskWeight*float64(taskCount) +
		cfg.RatingWeight*(avgRating-3.0)
}

// allocationAmount 拨款金额 = 基准 × 系数 × clamp(得分)
// clamp 把单月波动限制在配置区间内，避免一个极端月份把预算放大到失控
func (s *AllocationService) allocationAmount(rule *model.AllocationRule, score float64) int64 {
	cfg := s.cfg.Allocation
	factor := score
	if factor < cfg.ScaleMin {
		factor = cfg.ScaleMin
	}
	if factor > cfg.ScaleMax {
		factor = cfg.ScaleMax
	}
	return int64(math.Round(float64(rule.BaseAmount) * rule.PerformanceMultiplier * factor))
}

// ListRecords 拨款历史
func (s *AllocationService) ListRecords(ctx context.Context, chapterID int64, page, pageSize int) ([]*model.AllocationRecord, int64, error) {
	return s.allocRepo.ListRecords(ctx, chapterID, page, pageSize)
}
