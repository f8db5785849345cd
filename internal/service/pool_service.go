package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fundledger/internal/config"
	"fundledger/internal/infrastructure/lock"
	"fundledger/internal/model"
	"fundledger/internal/repository"
	"fundledger/pkg/idgen"

	"gorm.io/gorm"
)

var ErrSettleExceedsReserved = errors.New("结算金额不能超过预留金额")

// PoolView 池子详情 + 推导字段
type PoolView struct {
	*model.RewardPool
	Available int64  `json:"available"`
	Health    string `json:"health"`
}

// PoolService 奖励池：先预留后结算
//
// 预留/释放只动 allocated，不产生流水；结算时归还预留额度并按实际金额
// 走总账出账（池子 -> 大使），差额自动回到 available
type PoolService struct {
	db       *gorm.DB
	cfg      *config.Config
	lockMgr  lock.Manager
	ledger   *LedgerService
	poolRepo *repository.PoolRepository
	notifier Notifier
}

func NewPoolService(db *gorm.DB, lockMgr lock.Manager, cfg *config.Config, ledger *LedgerService, notifier Notifier) *PoolService {
	return &PoolService{
		db:       db,
		cfg:      cfg,
		lockMgr:  lockMgr,
		ledger:   ledger,
		poolRepo: repository.NewPoolRepository(db),
		notifier: notifier,
	}
}

type CreatePoolRequest struct {
	Name            string `json:"name" binding:"required"`
	Scope           string `json:"scope" binding:"required"`
	Location        string `json:"location"`
	Currency        string `json:"currency" binding:"required"`
	MonthlyBudget   int64  `json:"monthly_budget"`
	RefillThreshold int64  `json:"refill_threshold"`
	AutoRefill      bool   `json:"auto_refill"`
	OrganizationID  int64  `json:"organization_id" binding:"required"`
}

func (s *PoolService) CreatePool(ctx context.Context, req *CreatePoolRequest) (*model.RewardPool, error) {
	pool := &model.RewardPool{
		PoolNo:          idgen.GeneratePoolNo(),
		Name:            req.Name,
		Scope:           req.Scope,
		Location:        req.Location,
		Currency:        req.Currency,
		MonthlyBudget:   req.MonthlyBudget,
		RefillThreshold: req.RefillThreshold,
		AutoRefill:      req.AutoRefill,
		OrganizationID:  req.OrganizationID,
		Status:          model.PoolStatusActive,
	}
	if err := s.poolRepo.Create(ctx, pool); err != nil {
		return nil, fmt.Errorf("创建奖励池失败: %w", err)
	}
	log.Printf("[Pool] 奖励池已创建: poolNo=%s, scope=%s, currency=%s", pool.PoolNo, pool.Scope, pool.Currency)
	return pool, nil
}

func (s *PoolService) Get(ctx context.Context, poolNo string) (*PoolView, error) {
	pool, err := s.poolRepo.GetByPoolNo(ctx, poolNo)
	if err != nil {
		return nil, err
	}
	return &PoolView{RewardPool: pool, Available: pool.Available(), Health: pool.Health()}, nil
}

func (s *PoolService) List(ctx context.Context) ([]*PoolView, error) {
	pools, err := s.poolRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*PoolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, &PoolView{RewardPool: p, Available: p.Available(), Health: p.Health()})
	}
	return views, nil
}

// Reserve 预留额度
// 预留立即扣减 available（悲观防超支）；耗尽且不自动补充的池子转 DEPLETED
func (s *PoolService) Reserve(ctx context.Context, poolNo string, ambassadorID, amount int64) (*model.PoolReservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: 预留金额必须为正", ErrInvalidCommit)
	}
	pool, err := s.poolRepo.GetByPoolNo(ctx, poolNo)
	if err != nil {
		return nil, err
	}

	rsv := &model.PoolReservation{
		RsvNo:        idgen.GenerateReservationNo(),
		PoolID:       pool.ID,
		AmbassadorID: ambassadorID,
		Amount:       amount,
		Status:       model.ReservationStatusReserved,
	}

	l := s.lockMgr.NewLock(lock.EntityKey(model.EntityTypePool, pool.ID), rsv.RsvNo)
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer l.Unlock(ctx)

	maxRetries := s.cfg.Ledger.MaxRetryCount
	if maxRetries <= 0 {
		maxRetries = 3
	}
	for i := 0; i < maxRetries; i++ {
		// 每轮用最新版本号做条件更新
		pool, err = s.poolRepo.GetByID(ctx, pool.ID)
		if err != nil {
			return nil, err
		}
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.poolRepo.Reserve(ctx, tx, pool.ID, amount, pool.Version); err != nil {
				return err
			}
			return s.poolRepo.CreateReservation(ctx, tx, rsv)
		})
		if !errors.Is(err, repository.ErrOptimisticLock) {
			break
		}
		time.Sleep(time.Duration(s.cfg.Ledger.RetryIntervalMs) * time.Millisecond)
	}
	if errors.Is(err, repository.ErrOptimisticLock) {
		return nil, ErrConcurrencyConflict
	}
	if err != nil {
		return nil, err
	}

	s.markDepletedIfDrained(ctx, pool.ID)
	log.Printf("[Pool] 额度已预留: rsvNo=%s, poolNo=%s, amount=%d", rsv.RsvNo, poolNo, amount)
	return rsv, nil
}

// Settle 结算预留：按实际金额出账，差额回到 available
func (s *PoolService) Settle(ctx context.Context, rsvNo string, actual int64) (*model.LedgerTransaction, error) {
	if actual <= 0 {
		return nil, fmt.Errorf("%w: 结算金额必须为正", ErrInvalidCommit)
	}
	rsv, err := s.poolRepo.GetReservation(ctx, rsvNo)
	if err != nil {
		return nil, err
	}
	if actual > rsv.Amount {
		return nil, ErrSettleExceedsReserved
	}

	l := s.lockMgr.NewLock(lock.EntityKey(model.EntityTypePool, rsv.PoolID), rsvNo)
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer l.Unlock(ctx)

	var txn *model.LedgerTransaction
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.poolRepo.FinishReservation(ctx, tx, rsvNo, model.ReservationStatusSettled); err != nil {
			return err
		}
		if err := s.poolRepo.Release(ctx, tx, rsv.PoolID, rsv.Amount); err != nil {
			return err
		}
		var innerErr error
		txn, innerErr = s.ledger.CommitIn(ctx, tx, &CommitRequest{
			Kind:      model.TxnKindDistribution,
			FromID:    rsv.PoolID,
			FromType:  model.EntityTypePool,
			ToID:      rsv.AmbassadorID,
			ToType:    model.EntityTypeAmbassador,
			Amount:    actual,
			Currency:  model.CurrencyUSD,
			Reference: rsvNo,
			Category:  "POOL_SETTLEMENT",
		})
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	s.markDepletedIfDrained(ctx, rsv.PoolID)
	log.Printf("[Pool] 预留已结算: rsvNo=%s, reserved=%d, actual=%d", rsvNo, rsv.Amount, actual)
	return txn, nil
}

// Release 取消预留，额度原数归还
func (s *PoolService) Release(ctx context.Context, rsvNo string) error {
	rsv, err := s.poolRepo.GetReservation(ctx, rsvNo)
	if err != nil {
		return err
	}

	l := s.lockMgr.NewLock(lock.EntityKey(model.EntityTypePool, rsv.PoolID), rsvNo)
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer l.Unlock(ctx)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.poolRepo.FinishReservation(ctx, tx, rsvNo, model.ReservationStatusReleased); err != nil {
			return err
		}
		return s.poolRepo.Release(ctx, tx, rsv.PoolID, rsv.Amount)
	})
	if err != nil {
		return err
	}

	// 归还后重新可用，耗尽态翻回 ACTIVE
	if err := s.poolRepo.UpdateStatus(ctx, nil, rsv.PoolID, model.PoolStatusDepleted, model.PoolStatusActive); err != nil {
		log.Printf("[Pool] 恢复池子状态失败: poolID=%d, err=%v", rsv.PoolID, err)
	}
	log.Printf("[Pool] 预留已释放: rsvNo=%s, amount=%d", rsvNo, rsv.Amount)
	return nil
}

// markDepletedIfDrained 可用额度耗尽且不自动补充的池子停止接单
func (s *PoolService) markDepletedIfDrained(ctx context.Context, poolID int64) {
	pool, err := s.poolRepo.GetByID(ctx, poolID)
	if err != nil {
		return
	}
	if pool.Available() <= 0 && !pool.AutoRefill && pool.Status == model.PoolStatusActive {
		if err := s.poolRepo.UpdateStatus(ctx, nil, poolID, model.PoolStatusActive, model.PoolStatusDepleted); err != nil {
			log.Printf("[Pool] 标记耗尽失败: poolID=%d, err=%v", poolID, err)
		} else {
			log.Printf("[Pool] 池子已耗尽: poolNo=%s", pool.PoolNo)
		}
	}
}

// RefillDuePools 给低于阈值的自动补充池注资（定时任务入口）
// 单个池子失败只记日志，不影响其他池子
func (s *PoolService) RefillDuePools(ctx context.Context, limit int) {
	pools, err := s.poolRepo.ListRefillCandidates(ctx, limit)
	if err != nil {
		log.Printf("[Pool] 查询待补充池子失败: %v", err)
		return
	}

	for _, pool := range pools {
		amount := pool.MonthlyBudget
		if amount <= 0 {
			continue
		}
		_, err := s.ledger.Commit(ctx, &CommitRequest{
			Kind:        model.TxnKindAllocation,
			FromID:      pool.OrganizationID,
			FromType:    model.EntityTypeOrganization,
			ToID:        pool.ID,
			ToType:      model.EntityTypePool,
			Amount:      amount,
			Currency:    pool.Currency,
			Reference:   pool.PoolNo,
			Category:    "AUTO_REFILL",
			Description: fmt.Sprintf("奖励池自动补充 %s", pool.PoolNo),
		})
		if err != nil {
			log.Printf("[Pool] 自动补充失败: poolNo=%s, amount=%d, err=%v", pool.PoolNo, amount, err)
			continue
		}
		if err := s.poolRepo.UpdateStatus(ctx, nil, pool.ID, model.PoolStatusDepleted, model.PoolStatusActive); err != nil {
			log.Printf("[Pool] 恢复池子状态失败: poolNo=%s, err=%v", pool.PoolNo, err)
		}
		log.Printf("[Pool] 自动补充完成: poolNo=%s, amount=%d", pool.PoolNo, amount)
		s.notifier.Send(ctx, pool.ID, fmt.Sprintf("奖励池 %s 已自动补充 %d", pool.Name, amount))
	}
}
