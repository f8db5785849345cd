package service

import (
	"context"
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

// PointsService 积分发放与兑换
//
// 积分是独立币种：只在总账上记 POINTS 流水，不与任何资金列互通。
// lifetime 只增不减，兑换只累加 redeemed，当前可用 = lifetime - redeemed
type PointsService struct {
	db          *gorm.DB
	cfg         *config.Config
	lockMgr     lock.Manager
	ledger      *LedgerService
	txnRepo     *repository.TransactionRepository
	catalogRepo *repository.CatalogRepository
	notifier    Notifier
}

func NewPointsService(db *gorm.DB, lockMgr lock.Manager, cfg *config.Config, ledger *LedgerService, notifier Notifier) *PointsService {
	return &PointsService{
		db:          db,
		cfg:         cfg,
		lockMgr:     lockMgr,
		ledger:      ledger,
		txnRepo:     repository.NewTransactionRepository(db),
		catalogRepo: repository.NewCatalogRepository(db),
		notifier:    notifier,
	}
}

type EarnRequest struct {
	AmbassadorID int64  `json:"ambassador_id" binding:"required"`
	Points       int64  `json:"points" binding:"required,gt=0"`
	SourceTaskID string `json:"source_task_id" binding:"required"`
	Category     string `json:"category"`
	Description  string `json:"description"`
}

// Earn 任务完成发积分
// 同一 (大使, 任务) 只发一次，任务系统重推回调时返回已有流水
func (s *PointsService) Earn(ctx context.Context, req *EarnRequest) (*model.LedgerTransaction, error) {
	existing, err := s.txnRepo.GetCompletedReward(ctx, nil, req.AmbassadorID, req.SourceTaskID)
	if err != nil {
		return nil, fmt.Errorf("查询奖励流水失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	// 按大使串行；锁内复查保证并发重推只有第一笔真正入账
	l := s.lockMgr.NewLock(lock.EntityKey(model.EntityTypeAmbassador, req.AmbassadorID), idgen.GenerateTxnNo())
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer l.Unlock(ctx)

	var txn *model.LedgerTransaction
	err = s.db.Transaction(func(tx *gorm.DB) error {
		dup, err := s.txnRepo.GetCompletedReward(ctx, tx, req.AmbassadorID, req.SourceTaskID)
		if err != nil {
			return err
		}
		if dup != nil {
			txn = dup
			return nil
		}
		txn, err = s.ledger.CommitIn(ctx, tx, &CommitRequest{
			Kind:        model.TxnKindReward,
			FromID:      0,
			FromType:    model.EntityTypeOrganization,
			ToID:        req.AmbassadorID,
			ToType:      model.EntityTypeAmbassador,
			Amount:      req.Points,
			Currency:    model.CurrencyPoints,
			Reference:   req.SourceTaskID,
			Category:    req.Category,
			Description: req.Description,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Printf("[Points] 积分已发放: ambassadorID=%d, points=%d, task=%s", req.AmbassadorID, req.Points, req.SourceTaskID)
	return txn, nil
}

type RedeemRequest struct {
	RequestID    string `json:"request_id" binding:"required"`
	AmbassadorID int64  `json:"ambassador_id" binding:"required"`
	ItemNo       string `json:"item_no" binding:"required"`
}

// Redeem 积分兑换（幂等）
//
// 扣积分、扣库存、建兑换单三件事在同一个事务内完成，
// 任何一步失败整体回滚，不会出现扣了积分没有兑换单的中间态
func (s *PointsService) Redeem(ctx context.Context, req *RedeemRequest) (*model.Redemption, error) {
	// 幂等校验
	existing, err := s.catalogRepo.GetRedemptionByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询兑换记录失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	item, err := s.catalogRepo.GetItemByNo(ctx, req.ItemNo)
	if err != nil {
		return nil, err
	}
	if item.Availability == model.RewardItemOutOfStock {
		return nil, repository.ErrItemOutOfStock
	}

	rdm := &model.Redemption{
		RdmNo:        idgen.GenerateRedemptionNo(),
		RequestID:    req.RequestID,
		AmbassadorID: req.AmbassadorID,
		ItemID:       item.ID,
		PointsSpent:  item.PointsCost,
		Status:       model.RedemptionStatusPending,
		Code:         idgen.GenerateRedemptionCode(),
	}
	if item.ValidityDays > 0 {
		expiresAt := time.Now().AddDate(0, 0, item.ValidityDays)
		rdm.ExpiresAt = &expiresAt
	}

	// 扣减方是大使积分户，按大使串行
	l := s.lockMgr.NewLock(lock.EntityKey(model.EntityTypeAmbassador, req.AmbassadorID), rdm.RdmNo)
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer l.Unlock(ctx)

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.catalogRepo.TakeStock(ctx, tx, item.ID); err != nil {
			return err
		}
		if _, err := s.ledger.CommitIn(ctx, tx, &CommitRequest{
			Kind:        model.TxnKindRedemption,
			FromID:      req.AmbassadorID,
			FromType:    model.EntityTypeAmbassador,
			ToID:        0,
			ToType:      model.EntityTypeOrganization,
			Amount:      item.PointsCost,
			Currency:    model.CurrencyPoints,
			Reference:   rdm.RdmNo,
			Category:    "REDEMPTION",
			Description: item.Name,
		}); err != nil {
			return err
		}
		return s.catalogRepo.CreateRedemption(ctx, tx, rdm)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Points] 兑换成功: rdmNo=%s, ambassadorID=%d, item=%s, points=%d",
		rdm.RdmNo, req.AmbassadorID, req.ItemNo, item.PointsCost)
	s.notifier.Send(ctx, req.AmbassadorID, fmt.Sprintf("兑换成功：%s（兑换码 %s）", item.Name, rdm.Code))
	return rdm, nil
}

// Deliver 兑换单流转（PENDING -> PROCESSING -> DELIVERED）
func (s *PointsService) Deliver(ctx context.Context, rdmNo, fromStatus, toStatus string) error {
	return s.catalogRepo.UpdateRedemptionStatus(ctx, rdmNo, fromStatus, toStatus)
}

// Balance 积分摘要
func (s *PointsService) Balance(ctx context.Context, ambassadorID int64) (*PointsSummary, error) {
	return s.ledger.PointsOf(ctx, ambassadorID)
}

// History 兑换历史
func (s *PointsService) History(ctx context.Context, ambassadorID int64, page, pageSize int) ([]*model.Redemption, int64, error) {
	return s.catalogRepo.ListRedemptions(ctx, ambassadorID, page, pageSize)
}

type CreateItemRequest struct {
	Name         string `json:"name" binding:"required"`
	PointsCost   int64  `json:"points_cost" binding:"required,gt=0"`
	RetailValue  int64  `json:"retail_value"`
	Availability string `json:"availability"`
	Stock        int    `json:"stock"`
	ValidityDays int    `json:"validity_days"`
}

// CreateItem 上架兑换目录条目
func (s *PointsService) CreateItem(ctx context.Context, req *CreateItemRequest) (*model.RewardItem, error) {
	availability := req.Availability
	if availability == "" {
		availability = model.RewardItemAvailable
	}
	item := &model.RewardItem{
		ItemNo:       idgen.GenerateItemNo(),
		Name:         req.Name,
		PointsCost:   req.PointsCost,
		RetailValue:  req.RetailValue,
		Availability: availability,
		Stock:        req.Stock,
		ValidityDays: req.ValidityDays,
	}
	if err := s.catalogRepo.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("创建兑换条目失败: %w", err)
	}
	return item, nil
}

// Catalog 兑换目录
func (s *PointsService) Catalog(ctx context.Context) ([]*model.RewardItem, error) {
	return s.catalogRepo.ListItems(ctx)
}

// ExpireOverdueRedemptions 过期未送达的兑换单翻转为 EXPIRED（定时任务入口）
func (s *PointsService) ExpireOverdueRedemptions(ctx context.Context, limit int) {
	n, err := s.catalogRepo.ExpireOverdue(ctx, limit)
	if err != nil {
		log.Printf("[Points] 兑换单过期扫描失败: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[Points] 兑换单已过期: %d 条", n)
	}
}
