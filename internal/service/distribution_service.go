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

var ErrNotAuthorized = errors.New("只有章节主席或组织管理员可以审批")

// Caller 已完成鉴权的调用方（上游网关解析，Header 传入）
type Caller struct {
	UserID    int64
	Role      string
	ChapterID int64
}

// CanApprove 审批权限：组织管理员，或该章节的主席
func (c *Caller) CanApprove(chapter *model.Chapter) bool {
	if c.Role == model.RoleAdmin {
		return true
	}
	return c.Role == model.RolePresident &&
		chapter.PresidentID != nil && *chapter.PresidentID == c.UserID
}

// DistributionService 经费分发
//
// 主席主动分发（OUTBOUND）和大使经费申请（REQUEST）共用一张单：
// 申请单创建时记一条 REQUEST 流水（大使 -> 章节，不动账），
// 审批通过后按章节 -> 大使入账，两条流水共用 reference，
// 审计侧呈现为一对关联事件而非两笔重复支出
type DistributionService struct {
	db         *gorm.DB
	cfg        *config.Config
	lockMgr    lock.Manager
	ledger     *LedgerService
	entityRepo *repository.EntityRepository
	distRepo   *repository.DistributionRepository
	notifier   Notifier
}

func NewDistributionService(db *gorm.DB, lockMgr lock.Manager, cfg *config.Config, ledger *LedgerService, notifier Notifier) *DistributionService {
	return &DistributionService{
		db:         db,
		cfg:        cfg,
		lockMgr:    lockMgr,
		ledger:     ledger,
		entityRepo: repository.NewEntityRepository(db),
		distRepo:   repository.NewDistributionRepository(db),
		notifier:   notifier,
	}
}

type DistributionRequest struct {
	RequestID    string `json:"request_id" binding:"required"`
	ChapterID    int64  `json:"chapter_id" binding:"required"`
	AmbassadorID int64  `json:"ambassador_id" binding:"required"`
	Amount       int64  `json:"amount" binding:"required,gt=0"`
	Type         string `json:"type" binding:"required"`
	Category     string `json:"category"`
	Direction    string `json:"direction"`
	Reason       string `json:"reason"`
	Override     bool   `json:"override"`
}

// Request 创建分发单（幂等）
func (s *DistributionService) Request(ctx context.Context, req *DistributionRequest) (*model.FundDistribution, error) {
	// 幂等校验
	existing, err := s.distRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询分发单失败: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	chapter, err := s.entityRepo.GetActiveChapter(ctx, nil, req.ChapterID)
	if err != nil {
		return nil, err
	}
	if chapter.PresidentID == nil {
		return nil, ErrNoPresident
	}
	if err := s.entityRepo.CheckMembership(ctx, nil, req.ChapterID, req.AmbassadorID); err != nil {
		return nil, err
	}

	direction := req.Direction
	if direction == "" {
		direction = model.DistributionDirectionOutbound
	}

	dist := &model.FundDistribution{
		DistNo:       idgen.GenerateDistributionNo(),
		RequestID:    req.RequestID,
		ChapterID:    req.ChapterID,
		AmbassadorID: req.AmbassadorID,
		Amount:       req.Amount,
		Type:         req.Type,
		Category:     req.Category,
		Direction:    direction,
		Status:       model.DistributionStatusPending,
		Reason:       req.Reason,
		Override:     req.Override,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.distRepo.Create(ctx, tx, dist); err != nil {
			return fmt.Errorf("创建分发单失败: %w", err)
		}
		// 大使发起的申请记一条 REQUEST 流水，与最终付款共用 reference
		if direction == model.DistributionDirectionRequest {
			if _, err := s.ledger.CommitIn(ctx, tx, &CommitRequest{
				Kind:        model.TxnKindRequest,
				FromID:      req.AmbassadorID,
				FromType:    model.EntityTypeAmbassador,
				ToID:        req.ChapterID,
				ToType:      model.EntityTypeChapter,
				Amount:      req.Amount,
				Currency:    model.CurrencyUSD,
				Reference:   dist.DistNo,
				Category:    req.Type,
				Description: req.Reason,
			}); err != nil {
				return fmt.Errorf("记录申请流水失败: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Distribution] 分发单已创建: distNo=%s, chapterID=%d, amount=%d, direction=%s",
		dist.DistNo, req.ChapterID, req.Amount, direction)
	return dist, nil
}

// Approve 审批通过并入账
//
// 【关键点】入账失败（预算不足）时分发单自动转 REJECTED 并附说明，
// 绝不留在 APPROVED 卡住；驳回原因带具体缺口金额
func (s *DistributionService) Approve(ctx context.Context, distNo string, caller *Caller) (*model.FundDistribution, error) {
	dist, err := s.distRepo.GetByDistNo(ctx, distNo)
	if err != nil {
		return nil, err
	}

	chapter, err := s.entityRepo.GetActiveChapter(ctx, nil, dist.ChapterID)
	if err != nil {
		return nil, err
	}
	if !caller.CanApprove(chapter) {
		return nil, ErrNotAuthorized
	}
	if dist.Status != model.DistributionStatusPending {
		return nil, repository.ErrDistributionInvalid
	}

	// 章节出账串行化
	l := s.lockMgr.NewLock(lock.EntityKey(model.EntityTypeChapter, dist.ChapterID), dist.DistNo)
	if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer l.Unlock(ctx)

	// 获取锁后复查状态
	dist, err = s.distRepo.GetByDistNo(ctx, distNo)
	if err != nil {
		return nil, err
	}
	if dist.Status != model.DistributionStatusPending {
		return nil, repository.ErrDistributionInvalid
	}

	kind := model.TxnKindDistribution
	if dist.Type == model.DistributionTypeReward {
		kind = model.TxnKindReward
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.distRepo.UpdateStatus(ctx, tx, distNo,
			model.DistributionStatusPending, model.DistributionStatusApproved, ""); err != nil {
			return err
		}
		if _, err := s.ledger.CommitIn(ctx, tx, &CommitRequest{
			Kind:        kind,
			FromID:      dist.ChapterID,
			FromType:    model.EntityTypeChapter,
			ToID:        dist.AmbassadorID,
			ToType:      model.EntityTypeAmbassador,
			Amount:      dist.Amount,
			Currency:    model.CurrencyUSD,
			Reference:   dist.DistNo,
			Category:    dist.Type,
			Description: dist.Reason,
			Override:    dist.Override,
		}); err != nil {
			return err
		}
		return s.distRepo.UpdateStatus(ctx, tx, distNo,
			model.DistributionStatusApproved, model.DistributionStatusCompleted, "")
	})

	if err != nil {
		if errors.Is(err, repository.ErrInsufficientFunds) {
			return s.autoReject(ctx, dist, chapter)
		}
		return nil, err
	}

	dist, _ = s.distRepo.GetByDistNo(ctx, distNo)
	log.Printf("[Distribution] 分发完成: distNo=%s, chapterID=%d, ambassadorID=%d, amount=%d",
		distNo, dist.ChapterID, dist.AmbassadorID, dist.Amount)
	s.notifier.Send(ctx, dist.AmbassadorID, fmt.Sprintf("经费 %d 已发放（单号 %s）", dist.Amount, distNo))

	return dist, nil
}

// autoReject 预算不足自动驳回，驳回说明带具体缺口
func (s *DistributionService) autoReject(ctx context.Context, dist *model.FundDistribution, chapter *model.Chapter) (*model.FundDistribution, error) {
	balance, err := s.ledger.BalanceOf(ctx, dist.ChapterID)
	if err != nil {
		return nil, err
	}
	shortfall := dist.Amount - balance.Remaining
	notes := fmt.Sprintf("章节预算不足，超出 %d（剩余 %d，申请 %d）", shortfall, balance.Remaining, dist.Amount)

	if err := s.distRepo.UpdateStatus(ctx, nil, dist.DistNo,
		model.DistributionStatusPending, model.DistributionStatusRejected, notes); err != nil {
		return nil, err
	}
	if _, err := s.ledger.RecordFailure(ctx, &CommitRequest{
		Kind:      model.TxnKindDistribution,
		FromID:    dist.ChapterID,
		FromType:  model.EntityTypeChapter,
		ToID:      dist.AmbassadorID,
		ToType:    model.EntityTypeAmbassador,
		Amount:    dist.Amount,
		Currency:  model.CurrencyUSD,
		Reference: dist.DistNo,
		Category:  dist.Type,
	}, notes); err != nil {
		log.Printf("[Distribution] 记录失败流水失败: distNo=%s, err=%v", dist.DistNo, err)
	}

	log.Printf("[Distribution] 预算不足自动驳回: distNo=%s, chapterID=%d, %s", dist.DistNo, dist.ChapterID, notes)
	s.notifier.Send(ctx, dist.AmbassadorID, fmt.Sprintf("分发单 %s 已驳回：%s", dist.DistNo, notes))

	rejected, err := s.distRepo.GetByDistNo(ctx, dist.DistNo)
	if err != nil {
		return nil, err
	}
	return rejected, repository.ErrInsufficientFunds
}

// Reject 人工驳回
func (s *DistributionService) Reject(ctx context.Context, distNo, notes string, caller *Caller) (*model.FundDistribution, error) {
	dist, err := s.distRepo.GetByDistNo(ctx, distNo)
	if err != nil {
		return nil, err
	}
	chapter, err := s.entityRepo.GetChapter(ctx, nil, dist.ChapterID)
	if err != nil {
		return nil, err
	}
	if !caller.CanApprove(chapter) {
		return nil, ErrNotAuthorized
	}

	if err := s.distRepo.UpdateStatus(ctx, nil, distNo,
		model.DistributionStatusPending, model.DistributionStatusRejected, notes); err != nil {
		return nil, err
	}

	dist, err = s.distRepo.GetByDistNo(ctx, distNo)
	if err != nil {
		return nil, err
	}
	s.notifier.Send(ctx, dist.AmbassadorID, fmt.Sprintf("分发单 %s 已驳回：%s", distNo, notes))
	return dist, nil
}

// List 分发历史
func (s *DistributionService) List(ctx context.Context, chapterID, ambassadorID int64, status string, page, pageSize int) ([]*model.FundDistribution, int64, error) {
	return s.distRepo.List(ctx, chapterID, ambassadorID, status, page, pageSize)
}
