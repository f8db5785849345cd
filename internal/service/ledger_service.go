package service

import (
	"context"
	"encoding/json"
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

var (
	ErrConcurrencyConflict = errors.New("并发冲突，重试次数已用尽")
	ErrInvalidCommit       = errors.New("流水参数不合法")
)

// CommitRequest 一次资金/积分移动
type CommitRequest struct {
	Kind        string
	FromID      int64
	FromType    string
	ToID        int64
	ToType      string
	Amount      int64
	Currency    string
	Reference   string
	Category    string
	Description string
	Override    bool // 允许透支到配置下限（仅章节出账）
}

// ChapterBalanceSummary 章节预算摘要
type ChapterBalanceSummary struct {
	ChapterID int64 `json:"chapter_id"`
	Allocated int64 `json:"allocated"`
	Utilized  int64 `json:"utilized"`
	Remaining int64 `json:"remaining"`
}

// PointsSummary 积分摘要
type PointsSummary struct {
	AmbassadorID   int64 `json:"ambassador_id"`
	Lifetime       int64 `json:"lifetime"`
	Redeemed       int64 `json:"redeemed"`
	Current        int64 `json:"current"`
	ConversionRate int64 `json:"conversion_rate"` // 每单位货币折算积分数
}

// ============================================================================
// 总账服务
// ============================================================================
//
// 【关键点】Commit 是全系统唯一的动账入口：
// 1. 按受影响实体加锁 —— 同一实体的入账严格串行，不同实体并行
// 2. 类型相关不变量在同一个数据库事务内校验
// 3. 流水追加与投影表更新同事务落库，要么全部生效要么全不生效
// 4. 乐观锁冲突内部有界重试（退避间隔见配置），用尽后才上抛
type LedgerService struct {
	db          *gorm.DB
	cfg         *config.Config
	lockMgr     lock.Manager
	entityRepo  *repository.EntityRepository
	balanceRepo *repository.BalanceRepository
	txnRepo     *repository.TransactionRepository
	poolRepo    *repository.PoolRepository
	outboxRepo  *repository.OutboxRepository
}

func NewLedgerService(db *gorm.DB, lockMgr lock.Manager, cfg *config.Config) *LedgerService {
	return &LedgerService{
		db:          db,
		cfg:         cfg,
		lockMgr:     lockMgr,
		entityRepo:  repository.NewEntityRepository(db),
		balanceRepo: repository.NewBalanceRepository(db),
		txnRepo:     repository.NewTransactionRepository(db),
		poolRepo:    repository.NewPoolRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// lockTarget 确定本次入账要串行化的实体（被扣减方优先）
func (s *LedgerService) lockTarget(req *CommitRequest) (string, int64) {
	switch req.Kind {
	case model.TxnKindAllocation:
		return req.ToType, req.ToID
	case model.TxnKindDistribution:
		if req.FromType == model.EntityTypePool {
			return model.EntityTypePool, req.FromID
		}
		return model.EntityTypeChapter, req.FromID
	case model.TxnKindReward:
		if req.Currency == model.CurrencyPoints {
			return model.EntityTypeAmbassador, req.ToID
		}
		return model.EntityTypeChapter, req.FromID
	case model.TxnKindRedemption:
		return model.EntityTypeAmbassador, req.FromID
	case model.TxnKindRefund:
		return model.EntityTypeChapter, req.ToID
	}
	return "", 0
}

// Commit 入账（加锁 + 有界重试）
func (s *LedgerService) Commit(ctx context.Context, req *CommitRequest) (*model.LedgerTransaction, error) {
	entityType, entityID := s.lockTarget(req)
	if entityID > 0 {
		l := s.lockMgr.NewLock(lock.EntityKey(entityType, entityID), idgen.GenerateTxnNo())
		if err := l.Lock(ctx, 100*time.Millisecond, 30); err != nil {
			return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
		}
		defer l.Unlock(ctx)
	}

	return s.commitWithRetry(ctx, req)
}

// commitWithRetry 乐观锁冲突时有界重试
// 调用方已持有实体锁时可直接使用，避免同 key 锁重入
func (s *LedgerService) commitWithRetry(ctx context.Context, req *CommitRequest) (*model.LedgerTransaction, error) {
	maxRetries := s.cfg.Ledger.MaxRetryCount
	if maxRetries <= 0 {
		maxRetries = 3
	}
	interval := time.Duration(s.cfg.Ledger.RetryIntervalMs) * time.Millisecond

	var txn *model.LedgerTransaction
	var err error
	for i := 0; i < maxRetries; i++ {
		txn = nil
		err = s.db.Transaction(func(tx *gorm.DB) error {
			var innerErr error
			txn, innerErr = s.CommitIn(ctx, tx, req)
			return innerErr
		})
		if !errors.Is(err, repository.ErrOptimisticLock) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
			// 继续重试
		}
	}
	if errors.Is(err, repository.ErrOptimisticLock) {
		return nil, ErrConcurrencyConflict
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// CommitIn 在调用方事务内入账
//
// 【重要】只允许两类调用方：
// 1. 本服务的 Commit/commitWithRetry
// 2. 已自行加实体锁、需要把动账与业务行更新合并进一个事务的服务
//    （分发审批、积分兑换、拨款引擎）
func (s *LedgerService) CommitIn(ctx context.Context, tx *gorm.DB, req *CommitRequest) (*model.LedgerTransaction, error) {
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: 金额不允许为负", ErrInvalidCommit)
	}

	switch req.Kind {
	case model.TxnKindAllocation:
		if err := s.applyAllocation(ctx, tx, req); err != nil {
			return nil, err
		}
	case model.TxnKindDistribution, model.TxnKindReward:
		if req.Currency == model.CurrencyPoints {
			if err := s.applyPointsEarn(ctx, tx, req); err != nil {
				return nil, err
			}
		} else if req.FromType == model.EntityTypePool {
			if err := s.applyPoolPayout(ctx, tx, req); err != nil {
				return nil, err
			}
		} else {
			if err := s.applyChapterSpend(ctx, tx, req); err != nil {
				return nil, err
			}
		}
	case model.TxnKindRedemption:
		if err := s.applyRedemption(ctx, tx, req); err != nil {
			return nil, err
		}
	case model.TxnKindRequest:
		// 申请只记录，不动账；校验层级关系即可
		if err := s.entityRepo.CheckMembership(ctx, tx, req.ToID, req.FromID); err != nil {
			return nil, err
		}
	case model.TxnKindRefund:
		if err := s.applyRefund(ctx, tx, req); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: 未知流水类型 %s", ErrInvalidCommit, req.Kind)
	}

	txn := s.buildTxn(req, model.TxnStatusCompleted)
	if err := s.txnRepo.Create(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("追加流水失败: %w", err)
	}
	if err := s.emitLedgerEvent(ctx, tx, txn); err != nil {
		return nil, fmt.Errorf("写入流水事件失败: %w", err)
	}
	return txn, nil
}

// emitLedgerEvent 流水事件随入账同事务写入发件箱，由后台任务投递
func (s *LedgerService) emitLedgerEvent(ctx context.Context, tx *gorm.DB, txn *model.LedgerTransaction) error {
	topic := s.cfg.Kafka.Topic.LedgerEvent
	if topic == "" {
		return nil
	}
	payload, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	return s.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		MessageKey: txn.TxnNo,
		Topic:      topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

// RecordFailure 记录一次失败的动账尝试
// 不触碰任何余额，只为审计留痕（成功率统计、失败拨款追查）
func (s *LedgerService) RecordFailure(ctx context.Context, req *CommitRequest, reason string) (*model.LedgerTransaction, error) {
	txn := s.buildTxn(req, model.TxnStatusFailed)
	if reason != "" {
		txn.Description = reason
	}
	if err := s.txnRepo.Create(ctx, nil, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func (s *LedgerService) buildTxn(req *CommitRequest, status string) *model.LedgerTransaction {
	currency := req.Currency
	if currency == "" {
		currency = model.CurrencyUSD
	}
	return &model.LedgerTransaction{
		TxnNo:       idgen.GenerateTxnNo(),
		Kind:        req.Kind,
		FromID:      req.FromID,
		FromType:    req.FromType,
		ToID:        req.ToID,
		ToType:      req.ToType,
		Amount:      req.Amount,
		Currency:    currency,
		Status:      status,
		Reference:   req.Reference,
		Category:    req.Category,
		Description: req.Description,
	}
}

// ============================================================
// 各类型的动账规则
// ============================================================

// applyAllocation 拨款：组织 -> 章节，或组织 -> 奖励池（补充）
func (s *LedgerService) applyAllocation(ctx context.Context, tx *gorm.DB, req *CommitRequest) error {
	if _, err := s.entityRepo.GetOrganization(ctx, tx, req.FromID); err != nil {
		return err
	}

	switch req.ToType {
	case model.EntityTypeChapter:
		if _, err := s.entityRepo.GetActiveChapter(ctx, tx, req.ToID); err != nil {
			return err
		}
		if _, err := s.balanceRepo.GetOrCreateChapterBalance(ctx, tx, req.ToID); err != nil {
			return err
		}
		return s.balanceRepo.AddAllocated(ctx, tx, req.ToID, req.Amount)
	case model.EntityTypePool:
		return s.poolRepo.AddBalance(ctx, tx, req.ToID, req.Amount)
	}
	return fmt.Errorf("%w: 拨款收款方必须是章节或奖励池", ErrInvalidCommit)
}

// applyChapterSpend 章节出账：章节 -> 大使
func (s *LedgerService) applyChapterSpend(ctx context.Context, tx *gorm.DB, req *CommitRequest) error {
	if _, err := s.entityRepo.GetActiveChapter(ctx, tx, req.FromID); err != nil {
		return err
	}
	if err := s.entityRepo.CheckMembership(ctx, tx, req.FromID, req.ToID); err != nil {
		return err
	}

	balance, err := s.balanceRepo.GetOrCreateChapterBalance(ctx, tx, req.FromID)
	if err != nil {
		return err
	}

	var floor int64
	if req.Override {
		floor = s.cfg.Ledger.OverdraftFloor
	}
	return s.balanceRepo.SpendUtilized(ctx, tx, req.FromID, req.Amount, balance.Version, floor)
}

// applyPoolPayout 池子出账（预留结算走这里）
func (s *LedgerService) applyPoolPayout(ctx context.Context, tx *gorm.DB, req *CommitRequest) error {
	if _, err := s.entityRepo.GetAmbassador(ctx, tx, req.ToID); err != nil {
		return err
	}
	return s.poolRepo.AddDistributed(ctx, tx, req.FromID, req.Amount)
}

// applyPointsEarn 积分入账：lifetime 累加
func (s *LedgerService) applyPointsEarn(ctx context.Context, tx *gorm.DB, req *CommitRequest) error {
	if _, err := s.entityRepo.GetAmbassador(ctx, tx, req.ToID); err != nil {
		return err
	}
	if _, err := s.balanceRepo.GetOrCreatePointsAccount(ctx, tx, req.ToID, s.cfg.Points.ConversionRate); err != nil {
		return err
	}
	return s.balanceRepo.EarnPoints(ctx, tx, req.ToID, req.Amount)
}

// applyRedemption 积分兑换：current 足够才放行
func (s *LedgerService) applyRedemption(ctx context.Context, tx *gorm.DB, req *CommitRequest) error {
	if _, err := s.entityRepo.GetAmbassador(ctx, tx, req.FromID); err != nil {
		return err
	}
	account, err := s.balanceRepo.GetOrCreatePointsAccount(ctx, tx, req.FromID, s.cfg.Points.ConversionRate)
	if err != nil {
		return err
	}
	return s.balanceRepo.RedeemPoints(ctx, tx, req.FromID, req.Amount, account.Version)
}

// applyRefund 退回：大使 -> 章节，支出回冲
func (s *LedgerService) applyRefund(ctx context.Context, tx *gorm.DB, req *CommitRequest) error {
	if _, err := s.entityRepo.GetChapter(ctx, tx, req.ToID); err != nil {
		return err
	}
	if _, err := s.balanceRepo.GetOrCreateChapterBalance(ctx, tx, req.ToID); err != nil {
		return err
	}
	return s.balanceRepo.RefundUtilized(ctx, tx, req.ToID, req.Amount)
}

// ============================================================
// 读接口
// ============================================================

// BalanceOf 章节预算摘要
func (s *LedgerService) BalanceOf(ctx context.Context, chapterID int64) (*ChapterBalanceSummary, error) {
	if _, err := s.entityRepo.GetChapter(ctx, nil, chapterID); err != nil {
		return nil, err
	}
	balance, err := s.balanceRepo.GetChapterBalance(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	return &ChapterBalanceSummary{
		ChapterID: chapterID,
		Allocated: balance.Allocated,
		Utilized:  balance.Utilized,
		Remaining: balance.Remaining(),
	}, nil
}

// PointsOf 大使积分摘要
func (s *LedgerService) PointsOf(ctx context.Context, ambassadorID int64) (*PointsSummary, error) {
	if _, err := s.entityRepo.GetAmbassador(ctx, nil, ambassadorID); err != nil {
		return nil, err
	}
	account, err := s.balanceRepo.GetPointsAccount(ctx, ambassadorID)
	if err != nil {
		return nil, err
	}
	rate := account.ConversionRate
	if rate == 0 {
		rate = s.cfg.Points.ConversionRate
	}
	return &PointsSummary{
		AmbassadorID:   ambassadorID,
		Lifetime:       account.Lifetime,
		Redeemed:       account.Redeemed,
		Current:        account.Current(),
		ConversionRate: rate,
	}, nil
}

// Query 流水查询
func (s *LedgerService) Query(ctx context.Context, filter *repository.QueryFilter, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	return s.txnRepo.Query(ctx, filter, page, pageSize)
}

// ============================================================
// 投影重建
// ============================================================

// Rebuild 从流水重放出全部投影
// 崩溃恢复 / 对账校验用：清空余额、积分、池子资金列，按序列号重放已完成流水，
// 未结算预留不产生流水，最后从预留表还原池子的 allocated
func (s *LedgerService) Rebuild(ctx context.Context) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.balanceRepo.ResetProjections(ctx, tx); err != nil {
			return fmt.Errorf("清空投影失败: %w", err)
		}
		if err := s.poolRepo.ResetFunds(ctx, tx); err != nil {
			return fmt.Errorf("清空池子资金失败: %w", err)
		}

		txns, err := s.txnRepo.ListAllOrdered(ctx)
		if err != nil {
			return fmt.Errorf("拉取流水失败: %w", err)
		}

		for _, txn := range txns {
			if txn.Status != model.TxnStatusCompleted {
				continue
			}
			if err := s.replayOne(ctx, tx, txn); err != nil {
				return fmt.Errorf("重放流水失败: txnNo=%s, err=%w", txn.TxnNo, err)
			}
		}

		rows, err := s.poolRepo.OpenReservationTotals(ctx, tx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := s.poolRepo.SetAllocated(ctx, tx, row.PoolID, row.Total); err != nil {
				return err
			}
		}

		log.Printf("[Ledger] 投影重建完成: 重放流水 %d 条", len(txns))
		return nil
	})
}

// replayOne 按流水语义直接累加，不走业务守卫（流水即事实）
func (s *LedgerService) replayOne(ctx context.Context, tx *gorm.DB, txn *model.LedgerTransaction) error {
	switch txn.Kind {
	case model.TxnKindAllocation:
		if txn.ToType == model.EntityTypePool {
			return s.poolRepo.AddBalance(ctx, tx, txn.ToID, txn.Amount)
		}
		if _, err := s.balanceRepo.GetOrCreateChapterBalance(ctx, tx, txn.ToID); err != nil {
			return err
		}
		return s.balanceRepo.AddAllocated(ctx, tx, txn.ToID, txn.Amount)
	case model.TxnKindDistribution, model.TxnKindReward:
		if txn.Currency == model.CurrencyPoints {
			if _, err := s.balanceRepo.GetOrCreatePointsAccount(ctx, tx, txn.ToID, s.cfg.Points.ConversionRate); err != nil {
				return err
			}
			return s.balanceRepo.EarnPoints(ctx, tx, txn.ToID, txn.Amount)
		}
		if txn.FromType == model.EntityTypePool {
			return s.poolRepo.AddDistributed(ctx, tx, txn.FromID, txn.Amount)
		}
		if _, err := s.balanceRepo.GetOrCreateChapterBalance(ctx, tx, txn.FromID); err != nil {
			return err
		}
		return s.balanceRepo.AddUtilized(ctx, tx, txn.FromID, txn.Amount)
	case model.TxnKindRedemption:
		if _, err := s.balanceRepo.GetOrCreatePointsAccount(ctx, tx, txn.FromID, s.cfg.Points.ConversionRate); err != nil {
			return err
		}
		return s.balanceRepo.AddRedeemed(ctx, tx, txn.FromID, txn.Amount)
	case model.TxnKindRefund:
		if _, err := s.balanceRepo.GetOrCreateChapterBalance(ctx, tx, txn.ToID); err != nil {
			return err
		}
		return s.balanceRepo.AddUtilized(ctx, tx, txn.ToID, -txn.Amount)
	}
	// REQUEST 等只记录型流水无投影效果
	return nil
}
