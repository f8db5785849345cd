package repository

import (
	"context"
	"time"

	"fundledger/internal/model"

	"gorm.io/gorm"
)

// TransactionRepository 总账流水表访问
// 只追加；更新/删除接口一律不提供
type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, txn *model.LedgerTransaction) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(txn).Error
}

func (r *TransactionRepository) GetByTxnNo(ctx context.Context, txnNo string) (*model.LedgerTransaction, error) {
	var txn model.LedgerTransaction
	err := r.db.WithContext(ctx).Where("txn_no = ?", txnNo).First(&txn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// GetCompletedReward 按 (大使, 来源任务) 查已完成的奖励流水（发放幂等守卫）
// 守卫生效依赖锁内复查，传入 tx 在入账事务里读
func (r *TransactionRepository) GetCompletedReward(ctx context.Context, tx *gorm.DB, ambassadorID int64, reference string) (*model.LedgerTransaction, error) {
	if tx == nil {
		tx = r.db
	}
	var txn model.LedgerTransaction
	err := tx.WithContext(ctx).
		Where("kind = ? AND to_id = ? AND to_type = ? AND reference = ? AND status = ?",
			model.TxnKindReward, ambassadorID, model.EntityTypeAmbassador, reference, model.TxnStatusCompleted).
		First(&txn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

// QueryFilter 审计检索条件
type QueryFilter struct {
	Kind     string
	Status   string
	EntityID int64 // 命中 from 或 to
	Text     string
	From     *time.Time
	To       *time.Time
}

func (r *TransactionRepository) buildQuery(ctx context.Context, filter *QueryFilter) *gorm.DB {
	query := r.db.WithContext(ctx).Model(&model.LedgerTransaction{})
	if filter == nil {
		return query
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", filter.Kind)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EntityID > 0 {
		query = query.Where("from_id = ? OR to_id = ?", filter.EntityID, filter.EntityID)
	}
	if filter.Text != "" {
		like := "%" + filter.Text + "%"
		query = query.Where("txn_no LIKE ? OR reference LIKE ? OR description LIKE ?", like, like, like)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}
	return query
}

// Query 分页查询流水
func (r *TransactionRepository) Query(ctx context.Context, filter *QueryFilter, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	var txns []*model.LedgerTransaction
	var total int64

	query := r.buildQuery(ctx, filter)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&txns).Error

	return txns, total, err
}

// ListAllOrdered 按序列号全量拉取（重建投影用）
func (r *TransactionRepository) ListAllOrdered(ctx context.Context) ([]*model.LedgerTransaction, error) {
	var txns []*model.LedgerTransaction
	err := r.db.WithContext(ctx).Order("id ASC").Find(&txns).Error
	return txns, err
}

// CountByChapter 章节名下流水条数（幂等性测试/审计用）
func (r *TransactionRepository) CountByChapter(ctx context.Context, chapterID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerTransaction{}).
		Where("(from_id = ? AND from_type = ?) OR (to_id = ? AND to_type = ?)",
			chapterID, model.EntityTypeChapter, chapterID, model.EntityTypeChapter).
		Count(&count).Error
	return count, err
}

// SumChapterOutflow 章节已完成的出账合计（对账：必须等于投影表 utilized）
func (r *TransactionRepository) SumChapterOutflow(ctx context.Context, chapterID int64) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("from_id = ? AND from_type = ? AND status = ? AND kind IN ? AND currency <> ?",
			chapterID, model.EntityTypeChapter, model.TxnStatusCompleted,
			[]string{model.TxnKindDistribution, model.TxnKindReward}, model.CurrencyPoints).
		Scan(&total).Error
	return total, err
}

// CountRewardsByPeriod 章节大使在账期内完成的任务奖励次数（绩效推导用）
func (r *TransactionRepository) CountRewardsByPeriod(ctx context.Context, chapterID int64, periodStart, periodEnd time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.LedgerTransaction{}).
		Where("from_id = ? AND from_type = ? AND kind = ? AND status = ? AND created_at >= ? AND created_at < ?",
			chapterID, model.EntityTypeChapter, model.TxnKindReward, model.TxnStatusCompleted,
			periodStart, periodEnd).
		Count(&count).Error
	return count, err
}

// FlowRow 资金流向聚合行
type FlowRow struct {
	FromType string `json:"from_type"`
	ToType   string `json:"to_type"`
	Total    int64  `json:"total"`
	Count    int64  `json:"count"`
}

// FlowSummary 按 (from_type, to_type) 聚合已完成流水
func (r *TransactionRepository) FlowSummary(ctx context.Context) ([]*FlowRow, error) {
	var rows []*FlowRow
	err := r.db.WithContext(ctx).
		Model(&model.LedgerTransaction{}).
		Select("from_type, to_type, SUM(amount) AS total, COUNT(*) AS count").
		Where("status = ?", model.TxnStatusCompleted).
		Group("from_type, to_type").
		Find(&rows).Error
	return rows, err
}

// SuccessRate 窗口期内入账成功率
func (r *TransactionRepository) SuccessRate(ctx context.Context, since time.Time) (completed int64, total int64, err error) {
	query := r.db.WithContext(ctx).
		Model(&model.LedgerTransaction{}).
		Where("created_at >= ?", since)
	if err = query.Count(&total).Error; err != nil {
		return 0, 0, err
	}
	err = query.Where("status = ?", model.TxnStatusCompleted).Count(&completed).Error
	return completed, total, err
}
