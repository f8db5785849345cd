package repository

import (
	"context"
	"errors"

	"fundledger/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInsufficientFunds  = errors.New("章节预算不足")
	ErrInsufficientPoints = errors.New("积分不足")
	ErrOptimisticLock     = errors.New("乐观锁冲突，请重试")
)

// BalanceRepository 章节余额 / 大使积分投影表
// 所有扣减都走条件 UPDATE + 版本号，天然防止并发超扣；
// 投影只允许在总账入账事务内更新
type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// ============================================================
// 章节余额
// ============================================================

func (r *BalanceRepository) GetChapterBalance(ctx context.Context, chapterID int64) (*model.ChapterBalance, error) {
	var balance model.ChapterBalance
	err := r.db.WithContext(ctx).Where("chapter_id = ?", chapterID).First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 没有流水的章节视为零余额
			return &model.ChapterBalance{ChapterID: chapterID}, nil
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreateChapterBalance 确保余额行存在（并发安全，冲突时静默跳过）
func (r *BalanceRepository) GetOrCreateChapterBalance(ctx context.Context, tx *gorm.DB, chapterID int64) (*model.ChapterBalance, error) {
	if tx == nil {
		tx = r.db
	}
	newBalance := &model.ChapterBalance{ChapterID: chapterID}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "chapter_id"}},
			DoNothing: true,
		}).
		Create(newBalance).Error
	if err != nil {
		return nil, err
	}

	var balance model.ChapterBalance
	if err := tx.WithContext(ctx).Where("chapter_id = ?", chapterID).First(&balance).Error; err != nil {
		return nil, err
	}
	return &balance, nil
}

// AddAllocated 预算到账（拨款/退回）
func (r *BalanceRepository) AddAllocated(ctx context.Context, tx *gorm.DB, chapterID, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.ChapterBalance{}).
		Where("chapter_id = ?", chapterID).
		Updates(map[string]interface{}{
			"allocated": gorm.Expr("allocated + ?", amount),
			"version":   gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownEntity
	}
	return nil
}

// SpendUtilized 章节支出
//
// 【关键点】条件 UPDATE 同时携带三重守卫：
//  1. version 比对 —— 乐观锁
//  2. remaining >= amount - floor —— 预算硬上限（floor=0 即不允许透支）
//
// 行未命中时回查区分"预算不足"和"版本冲突"，调用方据此决定驳回还是重试
func (r *BalanceRepository) SpendUtilized(ctx context.Context, tx *gorm.DB, chapterID, amount int64, version int, floor int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.ChapterBalance{}).
		Where("chapter_id = ? AND allocated - utilized - ? >= ? AND version = ?", chapterID, amount, -floor, version).
		Updates(map[string]interface{}{
			"utilized": gorm.Expr("utilized + ?", amount),
			"version":  gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// 回查必须走同一事务，入账事务持有的连接之外读会破坏原子性
		var balance model.ChapterBalance
		if err := tx.WithContext(ctx).Where("chapter_id = ?", chapterID).First(&balance).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownEntity
			}
			return err
		}
		if balance.Remaining()-amount < -floor {
			return ErrInsufficientFunds
		}
		return ErrOptimisticLock
	}
	return nil
}

// RefundUtilized 支出回冲（退款）
func (r *BalanceRepository) RefundUtilized(ctx context.Context, tx *gorm.DB, chapterID, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.ChapterBalance{}).
		Where("chapter_id = ?", chapterID).
		Updates(map[string]interface{}{
			"utilized": gorm.Expr("utilized - ?", amount),
			"version":  gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownEntity
	}
	return nil
}

// AddUtilized 无守卫累加支出（按流水重建投影时使用，流水本身即是校验过的事实）
func (r *BalanceRepository) AddUtilized(ctx context.Context, tx *gorm.DB, chapterID, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.ChapterBalance{}).
		Where("chapter_id = ?", chapterID).
		Updates(map[string]interface{}{
			"utilized": gorm.Expr("utilized + ?", amount),
			"version":  gorm.Expr("version + 1"),
		}).Error
}

// ============================================================
// 积分账户
// ============================================================

func (r *BalanceRepository) GetPointsAccount(ctx context.Context, ambassadorID int64) (*model.PointsAccount, error) {
	var account model.PointsAccount
	err := r.db.WithContext(ctx).Where("ambassador_id = ?", ambassadorID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &model.PointsAccount{AmbassadorID: ambassadorID}, nil
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreatePointsAccount 确保积分户存在，建户时写入折算率
func (r *BalanceRepository) GetOrCreatePointsAccount(ctx context.Context, tx *gorm.DB, ambassadorID, conversionRate int64) (*model.PointsAccount, error) {
	if tx == nil {
		tx = r.db
	}
	newAccount := &model.PointsAccount{AmbassadorID: ambassadorID, ConversionRate: conversionRate}
	err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ambassador_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error
	if err != nil {
		return nil, err
	}

	var account model.PointsAccount
	if err := tx.WithContext(ctx).Where("ambassador_id = ?", ambassadorID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// EarnPoints 积分入账（lifetime 累加）
func (r *BalanceRepository) EarnPoints(ctx context.Context, tx *gorm.DB, ambassadorID, points int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.PointsAccount{}).
		Where("ambassador_id = ?", ambassadorID).
		Updates(map[string]interface{}{
			"lifetime": gorm.Expr("lifetime + ?", points),
			"version":  gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrUnknownEntity
	}
	return nil
}

// RedeemPoints 积分扣减
// 守卫 lifetime - redeemed >= points，保证 current 永不为负
func (r *BalanceRepository) RedeemPoints(ctx context.Context, tx *gorm.DB, ambassadorID, points int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.PointsAccount{}).
		Where("ambassador_id = ? AND lifetime - redeemed >= ? AND version = ?", ambassadorID, points, version).
		Updates(map[string]interface{}{
			"redeemed": gorm.Expr("redeemed + ?", points),
			"version":  gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var account model.PointsAccount
		if err := tx.WithContext(ctx).Where("ambassador_id = ?", ambassadorID).First(&account).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownEntity
			}
			return err
		}
		if account.Current() < points {
			return ErrInsufficientPoints
		}
		return ErrOptimisticLock
	}
	return nil
}

// AddRedeemed 无守卫累加已兑换积分（按流水重建投影时使用）
func (r *BalanceRepository) AddRedeemed(ctx context.Context, tx *gorm.DB, ambassadorID, points int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.PointsAccount{}).
		Where("ambassador_id = ?", ambassadorID).
		Updates(map[string]interface{}{
			"redeemed": gorm.Expr("redeemed + ?", points),
			"version":  gorm.Expr("version + 1"),
		}).Error
}

// ResetProjections 清空投影表（按流水重建时使用）
func (r *BalanceRepository) ResetProjections(ctx context.Context, tx *gorm.DB) error {
	if tx == nil {
		tx = r.db
	}
	if err := tx.WithContext(ctx).Where("1 = 1").Delete(&model.ChapterBalance{}).Error; err != nil {
		return err
	}
	return tx.WithContext(ctx).Where("1 = 1").Delete(&model.PointsAccount{}).Error
}
