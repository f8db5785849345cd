package repository

import (
	"context"
	"errors"
	"time"

	"fundledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrItemNotFound      = errors.New("兑换条目不存在")
	ErrItemOutOfStock    = errors.New("兑换条目已无库存")
	ErrRedemptionInvalid = errors.New("兑换记录状态不合法")
)

// CatalogRepository 兑换目录与兑换记录
type CatalogRepository struct {
	db *gorm.DB
}

func NewCatalogRepository(db *gorm.DB) *CatalogRepository {
	return &CatalogRepository{db: db}
}

// ============================================================
// 兑换目录
// ============================================================

func (r *CatalogRepository) CreateItem(ctx context.Context, item *model.RewardItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *CatalogRepository) GetItemByNo(ctx context.Context, itemNo string) (*model.RewardItem, error) {
	var item model.RewardItem
	err := r.db.WithContext(ctx).Where("item_no = ?", itemNo).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *CatalogRepository) ListItems(ctx context.Context) ([]*model.RewardItem, error) {
	var items []*model.RewardItem
	err := r.db.WithContext(ctx).Order("points_cost ASC").Find(&items).Error
	return items, err
}

// TakeStock 扣减限量条目库存
//
// AVAILABLE 条目无库存概念，直接放行；
// LIMITED 条目条件 UPDATE 守卫 stock > 0，扣到 0 时翻转 OUT_OF_STOCK
func (r *CatalogRepository) TakeStock(ctx context.Context, tx *gorm.DB, itemID int64) error {
	if tx == nil {
		tx = r.db
	}

	var item model.RewardItem
	if err := tx.WithContext(ctx).First(&item, itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrItemNotFound
		}
		return err
	}

	switch item.Availability {
	case model.RewardItemAvailable:
		return nil
	case model.RewardItemOutOfStock:
		return ErrItemOutOfStock
	}

	result := tx.WithContext(ctx).
		Model(&model.RewardItem{}).
		Where("id = ? AND availability = ? AND stock > 0", itemID, model.RewardItemLimited).
		Update("stock", gorm.Expr("stock - 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrItemOutOfStock
	}

	// 扣到 0 翻转为缺货
	return tx.WithContext(ctx).
		Model(&model.RewardItem{}).
		Where("id = ? AND availability = ? AND stock <= 0", itemID, model.RewardItemLimited).
		Update("availability", model.RewardItemOutOfStock).Error
}

// ============================================================
// 兑换记录
// ============================================================

func (r *CatalogRepository) CreateRedemption(ctx context.Context, tx *gorm.DB, rdm *model.Redemption) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(rdm).Error
}

// GetRedemptionByRequestID 幂等查询
func (r *CatalogRepository) GetRedemptionByRequestID(ctx context.Context, requestID string) (*model.Redemption, error) {
	var rdm model.Redemption
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&rdm).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rdm, nil
}

// UpdateRedemptionStatus 按状态机迁移兑换记录
func (r *CatalogRepository) UpdateRedemptionStatus(ctx context.Context, rdmNo, fromStatus, toStatus string) error {
	if !model.CanRedemptionTransitionTo(fromStatus, toStatus) {
		return ErrRedemptionInvalid
	}
	result := r.db.WithContext(ctx).
		Model(&model.Redemption{}).
		Where("rdm_no = ? AND status = ?", rdmNo, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRedemptionInvalid
	}
	return nil
}

// ListRedemptions 大使兑换历史
func (r *CatalogRepository) ListRedemptions(ctx context.Context, ambassadorID int64, page, pageSize int) ([]*model.Redemption, int64, error) {
	var rdms []*model.Redemption
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Redemption{}).Where("ambassador_id = ?", ambassadorID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&rdms).Error

	return rdms, total, err
}

// ExpireOverdue 过期未送达的兑换翻转为 EXPIRED
func (r *CatalogRepository) ExpireOverdue(ctx context.Context, limit int) (int64, error) {
	var rdms []*model.Redemption
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at < ?",
			[]string{model.RedemptionStatusPending, model.RedemptionStatusProcessing}, time.Now()).
		Limit(limit).
		Find(&rdms).Error
	if err != nil {
		return 0, err
	}

	var expired int64
	for _, rdm := range rdms {
		if err := r.UpdateRedemptionStatus(ctx, rdm.RdmNo, rdm.Status, model.RedemptionStatusExpired); err == nil {
			expired++
		}
	}
	return expired, nil
}
