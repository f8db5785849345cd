package repository

import (
	"context"
	"errors"
	"time"

	"fundledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrDistributionNotFound = errors.New("分发单不存在")
	ErrDistributionInvalid  = errors.New("分发单状态不合法")
)

// DistributionRepository 经费分发单
type DistributionRepository struct {
	db *gorm.DB
}

func NewDistributionRepository(db *gorm.DB) *DistributionRepository {
	return &DistributionRepository{db: db}
}

func (r *DistributionRepository) Create(ctx context.Context, tx *gorm.DB, dist *model.FundDistribution) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(dist).Error
}

func (r *DistributionRepository) GetByDistNo(ctx context.Context, distNo string) (*model.FundDistribution, error) {
	var dist model.FundDistribution
	err := r.db.WithContext(ctx).Where("dist_no = ?", distNo).First(&dist).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDistributionNotFound
		}
		return nil, err
	}
	return &dist, nil
}

// GetByRequestID 幂等查询
func (r *DistributionRepository) GetByRequestID(ctx context.Context, requestID string) (*model.FundDistribution, error) {
	var dist model.FundDistribution
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&dist).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dist, nil
}

// UpdateStatus 按状态机迁移分发单
func (r *DistributionRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, distNo, fromStatus, toStatus, notes string) error {
	if !model.CanDistributionTransitionTo(fromStatus, toStatus) {
		return ErrDistributionInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if notes != "" {
		updates["notes"] = notes
	}
	if toStatus == model.DistributionStatusCompleted || toStatus == model.DistributionStatusRejected {
		now := time.Now()
		updates["processed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.FundDistribution{}).
		Where("dist_no = ? AND status = ?", distNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDistributionInvalid
	}
	return nil
}

// List 分发历史（章节维度或大使维度）
func (r *DistributionRepository) List(ctx context.Context, chapterID, ambassadorID int64, status string, page, pageSize int) ([]*model.FundDistribution, int64, error) {
	var dists []*model.FundDistribution
	var total int64

	query := r.db.WithContext(ctx).Model(&model.FundDistribution{})
	if chapterID > 0 {
		query = query.Where("chapter_id = ?", chapterID)
	}
	if ambassadorID > 0 {
		query = query.Where("ambassador_id = ?", ambassadorID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("requested_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&dists).Error

	return dists, total, err
}
