package repository

import (
	"context"
	"errors"

	"fundledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrRuleNotFound      = errors.New("拨款规则不存在")
	ErrInactiveRule      = errors.New("拨款规则未生效")
	ErrRuleExists        = errors.New("章节已存在生效中的拨款规则")
	ErrAllocationInvalid = errors.New("拨款记录状态不合法")
)

// AllocationRepository 拨款规则与拨款历史
type AllocationRepository struct {
	db *gorm.DB
}

func NewAllocationRepository(db *gorm.DB) *AllocationRepository {
	return &AllocationRepository{db: db}
}

// ============================================================
// 规则
// ============================================================

// CreateRule 创建规则；同一章节只允许一条生效规则
func (r *AllocationRepository) CreateRule(ctx context.Context, rule *model.AllocationRule) error {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.AllocationRule{}).
		Where("chapter_id = ? AND is_active = ?", rule.ChapterID, true).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return ErrRuleExists
	}
	return r.db.WithContext(ctx).Create(rule).Error
}

func (r *AllocationRepository) GetActiveRule(ctx context.Context, chapterID int64) (*model.AllocationRule, error) {
	var rule model.AllocationRule
	err := r.db.WithContext(ctx).
		Where("chapter_id = ? AND is_active = ?", chapterID, true).
		First(&rule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// ListDueRules 到期待处理的生效规则
func (r *AllocationRepository) ListDueRules(ctx context.Context, period string, limit int) ([]*model.AllocationRule, error) {
	var rules []*model.AllocationRule
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND next_processing_period <= ?", true, period).
		Limit(limit).
		Find(&rules).Error
	return rules, err
}

// AdvanceRule 拨款完成后推进规则账期
func (r *AllocationRepository) AdvanceRule(ctx context.Context, tx *gorm.DB, ruleID int64, processed, next string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.AllocationRule{}).
		Where("id = ?", ruleID).
		Updates(map[string]interface{}{
			"last_processed_period":  processed,
			"next_processing_period": next,
		}).Error
}

// DeactivateRule 停用规则
// 只停止后续拨款，已完成流水不回冲（remaining 始终是已完成流水的函数）
func (r *AllocationRepository) DeactivateRule(ctx context.Context, ruleID int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.AllocationRule{}).
		Where("id = ?", ruleID).
		Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// ============================================================
// 拨款历史
// ============================================================

func (r *AllocationRepository) CreateRecord(ctx context.Context, tx *gorm.DB, record *model.AllocationRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(record).Error
}

// GetCompletedRecord 幂等守卫：查 (章节, 账期) 是否已有成功拨款
func (r *AllocationRepository) GetCompletedRecord(ctx context.Context, chapterID int64, period string) (*model.AllocationRecord, error) {
	var record model.AllocationRecord
	err := r.db.WithContext(ctx).
		Where("chapter_id = ? AND period = ? AND status = ?", chapterID, period, model.AllocationStatusCompleted).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// UpdateRecordStatus 按状态机迁移拨款记录
// COMPLETED/FAILED 是终态，失败记录保留供审计，重试必须新建记录
func (r *AllocationRepository) UpdateRecordStatus(ctx context.Context, tx *gorm.DB, allocNo, fromStatus, toStatus, failReason string) error {
	if !model.CanAllocationTransitionTo(fromStatus, toStatus) {
		return ErrAllocationInvalid
	}
	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if failReason != "" {
		updates["fail_reason"] = failReason
	}

	result := tx.WithContext(ctx).
		Model(&model.AllocationRecord{}).
		Where("alloc_no = ? AND status = ?", allocNo, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAllocationInvalid
	}
	return nil
}

// ListRecords 章节拨款历史
func (r *AllocationRepository) ListRecords(ctx context.Context, chapterID int64, page, pageSize int) ([]*model.AllocationRecord, int64, error) {
	var records []*model.AllocationRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.AllocationRecord{})
	if chapterID > 0 {
		query = query.Where("chapter_id = ?", chapterID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}
