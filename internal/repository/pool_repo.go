package repository

import (
	"context"
	"errors"

	"fundledger/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPoolNotFound        = errors.New("奖励池不存在")
	ErrPoolUnavailable     = errors.New("奖励池不可用")
	ErrPoolInsufficient    = errors.New("奖励池可用余额不足")
	ErrReservationNotFound = errors.New("预留记录不存在")
	ErrReservationInvalid  = errors.New("预留记录状态不合法")
)

// PoolRepository 奖励池与预留记录
type PoolRepository struct {
	db *gorm.DB
}

func NewPoolRepository(db *gorm.DB) *PoolRepository {
	return &PoolRepository{db: db}
}

func (r *PoolRepository) Create(ctx context.Context, pool *model.RewardPool) error {
	return r.db.WithContext(ctx).Create(pool).Error
}

func (r *PoolRepository) GetByPoolNo(ctx context.Context, poolNo string) (*model.RewardPool, error) {
	var pool model.RewardPool
	err := r.db.WithContext(ctx).Where("pool_no = ?", poolNo).First(&pool).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return &pool, nil
}

func (r *PoolRepository) GetByID(ctx context.Context, id int64) (*model.RewardPool, error) {
	var pool model.RewardPool
	err := r.db.WithContext(ctx).First(&pool, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPoolNotFound
		}
		return nil, err
	}
	return &pool, nil
}

func (r *PoolRepository) List(ctx context.Context) ([]*model.RewardPool, error) {
	var pools []*model.RewardPool
	err := r.db.WithContext(ctx).Order("id ASC").Find(&pools).Error
	return pools, err
}

// Reserve 预留额度
//
// 条件 UPDATE 守卫 balance - allocated >= amount 且状态 ACTIVE，
// 命中即视为预留成功（悲观防超支：预留立刻扣减 available）。
// 未命中时回查区分不可用/余额不足/版本冲突
func (r *PoolRepository) Reserve(ctx context.Context, tx *gorm.DB, poolID, amount int64, version int) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.RewardPool{}).
		Where("id = ? AND status = ? AND balance - allocated >= ? AND version = ?",
			poolID, model.PoolStatusActive, amount, version).
		Updates(map[string]interface{}{
			"allocated": gorm.Expr("allocated + ?", amount),
			"version":   gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var pool model.RewardPool
		if err := tx.WithContext(ctx).First(&pool, poolID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrPoolNotFound
			}
			return err
		}
		// 耗尽即余额问题，对调用方呈现为余额不足；停用/冻结才是不可用
		if pool.Status == model.PoolStatusDepleted {
			return ErrPoolInsufficient
		}
		if pool.Status != model.PoolStatusActive {
			return ErrPoolUnavailable
		}
		if pool.Available() < amount {
			return ErrPoolInsufficient
		}
		return ErrOptimisticLock
	}
	return nil
}

// Release 归还预留额度（结算出账前或取消预留时）
func (r *PoolRepository) Release(ctx context.Context, tx *gorm.DB, poolID, reserved int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.RewardPool{}).
		Where("id = ?", poolID).
		Updates(map[string]interface{}{
			"allocated": gorm.Expr("allocated - ?", reserved),
			"version":   gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPoolNotFound
	}
	return nil
}

// AddBalance 池子入账（补充资金）
func (r *PoolRepository) AddBalance(ctx context.Context, tx *gorm.DB, poolID, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.RewardPool{}).
		Where("id = ?", poolID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPoolNotFound
	}
	return nil
}

// UpdateStatus 池子状态翻转（DEPLETED / ACTIVE）
func (r *PoolRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, poolID int64, fromStatus, toStatus string) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.RewardPool{}).
		Where("id = ? AND status = ?", poolID, fromStatus).
		Update("status", toStatus)
	if result.Error != nil {
		return result.Error
	}
	// 状态已被并发翻转时不视为错误
	return nil
}

// ListRefillCandidates 待补充的自动补充池
func (r *PoolRepository) ListRefillCandidates(ctx context.Context, limit int) ([]*model.RewardPool, error) {
	var pools []*model.RewardPool
	err := r.db.WithContext(ctx).
		Where("auto_refill = ? AND status IN ? AND balance - allocated < refill_threshold",
			true, []string{model.PoolStatusActive, model.PoolStatusDepleted}).
		Limit(limit).
		Find(&pools).Error
	return pools, err
}

// ResetFunds 清零所有池子的资金列（按流水重建投影时使用）
func (r *PoolRepository) ResetFunds(ctx context.Context, tx *gorm.DB) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.RewardPool{}).
		Where("1 = 1").
		Updates(map[string]interface{}{
			"balance":           0,
			"allocated":         0,
			"total_distributed": 0,
		}).Error
}

// AddDistributed 池子出账（结算时与流水同事务更新）
func (r *PoolRepository) AddDistributed(ctx context.Context, tx *gorm.DB, poolID, amount int64) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.RewardPool{}).
		Where("id = ?", poolID).
		Updates(map[string]interface{}{
			"balance":           gorm.Expr("balance - ?", amount),
			"total_distributed": gorm.Expr("total_distributed + ?", amount),
			"version":           gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPoolNotFound
	}
	return nil
}

// OpenReservationRow 未结算预留聚合行
type OpenReservationRow struct {
	PoolID int64
	Total  int64
}

// OpenReservationTotals 各池子未结算预留合计
// 预留不产生流水，重建投影时 allocated 由本表还原
func (r *PoolRepository) OpenReservationTotals(ctx context.Context, tx *gorm.DB) ([]*OpenReservationRow, error) {
	if tx == nil {
		tx = r.db
	}
	var rows []*OpenReservationRow
	err := tx.WithContext(ctx).
		Model(&model.PoolReservation{}).
		Select("pool_id, SUM(amount) AS total").
		Where("status = ?", model.ReservationStatusReserved).
		Group("pool_id").
		Find(&rows).Error
	return rows, err
}

// SetAllocated 直接写入预留合计（重建投影用）
func (r *PoolRepository) SetAllocated(ctx context.Context, tx *gorm.DB, poolID, allocated int64) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.RewardPool{}).
		Where("id = ?", poolID).
		Update("allocated", allocated).Error
}

// ============================================================
// 预留记录
// ============================================================

func (r *PoolRepository) CreateReservation(ctx context.Context, tx *gorm.DB, rsv *model.PoolReservation) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(rsv).Error
}

func (r *PoolRepository) GetReservation(ctx context.Context, rsvNo string) (*model.PoolReservation, error) {
	var rsv model.PoolReservation
	err := r.db.WithContext(ctx).Where("rsv_no = ?", rsvNo).First(&rsv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return &rsv, nil
}

// FinishReservation RESERVED -> SETTLED / RELEASED
func (r *PoolRepository) FinishReservation(ctx context.Context, tx *gorm.DB, rsvNo, toStatus string) error {
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"status": toStatus,
	}
	if toStatus == model.ReservationStatusSettled {
		updates["settled_at"] = gorm.Expr("CURRENT_TIMESTAMP")
	}
	result := tx.WithContext(ctx).
		Model(&model.PoolReservation{}).
		Where("rsv_no = ? AND status = ?", rsvNo, model.ReservationStatusReserved).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrReservationInvalid
	}
	return nil
}
