package model

import (
	"time"
)

// ============================================================================
// 奖励池
// ============================================================================

const (
	PoolScopeGlobal   = "GLOBAL"
	PoolScopeCountry  = "COUNTRY"
	PoolScopeRegional = "REGIONAL"
)

const (
	PoolStatusActive    = "ACTIVE"
	PoolStatusInactive  = "INACTIVE"
	PoolStatusDepleted  = "DEPLETED"
	PoolStatusSuspended = "SUSPENDED"
)

// 池子健康状态（纯推导值，不落库）
const (
	PoolHealthHealthy  = "HEALTHY"
	PoolHealthWarning  = "WARNING"
	PoolHealthCritical = "CRITICAL"
)

// RewardPool 奖励池表
// 独立于组织/章节层级的资金池，按币种标记；available = balance - allocated
type RewardPool struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PoolNo           string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"pool_no"`
	Name             string    `gorm:"type:varchar(128);not null" json:"name"`
	Scope            string    `gorm:"type:varchar(20);not null" json:"scope"`
	Location         string    `gorm:"type:varchar(64)" json:"location"`
	Currency         string    `gorm:"type:varchar(10);not null" json:"currency"`
	Balance          int64     `gorm:"not null;default:0" json:"balance"`
	Allocated        int64     `gorm:"not null;default:0" json:"allocated"` // 已预留未结算
	TotalDistributed int64     `gorm:"not null;default:0" json:"total_distributed"`
	MonthlyBudget    int64     `gorm:"not null;default:0" json:"monthly_budget"`
	RefillThreshold  int64     `gorm:"not null;default:0" json:"refill_threshold"`
	AutoRefill       bool      `gorm:"not null;default:false" json:"auto_refill"`
	OrganizationID   int64     `gorm:"index;not null" json:"organization_id"` // 补充资金来源（treasury）
	Status           string    `gorm:"type:varchar(20);index;not null" json:"status"`
	Version          int       `gorm:"not null;default:0" json:"version"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RewardPool) TableName() string {
	return "reward_pool"
}

// Available 可预留余额
func (p *RewardPool) Available() int64 {
	return p.Balance - p.Allocated
}

// Health 推导健康状态，每次读取时重算，不允许落库后漂移
//
//	DEPLETED            -> CRITICAL
//	利用率 > 90% 或
//	available < 阈值     -> WARNING
//	其余                 -> HEALTHY
func (p *RewardPool) Health() string {
	if p.Status == PoolStatusDepleted {
		return PoolHealthCritical
	}
	if p.Balance > 0 && float64(p.Allocated)/float64(p.Balance) > 0.90 {
		return PoolHealthWarning
	}
	if p.Available() < p.RefillThreshold {
		return PoolHealthWarning
	}
	return PoolHealthHealthy
}

// ============================================================================
// 池子预留（先预留锁额度，实际发放金额结算时才确定）
// ============================================================================

const (
	ReservationStatusReserved = "RESERVED"
	ReservationStatusSettled  = "SETTLED"
	ReservationStatusReleased = "RELEASED"
)

// PoolReservation 预留记录表
// reserve 立即扣减 available（悲观防超支），settle 按实际金额结算并释放差额
type PoolReservation struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RsvNo        string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"rsv_no"`
	PoolID       int64      `gorm:"index;not null" json:"pool_id"`
	AmbassadorID int64      `gorm:"index;not null" json:"ambassador_id"` // 结算时的收款方
	Amount       int64      `gorm:"not null" json:"amount"`
	Status       string     `gorm:"type:varchar(20);index;not null" json:"status"`
	SettledAt    *time.Time `json:"settled_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PoolReservation) TableName() string {
	return "pool_reservation"
}
