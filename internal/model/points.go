package model

import (
	"time"
)

// ============================================================================
// 积分兑换
// ============================================================================

const (
	RewardItemAvailable  = "AVAILABLE"
	RewardItemLimited    = "LIMITED"
	RewardItemOutOfStock = "OUT_OF_STOCK"
)

// RewardItem 兑换目录条目表
// LIMITED 条目带库存，扣减到 0 后翻转为 OUT_OF_STOCK
type RewardItem struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemNo       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"item_no"`
	Name         string    `gorm:"type:varchar(128);not null" json:"name"`
	PointsCost   int64     `gorm:"not null" json:"points_cost"`
	RetailValue  int64     `gorm:"not null;default:0" json:"retail_value"`
	Availability string    `gorm:"type:varchar(20);not null" json:"availability"`
	Stock        int       `gorm:"not null;default:0" json:"stock"` // 仅 LIMITED 条目使用
	ValidityDays int       `gorm:"not null;default:0" json:"validity_days"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RewardItem) TableName() string {
	return "reward_item"
}

const (
	RedemptionStatusPending    = "PENDING"
	RedemptionStatusProcessing = "PROCESSING"
	RedemptionStatusDelivered  = "DELIVERED"
	RedemptionStatusExpired    = "EXPIRED"
)

// 兑换状态机：PENDING -> PROCESSING -> DELIVERED；超时未送达翻转为 EXPIRED
var ValidRedemptionTransitions = map[string][]string{
	RedemptionStatusPending:    {RedemptionStatusProcessing, RedemptionStatusExpired},
	RedemptionStatusProcessing: {RedemptionStatusDelivered, RedemptionStatusExpired},
}

func CanRedemptionTransitionTo(currentStatus, targetStatus string) bool {
	allowed, exists := ValidRedemptionTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Redemption 兑换记录表
type Redemption struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RdmNo        string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"rdm_no"`
	RequestID    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等ID
	AmbassadorID int64      `gorm:"index;not null" json:"ambassador_id"`
	ItemID       int64      `gorm:"index;not null" json:"item_id"`
	PointsSpent  int64      `gorm:"not null" json:"points_spent"`
	Status       string     `gorm:"type:varchar(20);index;not null" json:"status"`
	Code         string     `gorm:"type:varchar(64)" json:"code"` // 兑换码/物流号
	ExpiresAt    *time.Time `json:"expires_at"`
	CreatedAt    time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Redemption) TableName() string {
	return "redemption"
}
