package model

import (
	"time"
)

// ============================================================================
// 经费分发（章节 -> 大使）
// ============================================================================

const (
	DistributionStatusPending   = "PENDING"
	DistributionStatusApproved  = "APPROVED"
	DistributionStatusCompleted = "COMPLETED"
	DistributionStatusRejected  = "REJECTED"
)

// 分发状态机：PENDING -> APPROVED -> COMPLETED，或 PENDING/APPROVED -> REJECTED
// APPROVED -> REJECTED 用于入账失败时的自动驳回（余额不足等）
var ValidDistributionTransitions = map[string][]string{
	DistributionStatusPending:  {DistributionStatusApproved, DistributionStatusRejected},
	DistributionStatusApproved: {DistributionStatusCompleted, DistributionStatusRejected},
}

func CanDistributionTransitionTo(currentStatus, targetStatus string) bool {
	allowed, exists := ValidDistributionTransitions[currentStatus]
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

const (
	DistributionTypeReward    = "REWARD"
	DistributionTypeEvent     = "EVENT"
	DistributionTypeBonus     = "BONUS"
	DistributionTypeAllowance = "ALLOWANCE"
)

// 分发方向
// OUTBOUND：主席主动发起（章节 -> 大使）
// REQUEST：大使发起的经费申请（大使 -> 章节），审批通过后反转为章节 -> 大使，
// 申请流水与最终付款流水共用 reference，审计侧呈现为关联事件而非重复事件
const (
	DistributionDirectionOutbound = "OUTBOUND"
	DistributionDirectionRequest  = "REQUEST"
)

// FundDistribution 经费分发表
type FundDistribution struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	DistNo       string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"dist_no"`
	RequestID    string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等ID
	ChapterID    int64      `gorm:"index;not null" json:"chapter_id"`
	AmbassadorID int64      `gorm:"index;not null" json:"ambassador_id"`
	Amount       int64      `gorm:"not null" json:"amount"`
	Type         string     `gorm:"type:varchar(20);not null" json:"type"`
	Category     string     `gorm:"type:varchar(32)" json:"category"`
	Direction    string     `gorm:"type:varchar(10);not null" json:"direction"`
	Status       string     `gorm:"type:varchar(20);index;not null" json:"status"`
	Reason       string     `gorm:"type:varchar(256)" json:"reason"`
	Notes        string     `gorm:"type:varchar(256)" json:"notes"` // 驳回说明
	Override     bool       `gorm:"not null;default:false" json:"override"` // 允许透支（需组织级权限）
	RequestedAt  time.Time  `gorm:"autoCreateTime" json:"requested_at"`
	ProcessedAt  *time.Time `json:"processed_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (FundDistribution) TableName() string {
	return "fund_distribution"
}
