package model

import (
	"time"
)

// ============================================================================
// 预算拨款（组织 -> 章节，按月）
// ============================================================================

const (
	AllocationStatusScheduled  = "SCHEDULED"
	AllocationStatusProcessing = "PROCESSING"
	AllocationStatusCompleted  = "COMPLETED"
	AllocationStatusFailed     = "FAILED"
)

// 拨款记录状态机：SCHEDULED -> PROCESSING -> COMPLETED / FAILED
// COMPLETED / FAILED 为终态；失败重试必须新建记录，不允许改写失败记录
var ValidAllocationTransitions = map[string][]string{
	AllocationStatusScheduled:  {AllocationStatusProcessing},
	AllocationStatusProcessing: {AllocationStatusCompleted, AllocationStatusFailed},
}

func CanAllocationTransitionTo(currentStatus, targetStatus string) bool {
	allowed, exists := ValidAllocationTransitions[currentStatus]
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

// AllocationRule 拨款规则表
// 每个章节同一时间只允许一条生效规则；引擎按 (chapter_id, period) 幂等
type AllocationRule struct {
	ID                    int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ChapterID             int64     `gorm:"index;not null" json:"chapter_id"`
	BaseAmount            int64     `gorm:"not null" json:"base_amount"`
	PerformanceMultiplier float64   `gorm:"not null;default:1" json:"performance_multiplier"`
	IsActive              bool      `gorm:"not null;default:true" json:"is_active"`
	LastProcessedPeriod   string    `gorm:"type:varchar(7)" json:"last_processed_period"`            // YYYY-MM
	NextProcessingPeriod  string    `gorm:"type:varchar(7);not null" json:"next_processing_period"` // YYYY-MM
	CreatedAt             time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AllocationRule) TableName() string {
	return "allocation_rule"
}

// AllocationRecord 拨款历史表（不可变历史行）
// 记录拨款时的绩效快照，便于审计核对金额计算过程
type AllocationRecord struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AllocNo          string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"alloc_no"`
	ChapterID        int64     `gorm:"index:idx_chapter_period;not null" json:"chapter_id"`
	Period           string    `gorm:"type:varchar(7);index:idx_chapter_period;not null" json:"period"` // YYYY-MM
	Amount           int64     `gorm:"not null" json:"amount"`
	Status           string    `gorm:"type:varchar(20);index;not null" json:"status"`
	PerformanceScore float64   `gorm:"not null;default:0" json:"performance_score"`
	AmbassadorCount  int       `gorm:"not null;default:0" json:"ambassador_count"`
	TasksCompleted   int       `gorm:"not null;default:0" json:"tasks_completed"`
	FailReason       string    `gorm:"type:varchar(256)" json:"fail_reason"`
	CreatedAt        time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AllocationRecord) TableName() string {
	return "allocation_record"
}
