package model

import (
	"time"
)

// ============================================================================
// 实体类型常量
// ============================================================================

const (
	EntityTypeOrganization = "ORGANIZATION"
	EntityTypeChapter      = "CHAPTER"
	EntityTypeAmbassador   = "AMBASSADOR"
	EntityTypePool         = "POOL"
)

// 调用方角色（由上游网关解析后通过 Header 传入）
const (
	RoleAdmin      = "ADMIN"      // 组织管理员，可跨章节操作
	RolePresident  = "PRESIDENT"  // 章节主席，只能操作自己的章节
	RoleAmbassador = "AMBASSADOR" // 大使
)

// Organization 组织表
// 资金层级的顶层，章节的所有者，也是奖励池补充资金的来源（treasury）
type Organization struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"type:varchar(128);uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Organization) TableName() string {
	return "organization"
}

// Chapter 章节表
// 组织下的区域单元，有独立的月度预算和主席
//
// 【注意】allocated/utilized/remaining 不在本表存储，
// 由 chapter_balance 投影表维护，最终以流水表为准
type Chapter struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrganizationID int64     `gorm:"index;not null" json:"organization_id"`
	Name           string    `gorm:"type:varchar(128);not null" json:"name"`
	Region         string    `gorm:"type:varchar(64)" json:"region"`
	PresidentID    *int64    `gorm:"index" json:"president_id"` // 未指派主席的章节没有支出权限
	MonthlyBudget  int64     `gorm:"not null;default:0" json:"monthly_budget"`
	IsActive       bool      `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Chapter) TableName() string {
	return "chapter"
}

// Ambassador 大使表
// tasksCompleted / totalEarned 等统计均从流水表推导，不在此存储
type Ambassador struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ChapterID *int64    `gorm:"index" json:"chapter_id"` // 入会后才分配章节
	Name      string    `gorm:"type:varchar(128);not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Ambassador) TableName() string {
	return "ambassador"
}
