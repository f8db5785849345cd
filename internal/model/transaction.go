package model

import (
	"time"
)

// ============================================================================
// 流水类型常量
// ============================================================================

const (
	TxnKindAllocation   = "ALLOCATION"   // 组织 -> 章节 / 组织 -> 奖励池（补充）
	TxnKindDistribution = "DISTRIBUTION" // 章节 -> 大使（活动经费等）
	TxnKindReward       = "REWARD"       // 章节 -> 大使（任务奖励），积分或现金
	TxnKindRequest      = "REQUEST"      // 大使 -> 章节（经费申请，只记录不动账）
	TxnKindRedemption   = "REDEMPTION"   // 大使积分兑换
	TxnKindRefund       = "REFUND"       // 大使 -> 章节（退回）
)

const (
	TxnStatusPending   = "PENDING"
	TxnStatusCompleted = "COMPLETED"
	TxnStatusFailed    = "FAILED"
)

const (
	CurrencyUSD    = "USD"
	CurrencyToken  = "TOKEN"
	CurrencyPoints = "POINTS"
	CurrencyMixed  = "MIXED"
)

// ============================================================================
// 总账流水实体
// ============================================================================

// LedgerTransaction 总账流水表
// 资金/积分的每一次移动都必须表达为一条流水，是全系统唯一的事实来源
//
// 【重要】流水表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 自增主键即单调序列号 —— 按序重放可重建所有投影表
// 3. 章节余额、积分余额、池子余额都是流水的投影，可随时重算校验
type LedgerTransaction struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"` // 单调序列号
	TxnNo       string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"txn_no"`
	Kind        string    `gorm:"type:varchar(20);index;not null" json:"kind"`
	FromID      int64     `gorm:"index;not null" json:"from_id"`
	FromType    string    `gorm:"type:varchar(20);not null" json:"from_type"`
	ToID        int64     `gorm:"index;not null" json:"to_id"`
	ToType      string    `gorm:"type:varchar(20);not null" json:"to_type"`
	Amount      int64     `gorm:"not null" json:"amount"` // 最小货币单位 / 积分数
	Currency    string    `gorm:"type:varchar(10);not null" json:"currency"`
	Status      string    `gorm:"type:varchar(20);index;not null" json:"status"`
	Reference   string    `gorm:"type:varchar(64);index" json:"reference"` // 关联单号（申请/分发共用）
	Category    string    `gorm:"type:varchar(32)" json:"category"`
	Description string    `gorm:"type:varchar(256)" json:"description"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (LedgerTransaction) TableName() string {
	return "ledger_transaction"
}
