package model

import (
	"time"
)

// ChapterBalance 章节余额投影表
// 随流水在同一事务内更新；remaining 始终等于 allocated - utilized
type ChapterBalance struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ChapterID int64     `gorm:"uniqueIndex;not null" json:"chapter_id"`
	Allocated int64     `gorm:"not null;default:0" json:"allocated"` // 累计到账预算
	Utilized  int64     `gorm:"not null;default:0" json:"utilized"`  // 累计支出
	Version   int       `gorm:"not null;default:0" json:"version"`   // 乐观锁版本号
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ChapterBalance) TableName() string {
	return "chapter_balance"
}

// Remaining 剩余可用预算
func (b *ChapterBalance) Remaining() int64 {
	return b.Allocated - b.Utilized
}

// PointsAccount 大使积分账户投影表
// 不变量：lifetime >= redeemed，current = lifetime - redeemed
type PointsAccount struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	AmbassadorID   int64     `gorm:"uniqueIndex;not null" json:"ambassador_id"`
	Lifetime       int64     `gorm:"not null;default:0" json:"lifetime"`        // 累计获得积分
	Redeemed       int64     `gorm:"not null;default:0" json:"redeemed"`        // 累计兑换积分
	ConversionRate int64     `gorm:"not null;default:0" json:"conversion_rate"` // 每单位货币折算积分数，建户时取配置
	Version        int       `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PointsAccount) TableName() string {
	return "points_account"
}

// Current 当前可用积分
func (a *PointsAccount) Current() int64 {
	return a.Lifetime - a.Redeemed
}
