package service

import (
	"context"
	"time"

	"fundledger/internal/model"
	"fundledger/internal/repository"

	"gorm.io/gorm"
)

// AuditService 审计查询：全部基于流水表，不读投影
type AuditService struct {
	txnRepo *repository.TransactionRepository
}

func NewAuditService(db *gorm.DB) *AuditService {
	return &AuditService{txnRepo: repository.NewTransactionRepository(db)}
}

// Search 流水检索（类型/状态/实体/关键字，时间倒序分页）
func (s *AuditService) Search(ctx context.Context, filter *repository.QueryFilter, page, pageSize int) ([]*model.LedgerTransaction, int64, error) {
	return s.txnRepo.Query(ctx, filter, page, pageSize)
}

// Trace 按单号取流水
func (s *AuditService) Trace(ctx context.Context, txnNo string) (*model.LedgerTransaction, error) {
	return s.txnRepo.GetByTxnNo(ctx, txnNo)
}

// FlowSummary 按 (来源类型, 去向类型) 聚合的资金流向
func (s *AuditService) FlowSummary(ctx context.Context) ([]*repository.FlowRow, error) {
	return s.txnRepo.FlowSummary(ctx)
}

// SuccessRateReport 时间窗内的动账成功率
type SuccessRateReport struct {
	Since     time.Time `json:"since"`
	Total     int64     `json:"total"`
	Completed int64     `json:"completed"`
	Rate      float64   `json:"rate"`
}

func (s *AuditService) SuccessRate(ctx context.Context, since time.Time) (*SuccessRateReport, error) {
	completed, total, err := s.txnRepo.SuccessRate(ctx, since)
	if err != nil {
		return nil, err
	}
	report := &SuccessRateReport{Since: since, Total: total, Completed: completed}
	if total > 0 {
		report.Rate = float64(completed) / float64(total)
	}
	return report, nil
}

// ChapterActivity 章节维度统计
type ChapterActivity struct {
	ChapterID    int64 `json:"chapter_id"`
	TxnCount     int64 `json:"txn_count"`
	TotalOutflow int64 `json:"total_outflow"`
}

func (s *AuditService) ChapterActivity(ctx context.Context, chapterID int64) (*ChapterActivity, error) {
	count, err := s.txnRepo.CountByChapter(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	outflow, err := s.txnRepo.SumChapterOutflow(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	return &ChapterActivity{ChapterID: chapterID, TxnCount: count, TotalOutflow: outflow}, nil
}
