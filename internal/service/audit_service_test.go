package service

import (
	"context"
	"testing"
	"time"

	"fundledger/internal/model"

	"github.com/stretchr/testify/require"
)

func TestAuditFlowSummaryAndSuccessRate(t *testing.T) {
	env := newTestEnv(t)
	audit := NewAuditService(env.db)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 100000)

	_, err := env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   30000,
		Currency: model.CurrencyUSD,
	})
	require.NoError(t, err)

	// 一笔失败流水：进审计口径，不进成功率分子
	_, err = env.ledger.RecordFailure(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   999999,
		Currency: model.CurrencyUSD,
	}, "章节预算不足")
	require.NoError(t, err)

	rows, err := audit.FlowSummary(ctx)
	require.NoError(t, err)
	byPair := make(map[string]int64)
	for _, row := range rows {
		byPair[row.FromType+">"+row.ToType] = row.Total
	}
	// 失败流水不计入流向聚合
	require.Equal(t, int64(100000), byPair[model.EntityTypeOrganization+">"+model.EntityTypeChapter])
	require.Equal(t, int64(30000), byPair[model.EntityTypeChapter+">"+model.EntityTypeAmbassador])

	report, err := audit.SuccessRate(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(3), report.Total)
	require.Equal(t, int64(2), report.Completed)
	require.InDelta(t, 2.0/3.0, report.Rate, 1e-9)
}

func TestAuditChapterActivityMatchesProjection(t *testing.T) {
	env := newTestEnv(t)
	audit := NewAuditService(env.db)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 200000)
	for _, amount := range []int64{40000, 25000} {
		_, err := env.ledger.Commit(ctx, &CommitRequest{
			Kind:     model.TxnKindDistribution,
			FromID:   chapter.ID,
			FromType: model.EntityTypeChapter,
			ToID:     amb.ID,
			ToType:   model.EntityTypeAmbassador,
			Amount:   amount,
			Currency: model.CurrencyUSD,
		})
		require.NoError(t, err)
	}

	activity, err := audit.ChapterActivity(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), activity.TxnCount) // 1 拨款 + 2 发放
	require.Equal(t, int64(65000), activity.TotalOutflow)

	// 出账合计必须与投影表 utilized 对得上
	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, balance.Utilized, activity.TotalOutflow)
}
