package service

import (
	"context"
	"testing"

	"fundledger/internal/model"
	"fundledger/internal/repository"

	"github.com/stretchr/testify/require"
)

func newAllocEnv(t *testing.T, stats TaskStatsProvider) (*testEnv, *AllocationService) {
	t.Helper()
	env := newTestEnv(t)
	svc := NewAllocationService(env.db, env.lockMgr, env.cfg, env.ledger, stats, NopNotifier{})
	return env, svc
}

func TestAllocationAmountFollowsPerformance(t *testing.T) {
	// 得分只看评分项：1 + 0.05*(4.0-3.0) = 1.05
	// 金额 = 8000 * 1.1 * 1.05 = 9240
	stats := &StaticTaskStats{Count: 0, Rating: 4.0}
	env, svc := newAllocEnv(t, stats)
	env.cfg.Allocation.AmbassadorWeight = 0
	env.cfg.Allocation.TaskWeight = 0
	env.cfg.Allocation.RatingWeight = 0.05
	_, chapter, _ := seedHierarchy(t, env.db)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, &CreateRuleRequest{
		ChapterID:             chapter.ID,
		BaseAmount:            8000,
		PerformanceMultiplier: 1.1,
	})
	require.NoError(t, err)

	record, err := svc.ProcessNow(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, model.AllocationStatusCompleted, record.Status)
	require.InDelta(t, 1.05, record.PerformanceScore, 1e-9)
	require.Equal(t, int64(9240), record.Amount)

	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(9240), balance.Allocated)
}

func TestAllocationScoreClampedToScaleBounds(t *testing.T) {
	// 极端高分被 clamp 到 scale_max
	stats := &StaticTaskStats{Count: 100000, Rating: 5.0}
	env, svc := newAllocEnv(t, stats)
	_, chapter, _ := seedHierarchy(t, env.db)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, &CreateRuleRequest{
		ChapterID:             chapter.ID,
		BaseAmount:            10000,
		PerformanceMultiplier: 1.0,
	})
	require.NoError(t, err)

	record, err := svc.ProcessNow(ctx, chapter.ID)
	require.NoError(t, err)
	// scale_max = 1.5
	require.Equal(t, int64(15000), record.Amount)
}

func TestAllocationIdempotentPerPeriod(t *testing.T) {
	stats := &StaticTaskStats{Count: 0, Rating: 3.0}
	env, svc := newAllocEnv(t, stats)
	_, chapter, _ := seedHierarchy(t, env.db)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, &CreateRuleRequest{
		ChapterID:             chapter.ID,
		BaseAmount:            10000,
		PerformanceMultiplier: 1.0,
	})
	require.NoError(t, err)
	period := rule.NextProcessingPeriod

	processed, err := svc.ProcessDueRules(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	// 规则已推进到下一账期，再跑一轮没有到期规则
	processed, err = svc.ProcessDueRules(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, processed)

	// 把账期拨回去模拟重复触发：同一 (章节, 账期) 返回已有记录，不再入账
	require.NoError(t, env.db.Model(&model.AllocationRule{}).
		Where("id = ?", rule.ID).
		Update("next_processing_period", period).Error)

	record, err := svc.ProcessNow(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, model.AllocationStatusCompleted, record.Status)
	require.Equal(t, period, record.Period)

	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10000), balance.Allocated)
}

func TestAllocationFailureLeavesAuditTrail(t *testing.T) {
	stats := &StaticTaskStats{Count: 0, Rating: 3.0}
	env, svc := newAllocEnv(t, stats)
	_, chapter, _ := seedHierarchy(t, env.db)
	ctx := context.Background()

	_, err := svc.CreateRule(ctx, &CreateRuleRequest{
		ChapterID:             chapter.ID,
		BaseAmount:            10000,
		PerformanceMultiplier: 1.0,
	})
	require.NoError(t, err)

	// 规则创建后章节被停用，入账会失败
	require.NoError(t, env.db.Model(&model.Chapter{}).
		Where("id = ?", chapter.ID).
		Update("is_active", false).Error)

	_, err = svc.ProcessNow(ctx, chapter.ID)
	require.ErrorIs(t, err, repository.ErrInactiveChapter)

	// 没有入账
	var balance model.ChapterBalance
	err = env.db.Where("chapter_id = ?", chapter.ID).First(&balance).Error
	if err == nil {
		require.Equal(t, int64(0), balance.Allocated)
	}
}

func TestDeactivateRuleFreezesFutureAllocations(t *testing.T) {
	stats := &StaticTaskStats{Count: 0, Rating: 3.0}
	env, svc := newAllocEnv(t, stats)
	_, chapter, _ := seedHierarchy(t, env.db)
	ctx := context.Background()

	rule, err := svc.CreateRule(ctx, &CreateRuleRequest{
		ChapterID:             chapter.ID,
		BaseAmount:            10000,
		PerformanceMultiplier: 1.0,
	})
	require.NoError(t, err)

	_, err = svc.ProcessNow(ctx, chapter.ID)
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateRule(ctx, rule.ID))

	// 停用后规则不可再触发
	_, err = svc.ProcessNow(ctx, chapter.ID)
	require.ErrorIs(t, err, repository.ErrRuleNotFound)

	// 已到账的预算不回收
	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(10000), balance.Allocated)
}

func TestCreateRuleRejectsDuplicateActiveRule(t *testing.T) {
	stats := &StaticTaskStats{Count: 0, Rating: 3.0}
	env, svc := newAllocEnv(t, stats)
	_, chapter, _ := seedHierarchy(t, env.db)
	ctx := context.Background()

	req := &CreateRuleRequest{
		ChapterID:             chapter.ID,
		BaseAmount:            10000,
		PerformanceMultiplier: 1.0,
	}
	_, err := svc.CreateRule(ctx, req)
	require.NoError(t, err)

	_, err = svc.CreateRule(ctx, req)
	require.ErrorIs(t, err, repository.ErrRuleExists)
}
