package service

import (
	"context"
	"sync"
	"testing"

	"fundledger/internal/model"
	"fundledger/internal/repository"

	"github.com/stretchr/testify/require"
)

func TestCommitAllocationAndSpend(t *testing.T) {
	env := newTestEnv(t)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 1000000)

	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1000000), balance.Allocated)
	require.Equal(t, int64(0), balance.Utilized)
	require.Equal(t, int64(1000000), balance.Remaining)

	txn, err := env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   400000,
		Currency: model.CurrencyUSD,
	})
	require.NoError(t, err)
	require.Equal(t, model.TxnStatusCompleted, txn.Status)
	require.NotEmpty(t, txn.TxnNo)

	balance, err = env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(400000), balance.Utilized)
	require.Equal(t, int64(600000), balance.Remaining)
	// 守恒：remaining 永远等于 allocated - utilized
	require.Equal(t, balance.Allocated-balance.Utilized, balance.Remaining)
}

func TestSpendInsufficientFundsLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 100000)

	_, err := env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   100001,
		Currency: model.CurrencyUSD,
	})
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)

	// 余额分毫未动，流水表也没有半截 COMPLETED 记录
	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Utilized)

	txns, total, err := env.ledger.Query(ctx, &repository.QueryFilter{
		Kind:   model.TxnKindDistribution,
		Status: model.TxnStatusCompleted,
	}, 1, 10)
	require.NoError(t, err)
	require.Empty(t, txns)
	require.Zero(t, total)
}

func TestSpendWithOverrideAllowsBoundedOverdraft(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Ledger.OverdraftFloor = 50000
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 100000)

	// 无 override：超出预算即拒绝
	_, err := env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   120000,
		Currency: model.CurrencyUSD,
	})
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)

	// override：允许透支到 -50000
	_, err = env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   120000,
		Currency: model.CurrencyUSD,
		Override: true,
	})
	require.NoError(t, err)

	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(-20000), balance.Remaining)

	// 透支下限仍然生效
	_, err = env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   30001,
		Currency: model.CurrencyUSD,
		Override: true,
	})
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)
}

func TestRefundRestoresBudget(t *testing.T) {
	env := newTestEnv(t)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 500000)

	_, err := env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   200000,
		Currency: model.CurrencyUSD,
	})
	require.NoError(t, err)

	_, err = env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindRefund,
		FromID:   amb.ID,
		FromType: model.EntityTypeAmbassador,
		ToID:     chapter.ID,
		ToType:   model.EntityTypeChapter,
		Amount:   200000,
		Currency: model.CurrencyUSD,
	})
	require.NoError(t, err)

	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Utilized)
	require.Equal(t, int64(500000), balance.Remaining)
}

func TestInactiveChapterRejectsSpend(t *testing.T) {
	env := newTestEnv(t)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 100000)
	require.NoError(t, env.db.Model(&model.Chapter{}).
		Where("id = ?", chapter.ID).
		Update("is_active", false).Error)

	_, err := env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   1000,
		Currency: model.CurrencyUSD,
	})
	require.ErrorIs(t, err, repository.ErrInactiveChapter)
}

func TestRecordFailureHasNoBalanceEffect(t *testing.T) {
	env := newTestEnv(t)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 100000)

	txn, err := env.ledger.RecordFailure(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   999999,
		Currency: model.CurrencyUSD,
	}, "预算不足")
	require.NoError(t, err)
	require.Equal(t, model.TxnStatusFailed, txn.Status)
	require.Equal(t, "预算不足", txn.Description)

	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100000), balance.Remaining)
}

func TestConcurrentSpendExactlyOneSucceeds(t *testing.T) {
	env := newTestEnv(t)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 250000)

	// 两笔 250000 同时发起，预算只够一笔
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.ledger.Commit(ctx, &CommitRequest{
				Kind:     model.TxnKindDistribution,
				FromID:   chapter.ID,
				FromType: model.EntityTypeChapter,
				ToID:     amb.ID,
				ToType:   model.EntityTypeAmbassador,
				Amount:   250000,
				Currency: model.CurrencyUSD,
			})
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, repository.ErrInsufficientFunds)
			rejected++
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, rejected)

	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), balance.Remaining)
}

func TestRebuildReplaysLedger(t *testing.T) {
	env := newTestEnv(t)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 800000)
	_, err := env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   300000,
		Currency: model.CurrencyUSD,
	})
	require.NoError(t, err)
	_, err = env.ledger.Commit(ctx, &CommitRequest{
		Kind:      model.TxnKindReward,
		FromID:    org.ID,
		FromType:  model.EntityTypeOrganization,
		ToID:      amb.ID,
		ToType:    model.EntityTypeAmbassador,
		Amount:    500,
		Currency:  model.CurrencyPoints,
		Reference: "TASK-1",
	})
	require.NoError(t, err)
	_, err = env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindRedemption,
		FromID:   amb.ID,
		FromType: model.EntityTypeAmbassador,
		ToID:     0,
		ToType:   model.EntityTypeOrganization,
		Amount:   200,
		Currency: model.CurrencyPoints,
	})
	require.NoError(t, err)

	// 人为破坏投影，模拟投影表与流水脱节
	require.NoError(t, env.db.Model(&model.ChapterBalance{}).
		Where("chapter_id = ?", chapter.ID).
		Updates(map[string]interface{}{"allocated": 1, "utilized": 1}).Error)
	require.NoError(t, env.db.Model(&model.PointsAccount{}).
		Where("ambassador_id = ?", amb.ID).
		Update("lifetime", 99999).Error)

	require.NoError(t, env.ledger.Rebuild(ctx))

	balance, err := env.ledger.BalanceOf(ctx, chapter.ID)
	require.NoError(t, err)
	require.Equal(t, int64(800000), balance.Allocated)
	require.Equal(t, int64(300000), balance.Utilized)
	require.Equal(t, int64(500000), balance.Remaining)

	points, err := env.ledger.PointsOf(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), points.Lifetime)
	require.Equal(t, int64(200), points.Redeemed)
	require.Equal(t, int64(300), points.Current)
}

func TestCommitWritesLedgerEventToOutbox(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Kafka.Topic.LedgerEvent = "fundledger.ledger.event"
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 100000)
	txn, err := env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   40000,
		Currency: model.CurrencyUSD,
	})
	require.NoError(t, err)

	// 每笔入账随事务写一条事件，key 为流水号
	msgs, err := repository.NewOutboxRepository(env.db).GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	keys := []string{msgs[0].MessageKey, msgs[1].MessageKey}
	require.Contains(t, keys, txn.TxnNo)
	for _, msg := range msgs {
		require.Equal(t, "fundledger.ledger.event", msg.Topic)
		require.Contains(t, msg.Payload, msg.MessageKey)
	}

	// 入账失败不产生事件
	_, err = env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   999999,
		Currency: model.CurrencyUSD,
	})
	require.ErrorIs(t, err, repository.ErrInsufficientFunds)
	msgs, err = repository.NewOutboxRepository(env.db).GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestQueryByEntityMatchesBothDirections(t *testing.T) {
	env := newTestEnv(t)
	org, chapter, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	env.allocate(t, org.ID, chapter.ID, 100000)
	_, err := env.ledger.Commit(ctx, &CommitRequest{
		Kind:     model.TxnKindDistribution,
		FromID:   chapter.ID,
		FromType: model.EntityTypeChapter,
		ToID:     amb.ID,
		ToType:   model.EntityTypeAmbassador,
		Amount:   50000,
		Currency: model.CurrencyUSD,
	})
	require.NoError(t, err)

	// 章节既是拨款收款方又是分发付款方，两条都要命中
	txns, total, err := env.ledger.Query(ctx, &repository.QueryFilter{EntityID: chapter.ID}, 1, 10)
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, txns, 2)
	// 倒序：最新的在前
	require.Equal(t, model.TxnKindDistribution, txns[0].Kind)
}
