package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"fundledger/internal/model"
	"fundledger/internal/repository"

	"github.com/stretchr/testify/require"
)

func newPointsEnv(t *testing.T) (*testEnv, *PointsService) {
	t.Helper()
	env := newTestEnv(t)
	svc := NewPointsService(env.db, env.lockMgr, env.cfg, env.ledger, NopNotifier{})
	return env, svc
}

func TestEarnAndRedeemLifecycle(t *testing.T) {
	env, svc := newPointsEnv(t)
	_, _, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	_, err := svc.Earn(ctx, &EarnRequest{
		AmbassadorID: amb.ID,
		Points:       500,
		SourceTaskID: "TASK-100",
	})
	require.NoError(t, err)

	item, err := svc.CreateItem(ctx, &CreateItemRequest{
		Name:       "周边T恤",
		PointsCost: 300,
	})
	require.NoError(t, err)

	rdm, err := svc.Redeem(ctx, &RedeemRequest{
		RequestID:    "rdm-1",
		AmbassadorID: amb.ID,
		ItemNo:       item.ItemNo,
	})
	require.NoError(t, err)
	require.Equal(t, model.RedemptionStatusPending, rdm.Status)
	require.Equal(t, int64(300), rdm.PointsSpent)
	require.NotEmpty(t, rdm.Code)

	summary, err := svc.Balance(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), summary.Lifetime) // lifetime 不因兑换减少
	require.Equal(t, int64(300), summary.Redeemed)
	require.Equal(t, int64(200), summary.Current)
	// 建户时写入配置折算率
	require.Equal(t, env.cfg.Points.ConversionRate, summary.ConversionRate)
}

func TestEarnIdempotentPerSourceTask(t *testing.T) {
	env, svc := newPointsEnv(t)
	_, _, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	req := &EarnRequest{AmbassadorID: amb.ID, Points: 300, SourceTaskID: "TASK-7"}
	t1, err := svc.Earn(ctx, req)
	require.NoError(t, err)

	// 任务系统重推回调：返回已有流水，不重复发放
	t2, err := svc.Earn(ctx, req)
	require.NoError(t, err)
	require.Equal(t, t1.TxnNo, t2.TxnNo)

	summary, err := svc.Balance(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, int64(300), summary.Lifetime)
}

func TestConcurrentEarnSameTaskCreditsOnce(t *testing.T) {
	env, svc := newPointsEnv(t)
	_, _, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	// 同一任务并发重推：锁内复查保证只有第一笔入账
	req := &EarnRequest{AmbassadorID: amb.ID, Points: 400, SourceTaskID: "TASK-9"}
	var wg sync.WaitGroup
	txns := make([]*model.LedgerTransaction, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			txns[i], errs[i] = svc.Earn(ctx, req)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, txns[0].TxnNo, txns[1].TxnNo)

	summary, err := svc.Balance(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, int64(400), summary.Lifetime)
}

func TestRedeemInsufficientPoints(t *testing.T) {
	env, svc := newPointsEnv(t)
	_, _, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	_, err := svc.Earn(ctx, &EarnRequest{AmbassadorID: amb.ID, Points: 100, SourceTaskID: "TASK-1"})
	require.NoError(t, err)

	item, err := svc.CreateItem(ctx, &CreateItemRequest{Name: "礼品卡", PointsCost: 200})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, &RedeemRequest{
		RequestID:    "rdm-x",
		AmbassadorID: amb.ID,
		ItemNo:       item.ItemNo,
	})
	require.ErrorIs(t, err, repository.ErrInsufficientPoints)

	// 失败不留兑换单
	summary, err := svc.Balance(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.Redeemed)
	_, total, err := svc.History(ctx, amb.ID, 1, 10)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestRedeemIdempotent(t *testing.T) {
	env, svc := newPointsEnv(t)
	_, _, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	_, err := svc.Earn(ctx, &EarnRequest{AmbassadorID: amb.ID, Points: 1000, SourceTaskID: "TASK-1"})
	require.NoError(t, err)
	item, err := svc.CreateItem(ctx, &CreateItemRequest{Name: "徽章", PointsCost: 100})
	require.NoError(t, err)

	req := &RedeemRequest{RequestID: "dup-rdm", AmbassadorID: amb.ID, ItemNo: item.ItemNo}
	r1, err := svc.Redeem(ctx, req)
	require.NoError(t, err)
	r2, err := svc.Redeem(ctx, req)
	require.NoError(t, err)
	require.Equal(t, r1.RdmNo, r2.RdmNo)

	summary, err := svc.Balance(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, int64(100), summary.Redeemed) // 只扣了一次
}

func TestLimitedItemStockFlipsOutOfStock(t *testing.T) {
	env, svc := newPointsEnv(t)
	_, chapter, amb := seedHierarchy(t, env.db)
	other := addAmbassador(t, env.db, chapter.ID, "王五")
	ctx := context.Background()

	for _, id := range []int64{amb.ID, other.ID} {
		_, err := svc.Earn(ctx, &EarnRequest{AmbassadorID: id, Points: 500, SourceTaskID: "TASK-1"})
		require.NoError(t, err)
	}

	item, err := svc.CreateItem(ctx, &CreateItemRequest{
		Name:         "限量手办",
		PointsCost:   100,
		Availability: model.RewardItemLimited,
		Stock:        1,
	})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, &RedeemRequest{RequestID: "s-1", AmbassadorID: amb.ID, ItemNo: item.ItemNo})
	require.NoError(t, err)

	// 库存扣到 0，条目翻转缺货
	catalog, err := svc.Catalog(ctx)
	require.NoError(t, err)
	require.Len(t, catalog, 1)
	require.Equal(t, model.RewardItemOutOfStock, catalog[0].Availability)

	_, err = svc.Redeem(ctx, &RedeemRequest{RequestID: "s-2", AmbassadorID: other.ID, ItemNo: item.ItemNo})
	require.ErrorIs(t, err, repository.ErrItemOutOfStock)

	// 缺货失败不扣积分
	summary, err := svc.Balance(ctx, other.ID)
	require.NoError(t, err)
	require.Equal(t, int64(500), summary.Current)
}

func TestConcurrentRedeemExactlyOneSucceeds(t *testing.T) {
	env, svc := newPointsEnv(t)
	_, _, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	_, err := svc.Earn(ctx, &EarnRequest{AmbassadorID: amb.ID, Points: 300, SourceTaskID: "TASK-1"})
	require.NoError(t, err)
	item, err := svc.CreateItem(ctx, &CreateItemRequest{Name: "耳机", PointsCost: 300})
	require.NoError(t, err)

	// 余额只够一次，两个并发请求（不同幂等ID）只能成一个
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, reqID := range []string{"c-1", "c-2"} {
		wg.Add(1)
		go func(i int, reqID string) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(ctx, &RedeemRequest{
				RequestID:    reqID,
				AmbassadorID: amb.ID,
				ItemNo:       item.ItemNo,
			})
		}(i, reqID)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, repository.ErrInsufficientPoints)
		}
	}
	require.Equal(t, 1, succeeded)

	summary, err := svc.Balance(ctx, amb.ID)
	require.NoError(t, err)
	require.Equal(t, int64(0), summary.Current)
}

func TestRedemptionDeliveryAndExpiry(t *testing.T) {
	env, svc := newPointsEnv(t)
	_, _, amb := seedHierarchy(t, env.db)
	ctx := context.Background()

	_, err := svc.Earn(ctx, &EarnRequest{AmbassadorID: amb.ID, Points: 1000, SourceTaskID: "TASK-1"})
	require.NoError(t, err)
	item, err := svc.CreateItem(ctx, &CreateItemRequest{Name: "水杯", PointsCost: 100, ValidityDays: 7})
	require.NoError(t, err)

	rdm, err := svc.Redeem(ctx, &RedeemRequest{RequestID: "d-1", AmbassadorID: amb.ID, ItemNo: item.ItemNo})
	require.NoError(t, err)
	require.NotNil(t, rdm.ExpiresAt)

	// 正常流转：PENDING -> PROCESSING -> DELIVERED
	require.NoError(t, svc.Deliver(ctx, rdm.RdmNo, model.RedemptionStatusPending, model.RedemptionStatusProcessing))
	require.NoError(t, svc.Deliver(ctx, rdm.RdmNo, model.RedemptionStatusProcessing, model.RedemptionStatusDelivered))

	// 终态不可再迁移
	err = svc.Deliver(ctx, rdm.RdmNo, model.RedemptionStatusDelivered, model.RedemptionStatusExpired)
	require.ErrorIs(t, err, repository.ErrRedemptionInvalid)

	// 过期扫描只命中超时未送达的单
	rdm2, err := svc.Redeem(ctx, &RedeemRequest{RequestID: "d-2", AmbassadorID: amb.ID, ItemNo: item.ItemNo})
	require.NoError(t, err)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, env.db.Model(&model.Redemption{}).
		Where("rdm_no = ?", rdm2.RdmNo).
		Update("expires_at", past).Error)

	svc.ExpireOverdueRedemptions(ctx, 100)

	var got model.Redemption
	require.NoError(t, env.db.Where("rdm_no = ?", rdm2.RdmNo).First(&got).Error)
	require.Equal(t, model.RedemptionStatusExpired, got.Status)
}
