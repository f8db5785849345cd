package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fundledger/internal/config"
	"fundledger/internal/infrastructure/database"
	"fundledger/internal/infrastructure/lock"
	"fundledger/internal/model"
	"fundledger/internal/service"
	"fundledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite 单写者，串行化连接避免 database is locked
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return SetupRouter(db, lock.NewLocalManager(), config.Default(), service.NopNotifier{})
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// httpDo 发请求并断言 HTTP 200，业务结果看 envelope.Code
func httpDo(t *testing.T, r *gin.Engine, method, path string, body interface{}, headers map[string]string) *envelope {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return &env
}

func decodeData(t *testing.T, env *envelope, out interface{}) {
	t.Helper()
	require.Equal(t, response.CodeSuccess, env.Code, "message: %s", env.Message)
	require.NoError(t, json.Unmarshal(env.Data, out))
}

func adminHeaders() map[string]string {
	return map[string]string{"X-User-ID": "1", "X-Role": model.RoleAdmin}
}

func TestFullFundingFlowOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	// 建层级：组织 -> 章节 -> 大使（兼主席）
	var org model.Organization
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/org/create",
		gin.H{"name": "远航组织"}, nil), &org)

	var chapter model.Chapter
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/chapter/create",
		gin.H{"organization_id": org.ID, "name": "北京章节", "region": "华北", "monthly_budget": 500000}, nil), &chapter)

	var amb model.Ambassador
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/ambassador/create",
		gin.H{"chapter_id": chapter.ID, "name": "李四"}, nil), &amb)

	env := httpDo(t, r, http.MethodPost, "/api/v1/chapter/president",
		gin.H{"chapter_id": chapter.ID, "ambassador_id": amb.ID}, nil)
	require.Equal(t, response.CodeSuccess, env.Code)

	// 建规则并触发当期拨款
	env = httpDo(t, r, http.MethodPost, "/api/v1/allocation/rule",
		gin.H{"chapter_id": chapter.ID, "base_amount": 100000, "performance_multiplier": 1.0}, nil)
	require.Equal(t, response.CodeSuccess, env.Code)

	var record model.AllocationRecord
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/allocation/process",
		gin.H{"chapter_id": chapter.ID}, nil), &record)
	require.Equal(t, model.AllocationStatusCompleted, record.Status)
	require.Positive(t, record.Amount)

	var budget struct {
		Allocated int64 `json:"allocated"`
		Remaining int64 `json:"remaining"`
	}
	decodeData(t, httpDo(t, r, http.MethodGet,
		fmt.Sprintf("/api/v1/chapter/budget?chapter_id=%d", chapter.ID), nil, nil), &budget)
	require.Equal(t, record.Amount, budget.Allocated)

	// 分发：申请 -> 管理员审批入账
	var dist model.FundDistribution
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/distribution/request",
		gin.H{
			"request_id":    "http-dist-1",
			"chapter_id":    chapter.ID,
			"ambassador_id": amb.ID,
			"amount":        30000,
			"type":          model.DistributionTypeReward,
		}, nil), &dist)
	require.Equal(t, model.DistributionStatusPending, dist.Status)

	var approved model.FundDistribution
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/distribution/approve",
		gin.H{"dist_no": dist.DistNo}, adminHeaders()), &approved)
	require.Equal(t, model.DistributionStatusCompleted, approved.Status)

	decodeData(t, httpDo(t, r, http.MethodGet,
		fmt.Sprintf("/api/v1/chapter/budget?chapter_id=%d", chapter.ID), nil, nil), &budget)
	require.Equal(t, record.Amount-30000, budget.Remaining)

	// 积分：上架 -> 发放 -> 兑换 -> 查余额
	var item model.RewardItem
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/points/item",
		gin.H{"name": "纪念徽章", "points_cost": 150}, nil), &item)

	env = httpDo(t, r, http.MethodPost, "/api/v1/points/earn",
		gin.H{"ambassador_id": amb.ID, "points": 400, "source_task_id": "TASK-http"}, nil)
	require.Equal(t, response.CodeSuccess, env.Code)

	var rdm model.Redemption
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/points/redeem",
		gin.H{"request_id": "http-rdm-1", "ambassador_id": amb.ID, "item_no": item.ItemNo}, nil), &rdm)
	require.NotEmpty(t, rdm.Code)

	var summary struct {
		Current int64 `json:"current"`
	}
	decodeData(t, httpDo(t, r, http.MethodGet,
		fmt.Sprintf("/api/v1/points/balance?ambassador_id=%d", amb.ID), nil, nil), &summary)
	require.Equal(t, int64(250), summary.Current)

	// 审计口径能看到全链路流水
	var page struct {
		Total int64 `json:"total"`
	}
	decodeData(t, httpDo(t, r, http.MethodGet, "/api/v1/audit/search", nil, nil), &page)
	require.Equal(t, int64(4), page.Total) // 拨款 + 发放 + 积分发放 + 积分兑换
}

func TestApproveBeyondBudgetReturnsBusinessCode(t *testing.T) {
	r := newTestRouter(t)

	var org model.Organization
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/org/create",
		gin.H{"name": "预算组织"}, nil), &org)
	var chapter model.Chapter
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/chapter/create",
		gin.H{"organization_id": org.ID, "name": "深圳章节", "monthly_budget": 10000}, nil), &chapter)
	var amb model.Ambassador
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/ambassador/create",
		gin.H{"chapter_id": chapter.ID, "name": "赵六"}, nil), &amb)
	httpDo(t, r, http.MethodPost, "/api/v1/chapter/president",
		gin.H{"chapter_id": chapter.ID, "ambassador_id": amb.ID}, nil)

	// 没有任何拨款，审批必然超预算
	var dist model.FundDistribution
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/distribution/request",
		gin.H{
			"request_id":    "over-1",
			"chapter_id":    chapter.ID,
			"ambassador_id": amb.ID,
			"amount":        5000,
			"type":          model.DistributionTypeEvent,
		}, nil), &dist)

	env := httpDo(t, r, http.MethodPost, "/api/v1/distribution/approve",
		gin.H{"dist_no": dist.DistNo}, adminHeaders())
	require.Equal(t, response.CodeInsufficientFunds, env.Code)
	require.Contains(t, env.Message, "超出")

	// 自动驳回后单据已是终态
	var page struct {
		List []*model.FundDistribution `json:"list"`
	}
	decodeData(t, httpDo(t, r, http.MethodGet,
		fmt.Sprintf("/api/v1/distribution/list?chapter_id=%d", chapter.ID), nil, nil), &page)
	require.Len(t, page.List, 1)
	require.Equal(t, model.DistributionStatusRejected, page.List[0].Status)
}

func TestApproveWithoutAuthorityForbidden(t *testing.T) {
	r := newTestRouter(t)

	var org model.Organization
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/org/create",
		gin.H{"name": "权限组织"}, nil), &org)
	var chapter model.Chapter
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/chapter/create",
		gin.H{"organization_id": org.ID, "name": "成都章节"}, nil), &chapter)
	var amb model.Ambassador
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/ambassador/create",
		gin.H{"chapter_id": chapter.ID, "name": "钱七"}, nil), &amb)
	httpDo(t, r, http.MethodPost, "/api/v1/chapter/president",
		gin.H{"chapter_id": chapter.ID, "ambassador_id": amb.ID}, nil)

	var dist model.FundDistribution
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/distribution/request",
		gin.H{
			"request_id":    "auth-1",
			"chapter_id":    chapter.ID,
			"ambassador_id": amb.ID,
			"amount":        1000,
			"type":          model.DistributionTypeBonus,
		}, nil), &dist)

	// 普通大使身份审批被拒
	env := httpDo(t, r, http.MethodPost, "/api/v1/distribution/approve",
		gin.H{"dist_no": dist.DistNo},
		map[string]string{"X-User-ID": "99", "X-Role": model.RoleAmbassador})
	require.Equal(t, response.CodeForbidden, env.Code)

	// 投影重建同样只有管理员能碰
	env = httpDo(t, r, http.MethodPost, "/api/v1/ledger/rebuild", gin.H{},
		map[string]string{"X-User-ID": "99", "X-Role": model.RoleAmbassador})
	require.Equal(t, response.CodeForbidden, env.Code)

	env = httpDo(t, r, http.MethodPost, "/api/v1/ledger/rebuild", gin.H{}, adminHeaders())
	require.Equal(t, response.CodeSuccess, env.Code)
}

func TestPoolFlowOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	var org model.Organization
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/org/create",
		gin.H{"name": "池子组织"}, nil), &org)
	var chapter model.Chapter
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/chapter/create",
		gin.H{"organization_id": org.ID, "name": "广州章节"}, nil), &chapter)
	var amb model.Ambassador
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/ambassador/create",
		gin.H{"chapter_id": chapter.ID, "name": "孙八"}, nil), &amb)

	var pool model.RewardPool
	decodeData(t, httpDo(t, r, http.MethodPost, "/api/v1/pool/create",
		gin.H{
			"name":            "活动池",
			"scope":           model.PoolScopeRegional,
			"currency":        model.CurrencyUSD,
			"organization_id": org.ID,
		}, nil), &pool)

	// 空池预留直接报池余额不足
	env := httpDo(t, r, http.MethodPost, "/api/v1/pool/reserve",
		gin.H{"pool_no": pool.PoolNo, "ambassador_id": amb.ID, "amount": 100}, nil)
	require.Equal(t, response.CodeInsufficientFunds, env.Code)

	var pools []*service.PoolView
	decodeData(t, httpDo(t, r, http.MethodGet, "/api/v1/pool/list", nil, nil), &pools)
	require.Len(t, pools, 1)
	require.Equal(t, pool.PoolNo, pools[0].PoolNo)
}
