package handler

import (
	"errors"
	"strconv"
	"time"

	"fundledger/internal/config"
	"fundledger/internal/infrastructure/lock"
	"fundledger/internal/model"
	"fundledger/internal/repository"
	"fundledger/internal/service"
	"fundledger/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	entityService *service.EntityService
	ledgerService *service.LedgerService
	allocService  *service.AllocationService
	distService   *service.DistributionService
	poolService   *service.PoolService
	pointsService *service.PointsService
	auditService  *service.AuditService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, lockMgr lock.Manager, cfg *config.Config, notifier service.Notifier) *Handler {
	ledger := service.NewLedgerService(db, lockMgr, cfg)
	taskStats := service.NewLedgerTaskStats(repository.NewTransactionRepository(db), cfg)
	return &Handler{
		entityService: service.NewEntityService(db),
		ledgerService: ledger,
		allocService:  service.NewAllocationService(db, lockMgr, cfg, ledger, taskStats, notifier),
		distService:   service.NewDistributionService(db, lockMgr, cfg, ledger, notifier),
		poolService:   service.NewPoolService(db, lockMgr, cfg, ledger, notifier),
		pointsService: service.NewPointsService(db, lockMgr, cfg, ledger, notifier),
		auditService:  service.NewAuditService(db),
	}
}

// writeError 把业务错误映射为统一错误码
// 业务规则失败是合法状态，统一 HTTP 200 + code
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrInsufficientFunds), errors.Is(err, repository.ErrPoolInsufficient):
		response.BusinessError(c, response.CodeInsufficientFunds, err.Error())
	case errors.Is(err, repository.ErrInsufficientPoints):
		response.BusinessError(c, response.CodeInsufficientPoints, err.Error())
	case errors.Is(err, repository.ErrItemOutOfStock):
		response.BusinessError(c, response.CodeOutOfStock, err.Error())
	case errors.Is(err, repository.ErrInactiveChapter):
		response.BusinessError(c, response.CodeInactiveChapter, err.Error())
	case errors.Is(err, repository.ErrInactiveRule):
		response.BusinessError(c, response.CodeInactiveRule, err.Error())
	case errors.Is(err, repository.ErrPoolUnavailable):
		response.BusinessError(c, response.CodePoolUnavailable, err.Error())
	case errors.Is(err, repository.ErrRuleExists):
		response.BusinessError(c, response.CodeDuplicateRequest, err.Error())
	case errors.Is(err, service.ErrConcurrencyConflict), errors.Is(err, repository.ErrOptimisticLock):
		response.BusinessError(c, response.CodeConcurrencyConflict, err.Error())
	case errors.Is(err, repository.ErrDistributionInvalid),
		errors.Is(err, repository.ErrRedemptionInvalid),
		errors.Is(err, repository.ErrReservationInvalid),
		errors.Is(err, repository.ErrAllocationInvalid):
		response.BusinessError(c, response.CodeInvalidStatus, err.Error())
	case errors.Is(err, repository.ErrUnknownEntity),
		errors.Is(err, repository.ErrRuleNotFound),
		errors.Is(err, repository.ErrDistributionNotFound),
		errors.Is(err, repository.ErrPoolNotFound),
		errors.Is(err, repository.ErrReservationNotFound),
		errors.Is(err, repository.ErrItemNotFound):
		response.BusinessError(c, response.CodeUnknownEntity, err.Error())
	case errors.Is(err, service.ErrNotAuthorized),
		errors.Is(err, service.ErrNoPresident),
		errors.Is(err, repository.ErrNotInChapter):
		response.Forbidden(c, err.Error())
	case errors.Is(err, service.ErrInvalidCommit), errors.Is(err, service.ErrSettleExceedsReserved):
		response.ParamError(c, err.Error())
	default:
		response.ServerError(c, err.Error())
	}
}

func queryInt64(c *gin.Context, key string) int64 {
	v, _ := strconv.ParseInt(c.Query(key), 10, 64)
	return v
}

func queryPage(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	return page, pageSize
}

// ============================================================
// 实体注册接口
// ============================================================

// CreateOrganization 创建组织
// POST /api/v1/org/create
func (h *Handler) CreateOrganization(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	org, err := h.entityService.CreateOrganization(c.Request.Context(), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, org)
}

// CreateChapter 创建章节
// POST /api/v1/chapter/create
func (h *Handler) CreateChapter(c *gin.Context) {
	var req service.CreateChapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	chapter, err := h.entityService.CreateChapter(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, chapter)
}

// AssignPresident 指派章节主席
// POST /api/v1/chapter/president
func (h *Handler) AssignPresident(c *gin.Context) {
	var req struct {
		ChapterID    int64 `json:"chapter_id" binding:"required"`
		AmbassadorID int64 `json:"ambassador_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.entityService.AssignPresident(c.Request.Context(), req.ChapterID, req.AmbassadorID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "主席已指派"})
}

// CreateAmbassador 注册大使
// POST /api/v1/ambassador/create
func (h *Handler) CreateAmbassador(c *gin.Context) {
	var req service.CreateAmbassadorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	amb, err := h.entityService.CreateAmbassador(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, amb)
}

// ListChapters 章节列表
// GET /api/v1/chapter/list?org_id=xxx
func (h *Handler) ListChapters(c *gin.Context) {
	chapters, err := h.entityService.ListChapters(c.Request.Context(), queryInt64(c, "org_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, chapters)
}

// GetChapterBudget 章节预算摘要
// GET /api/v1/chapter/budget?chapter_id=xxx
func (h *Handler) GetChapterBudget(c *gin.Context) {
	chapterID := queryInt64(c, "chapter_id")
	if chapterID <= 0 {
		response.ParamError(c, "chapter_id 参数错误")
		return
	}

	summary, err := h.ledgerService.BalanceOf(c.Request.Context(), chapterID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, summary)
}

// ============================================================
// 拨款接口
// ============================================================

// CreateAllocationRule 创建拨款规则
// POST /api/v1/allocation/rule
func (h *Handler) CreateAllocationRule(c *gin.Context) {
	var req service.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rule, err := h.allocService.CreateRule(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, rule)
}

// DeactivateAllocationRule 停用拨款规则
// POST /api/v1/allocation/deactivate
func (h *Handler) DeactivateAllocationRule(c *gin.Context) {
	var req struct {
		RuleID int64 `json:"rule_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.allocService.DeactivateRule(c.Request.Context(), req.RuleID); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "规则已停用"})
}

// ProcessAllocation 手工触发单章节当期拨款
// POST /api/v1/allocation/process
func (h *Handler) ProcessAllocation(c *gin.Context) {
	var req struct {
		ChapterID int64 `json:"chapter_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	record, err := h.allocService.ProcessNow(c.Request.Context(), req.ChapterID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, record)
}

// ListAllocationHistory 拨款历史
// GET /api/v1/allocation/history?chapter_id=xxx
func (h *Handler) ListAllocationHistory(c *gin.Context) {
	page, pageSize := queryPage(c)
	records, total, err := h.allocService.ListRecords(c.Request.Context(), queryInt64(c, "chapter_id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": records, "total": total, "page": page, "page_size": pageSize})
}

// ============================================================
// 分发接口
// ============================================================

// RequestDistribution 创建分发单
// POST /api/v1/distribution/request
func (h *Handler) RequestDistribution(c *gin.Context) {
	var req service.DistributionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	dist, err := h.distService.Request(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, dist)
}

// ApproveDistribution 审批通过并入账
// POST /api/v1/distribution/approve
func (h *Handler) ApproveDistribution(c *gin.Context) {
	var req struct {
		DistNo string `json:"dist_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	dist, err := h.distService.Approve(c.Request.Context(), req.DistNo, callerFrom(c))
	if err != nil {
		if dist != nil {
			// 预算不足自动驳回：带驳回后的单据返回
			response.BusinessError(c, response.CodeInsufficientFunds, dist.Notes)
			return
		}
		writeError(c, err)
		return
	}
	response.Success(c, dist)
}

// RejectDistribution 人工驳回
// POST /api/v1/distribution/reject
func (h *Handler) RejectDistribution(c *gin.Context) {
	var req struct {
		DistNo string `json:"dist_no" binding:"required"`
		Notes  string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	dist, err := h.distService.Reject(c.Request.Context(), req.DistNo, req.Notes, callerFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, dist)
}

// ListDistributions 分发历史
// GET /api/v1/distribution/list?chapter_id=xxx&ambassador_id=xxx&status=xxx
func (h *Handler) ListDistributions(c *gin.Context) {
	page, pageSize := queryPage(c)
	list, total, err := h.distService.List(c.Request.Context(),
		queryInt64(c, "chapter_id"), queryInt64(c, "ambassador_id"), c.Query("status"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": list, "total": total, "page": page, "page_size": pageSize})
}

// ============================================================
// 奖励池接口
// ============================================================

// CreatePool 创建奖励池
// POST /api/v1/pool/create
func (h *Handler) CreatePool(c *gin.Context) {
	var req service.CreatePoolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	pool, err := h.poolService.CreatePool(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, pool)
}

// ListPools 池子列表（带健康状态）
// GET /api/v1/pool/list
func (h *Handler) ListPools(c *gin.Context) {
	pools, err := h.poolService.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, pools)
}

// ReservePool 预留额度
// POST /api/v1/pool/reserve
func (h *Handler) ReservePool(c *gin.Context) {
	var req struct {
		PoolNo       string `json:"pool_no" binding:"required"`
		AmbassadorID int64  `json:"ambassador_id" binding:"required"`
		Amount       int64  `json:"amount" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rsv, err := h.poolService.Reserve(c.Request.Context(), req.PoolNo, req.AmbassadorID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, rsv)
}

// SettlePool 结算预留
// POST /api/v1/pool/settle
func (h *Handler) SettlePool(c *gin.Context) {
	var req struct {
		RsvNo  string `json:"rsv_no" binding:"required"`
		Amount int64  `json:"amount" binding:"required,gt=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txn, err := h.poolService.Settle(c.Request.Context(), req.RsvNo, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, txn)
}

// ReleasePool 取消预留
// POST /api/v1/pool/release
func (h *Handler) ReleasePool(c *gin.Context) {
	var req struct {
		RsvNo string `json:"rsv_no" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.poolService.Release(c.Request.Context(), req.RsvNo); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "预留已释放"})
}

// ============================================================
// 积分接口
// ============================================================

// EarnPoints 任务完成发积分
// POST /api/v1/points/earn
func (h *Handler) EarnPoints(c *gin.Context) {
	var req service.EarnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	txn, err := h.pointsService.Earn(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, txn)
}

// RedeemPoints 积分兑换
// POST /api/v1/points/redeem
func (h *Handler) RedeemPoints(c *gin.Context) {
	var req service.RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	rdm, err := h.pointsService.Redeem(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, rdm)
}

// GetPointsBalance 积分摘要
// GET /api/v1/points/balance?ambassador_id=xxx
func (h *Handler) GetPointsBalance(c *gin.Context) {
	ambassadorID := queryInt64(c, "ambassador_id")
	if ambassadorID <= 0 {
		response.ParamError(c, "ambassador_id 参数错误")
		return
	}

	summary, err := h.pointsService.Balance(c.Request.Context(), ambassadorID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, summary)
}

// GetCatalog 兑换目录
// GET /api/v1/points/catalog
func (h *Handler) GetCatalog(c *gin.Context) {
	items, err := h.pointsService.Catalog(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, items)
}

// CreateRewardItem 上架兑换条目
// POST /api/v1/points/item
func (h *Handler) CreateRewardItem(c *gin.Context) {
	var req service.CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	item, err := h.pointsService.CreateItem(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, item)
}

// ListRedemptions 兑换历史
// GET /api/v1/points/history?ambassador_id=xxx
func (h *Handler) ListRedemptions(c *gin.Context) {
	page, pageSize := queryPage(c)
	list, total, err := h.pointsService.History(c.Request.Context(), queryInt64(c, "ambassador_id"), page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": list, "total": total, "page": page, "page_size": pageSize})
}

// ============================================================
// 审计接口
// ============================================================

// SearchTransactions 流水检索
// GET /api/v1/audit/search?kind=xxx&status=xxx&entity_id=xxx&text=xxx&from=RFC3339&to=RFC3339
func (h *Handler) SearchTransactions(c *gin.Context) {
	filter := &repository.QueryFilter{
		Kind:     c.Query("kind"),
		Status:   c.Query("status"),
		EntityID: queryInt64(c, "entity_id"),
		Text:     c.Query("text"),
	}
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.From = &t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.To = &t
		}
	}

	page, pageSize := queryPage(c)
	txns, total, err := h.auditService.Search(c.Request.Context(), filter, page, pageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": txns, "total": total, "page": page, "page_size": pageSize})
}

// GetFlowSummary 资金流向汇总
// GET /api/v1/audit/flow
func (h *Handler) GetFlowSummary(c *gin.Context) {
	rows, err := h.auditService.FlowSummary(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, rows)
}

// GetSuccessRate 动账成功率
// GET /api/v1/audit/success-rate?days=30
func (h *Handler) GetSuccessRate(c *gin.Context) {
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))
	if days <= 0 {
		days = 30
	}
	since := time.Now().AddDate(0, 0, -days)

	report, err := h.auditService.SuccessRate(c.Request.Context(), since)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, report)
}

// RebuildProjections 从流水重建全部投影（管理员运维接口）
// POST /api/v1/ledger/rebuild
func (h *Handler) RebuildProjections(c *gin.Context) {
	caller := callerFrom(c)
	if caller.Role != model.RoleAdmin {
		response.Forbidden(c, "只有组织管理员可以重建投影")
		return
	}

	if err := h.ledgerService.Rebuild(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{"message": "投影重建完成"})
}
