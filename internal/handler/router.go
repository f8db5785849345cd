package handler

import (
	"fundledger/internal/config"
	"fundledger/internal/infrastructure/lock"
	"fundledger/internal/service"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, lockMgr lock.Manager, cfg *config.Config, notifier service.Notifier) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(CallerMiddleware())

	// 创建处理器
	h := NewHandler(db, lockMgr, cfg, notifier)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 实体注册
		api.POST("/org/create", h.CreateOrganization)

		chapter := api.Group("/chapter")
		{
			chapter.POST("/create", h.CreateChapter)
			chapter.POST("/president", h.AssignPresident)
			chapter.GET("/budget", h.GetChapterBudget)
			chapter.GET("/list", h.ListChapters)
		}

		api.POST("/ambassador/create", h.CreateAmbassador)

		// 拨款
		allocation := api.Group("/allocation")
		{
			allocation.POST("/rule", h.CreateAllocationRule)
			allocation.POST("/deactivate", h.DeactivateAllocationRule)
			allocation.POST("/process", h.ProcessAllocation)
			allocation.GET("/history", h.ListAllocationHistory)
		}

		// 分发
		distribution := api.Group("/distribution")
		{
			distribution.POST("/request", h.RequestDistribution)
			distribution.POST("/approve", h.ApproveDistribution)
			distribution.POST("/reject", h.RejectDistribution)
			distribution.GET("/list", h.ListDistributions)
		}

		// 奖励池
		pool := api.Group("/pool")
		{
			pool.POST("/create", h.CreatePool)
			pool.GET("/list", h.ListPools)
			pool.POST("/reserve", h.ReservePool)
			pool.POST("/settle", h.SettlePool)
			pool.POST("/release", h.ReleasePool)
		}

		// 积分
		points := api.Group("/points")
		{
			points.POST("/earn", h.EarnPoints)
			points.POST("/redeem", h.RedeemPoints)
			points.GET("/balance", h.GetPointsBalance)
			points.GET("/catalog", h.GetCatalog)
			points.POST("/item", h.CreateRewardItem)
			points.GET("/history", h.ListRedemptions)
		}

		// 审计
		audit := api.Group("/audit")
		{
			audit.GET("/search", h.SearchTransactions)
			audit.GET("/flow", h.GetFlowSummary)
			audit.GET("/success-rate", h.GetSuccessRate)
		}

		// 运维
		api.POST("/ledger/rebuild", h.RebuildProjections)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
