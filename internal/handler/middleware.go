package handler

import (
	"log"
	"strconv"
	"time"

	"fundledger/internal/service"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware 日志中间件
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if query != "" {
			path = path + "?" + query
		}

		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s",
			status,
			latency,
			c.ClientIP(),
			c.Request.Method,
			path,
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %v", err)
				c.AbortWithStatusJSON(500, gin.H{
					"code":    500,
					"message": "服务器内部错误",
				})
			}
		}()
		c.Next()
	}
}

// CORSMiddleware 跨域中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID, X-User-ID, X-Role, X-Chapter-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

const callerKey = "caller"

// CallerMiddleware 从请求头还原调用方身份
// 鉴权由上游网关完成，这里只做透传解析；缺省为普通大使
func CallerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, _ := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
		chapterID, _ := strconv.ParseInt(c.GetHeader("X-Chapter-ID"), 10, 64)
		role := c.GetHeader("X-Role")

		c.Set(callerKey, &service.Caller{
			UserID:    userID,
			Role:      role,
			ChapterID: chapterID,
		})
		c.Next()
	}
}

func callerFrom(c *gin.Context) *service.Caller {
	if v, ok := c.Get(callerKey); ok {
		if caller, ok := v.(*service.Caller); ok {
			return caller
		}
	}
	return &service.Caller{}
}
