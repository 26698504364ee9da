package handler

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

// LoggerMiddleware 访问日志中间件
//
// 请求带 X-Request-ID 时（充值下单的幂等键）一并打出来，方便和业务日志串联。
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if query := c.Request.URL.RawQuery; query != "" {
			path = path + "?" + query
		}
		requestID := c.GetHeader("X-Request-ID")

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if requestID != "" {
			log.Printf("[HTTP] %d | %13v | %15s | %-7s %s | requestId=%s",
				status, latency, c.ClientIP(), c.Request.Method, path, requestID)
			return
		}
		log.Printf("[HTTP] %d | %13v | %15s | %-7s %s",
			status, latency, c.ClientIP(), c.Request.Method, path)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
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
//
// 对外只有 GET/POST 两类接口（下单、回调、查询），不放行其他方法。
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
