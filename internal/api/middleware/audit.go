package middleware

import (
	"github.com/gin-gonic/gin"

	"psicouja/backend/internal/service"
)

// AuditContext 将客户端 IP 写入请求 context，审计日志据此记录来源
func AuditContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := service.WithClientIP(c.Request.Context(), c.ClientIP())
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
