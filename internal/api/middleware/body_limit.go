package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"psicouja/backend/pkg/response"
)

// BodyLimit 请求体大小限制中间件（答卷 JSON 可能较大，由配置决定上限）
// 超限时读取请求体的 ShouldBindJSON 会失败；Content-Length 已知超限的请求直接拒绝
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes <= 0 {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			response.TooLarge(c)
			c.Abort()
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}

		c.Next()
	}
}

// IsBodyTooLarge 判断绑定错误是否由请求体超限引起
func IsBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
