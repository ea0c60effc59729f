package handler

import (
	"github.com/gin-gonic/gin"

	"psicouja/backend/internal/api/middleware"
	"psicouja/backend/internal/model"
	"psicouja/backend/pkg/response"
)

// MustGetActor 从 Gin 上下文中安全提取操作者。
// 如果 JWT 中间件未正确注入身份，返回 false 并写入 401 响应。
// 调用方应在 ok=false 时直接 return。
func MustGetActor(c *gin.Context) (model.Actor, bool) {
	v, exists := c.Get(middleware.ActorKindKey)
	if !exists {
		response.Unauthorized(c, 10002, "未认证")
		return model.Actor{}, false
	}
	kind, ok := v.(model.ActorKind)
	if !ok || !kind.Valid() {
		response.Unauthorized(c, 10002, "未认证")
		return model.Actor{}, false
	}

	id := c.GetString(middleware.ActorIDKey)
	if id == "" {
		response.Unauthorized(c, 10002, "未认证")
		return model.Actor{}, false
	}

	return model.Actor{Kind: kind, ID: id, Name: c.GetString(middleware.ActorNameKey)}, true
}
