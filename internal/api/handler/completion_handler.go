package handler

import (
	"errors"

	"github.com/gin-gonic/gin"

	"psicouja/backend/internal/dto"
	"psicouja/backend/internal/service"
	"psicouja/backend/pkg/response"
)

// CompletionHandler 完成记录 HTTP 处理器
type CompletionHandler struct {
	completionSvc service.CompletionService
}

// NewCompletionHandler 创建 CompletionHandler
func NewCompletionHandler(completionSvc service.CompletionService) *CompletionHandler {
	return &CompletionHandler{completionSvc: completionSvc}
}

// ListPatientCompletions 分页查询患者的完成记录
// GET /api/v1/patients/:id/completions
func (h *CompletionHandler) ListPatientCompletions(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.CompletionListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		response.BadRequest(c, 21001, "参数校验失败")
		return
	}

	list, total, err := h.completionSvc.ListByPatient(c.Request.Context(), c.Param("id"), &req, actor)
	if err != nil {
		h.handleCompletionError(c, err)
		return
	}

	response.OKPage(c, list, total, req.GetPage(), req.GetPageSize())
}

// MarkRead 心理师标记已读
// PUT /api/v1/completions/:id/read
func (h *CompletionHandler) MarkRead(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	if err := h.completionSvc.MarkRead(c.Request.Context(), c.Param("id"), actor); err != nil {
		h.handleCompletionError(c, err)
		return
	}

	response.OK(c, nil)
}

func (h *CompletionHandler) handleCompletionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrCompletionNotFound):
		response.NotFound(c, 21101, "完成记录不存在")
	case errors.Is(err, service.ErrPatientNotFound):
		response.NotFound(c, 20102, "患者不存在")
	case errors.Is(err, service.ErrPatientAccessDenied):
		response.Forbidden(c, 20201, "无权访问该患者")
	default:
		response.InternalError(c)
	}
}
