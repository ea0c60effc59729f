package handler

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"psicouja/backend/internal/service"
	"psicouja/backend/pkg/response"
)

const (
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypeICS  = "text/calendar; charset=utf-8"
)

// ExportHandler 导出模块 HTTP 处理器
type ExportHandler struct {
	exportSvc service.ExportService
}

// NewExportHandler 创建 ExportHandler
func NewExportHandler(exportSvc service.ExportService) *ExportHandler {
	return &ExportHandler{exportSvc: exportSvc}
}

// ExportCompletions 导出患者完成记录
// GET /api/v1/patients/:id/completions/export
func (h *ExportHandler) ExportCompletions(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	buf, filename, err := h.exportSvc.ExportCompletions(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.handleExportError(c, err)
		return
	}

	// 设置下载响应头
	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Disposition", "attachment; filename*=UTF-8''"+url.QueryEscape(filename))
	c.Data(http.StatusOK, contentTypeXLSX, buf.Bytes())
}

// AssignmentCalendar 导出分配的未决投递日历
// GET /api/v1/assignments/:id/calendar.ics
func (h *ExportHandler) AssignmentCalendar(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	buf, filename, err := h.exportSvc.AssignmentCalendar(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.handleExportError(c, err)
		return
	}

	c.Header("Content-Disposition", "inline; filename="+filename)
	c.Data(http.StatusOK, contentTypeICS, buf.Bytes())
}

func (h *ExportHandler) handleExportError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExportNoCompletions):
		response.NotFound(c, 22101, "该患者暂无问卷记录")
	case errors.Is(err, service.ErrAssignmentNotFound):
		response.NotFound(c, 20101, "分配不存在")
	case errors.Is(err, service.ErrPatientNotFound):
		response.NotFound(c, 20102, "患者不存在")
	case errors.Is(err, service.ErrPatientAccessDenied):
		response.Forbidden(c, 20201, "无权访问该患者")
	case errors.Is(err, service.ErrExportGenerateFail):
		response.InternalError(c)
	default:
		response.InternalError(c)
	}
}
