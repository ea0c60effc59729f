package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"psicouja/backend/internal/api/middleware"
	"psicouja/backend/internal/dto"
	"psicouja/backend/internal/service"
	"psicouja/backend/pkg/response"
)

// AssignmentHandler 周期问卷分配 HTTP 处理器
type AssignmentHandler struct {
	assignmentSvc service.AssignmentService
}

// NewAssignmentHandler 创建 AssignmentHandler
func NewAssignmentHandler(assignmentSvc service.AssignmentService) *AssignmentHandler {
	return &AssignmentHandler{assignmentSvc: assignmentSvc}
}

// CreateAssignment 创建分配并生成排程
// POST /api/v1/assignments
func (h *AssignmentHandler) CreateAssignment(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.CreateAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, 20001, "参数校验失败", err.Error())
		return
	}

	result, err := h.assignmentSvc.Create(c.Request.Context(), &req, actor)
	if err != nil {
		h.handleAssignmentError(c, err)
		return
	}

	response.Created(c, result)
}

// GetAssignment 获取分配详情
// GET /api/v1/assignments/:id
func (h *AssignmentHandler) GetAssignment(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	result, err := h.assignmentSvc.GetByID(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.handleAssignmentError(c, err)
		return
	}

	response.OK(c, result)
}

// ListPatientAssignments 列出患者的分配（读取时执行到期检查）
// GET /api/v1/patients/:id/assignments
func (h *AssignmentHandler) ListPatientAssignments(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	list, err := h.assignmentSvc.ListByPatient(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		h.handleAssignmentError(c, err)
		return
	}

	response.OK(c, gin.H{"list": list})
}

// UpdateStatus 修改分配状态
// PATCH /api/v1/assignments/:id/status
func (h *AssignmentHandler) UpdateStatus(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.UpdateAssignmentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, 20001, "参数校验失败")
		return
	}

	result, err := h.assignmentSvc.UpdateStatus(c.Request.Context(), c.Param("id"), &req, actor)
	if err != nil {
		h.handleAssignmentError(c, err)
		return
	}

	response.OK(c, result)
}

// UpdateSchedule 修改排程参数并重新生成未派发记录
// PUT /api/v1/assignments/:id/schedule
func (h *AssignmentHandler) UpdateSchedule(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.UpdateAssignmentScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorWithDetails(c, http.StatusBadRequest, 20001, "参数校验失败", err.Error())
		return
	}

	result, err := h.assignmentSvc.UpdateSchedule(c.Request.Context(), c.Param("id"), &req, actor)
	if err != nil {
		h.handleAssignmentError(c, err)
		return
	}

	response.OK(c, result)
}

// DeleteAssignment 软删除分配及其全部记录
// DELETE /api/v1/assignments/:id
func (h *AssignmentHandler) DeleteAssignment(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	if err := h.assignmentSvc.Delete(c.Request.Context(), c.Param("id"), actor); err != nil {
		h.handleAssignmentError(c, err)
		return
	}

	response.OK(c, nil)
}

// SubmitAnswers 患者提交答卷
// POST /api/v1/assignments/:id/submit
func (h *AssignmentHandler) SubmitAnswers(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	var req dto.SubmitAnswersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if middleware.IsBodyTooLarge(err) {
			response.TooLarge(c)
			return
		}
		response.BadRequest(c, 20001, "参数校验失败")
		return
	}

	result, err := h.assignmentSvc.Submit(c.Request.Context(), c.Param("id"), &req, actor)
	if err != nil {
		h.handleAssignmentError(c, err)
		return
	}

	response.OK(c, result)
}

// ListMyPending 患者待作答问卷（读取前同步执行派发）
// GET /api/v1/me/pending
func (h *AssignmentHandler) ListMyPending(c *gin.Context) {
	actor, ok := MustGetActor(c)
	if !ok {
		return
	}

	list, err := h.assignmentSvc.ListPendingForPatient(c.Request.Context(), actor)
	if err != nil {
		h.handleAssignmentError(c, err)
		return
	}

	response.OK(c, gin.H{"list": list})
}

func (h *AssignmentHandler) handleAssignmentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrAssignmentNotFound):
		response.NotFound(c, 20101, "分配不存在")
	case errors.Is(err, service.ErrPatientNotFound):
		response.NotFound(c, 20102, "患者不存在")
	case errors.Is(err, service.ErrQuestionnaireNotFound):
		response.NotFound(c, 20103, "问卷不存在")
	case errors.Is(err, service.ErrInvalidSchedule):
		response.ErrorWithDetails(c, http.StatusBadRequest, 20002, "排程参数无效", err.Error())
	case errors.Is(err, service.ErrInvalidStatus):
		response.BadRequest(c, 20003, "分配状态无效")
	case errors.Is(err, service.ErrPatientAccessDenied):
		response.Forbidden(c, 20201, "无权访问该患者")
	case errors.Is(err, service.ErrAssignmentForbidden):
		response.Forbidden(c, 20202, "无权操作该分配")
	case errors.Is(err, service.ErrSubmissionConflict):
		response.Conflict(c, 20301, "答卷提交冲突，请刷新后重试")
	case errors.Is(err, service.ErrAssignmentConflict):
		response.Conflict(c, 20302, "分配已被其他操作修改，请刷新后重试")
	default:
		response.InternalError(c)
	}
}
