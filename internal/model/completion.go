package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CompletionStatus 单次投递状态
type CompletionStatus string

const (
	CompletionPending   CompletionStatus = "pending"
	CompletionSent      CompletionStatus = "sent"
	CompletionCompleted CompletionStatus = "completed"
	CompletionMissed    CompletionStatus = "missed"
	CompletionPaused    CompletionStatus = "paused"
)

// UnresolvedStatuses 仍可被作答 / 被清理的状态集合
var UnresolvedStatuses = []CompletionStatus{CompletionPending, CompletionSent, CompletionMissed}

// transitions 状态机：completed 为终态
var transitions = map[CompletionStatus][]CompletionStatus{
	CompletionPending: {CompletionSent, CompletionPaused, CompletionCompleted},
	CompletionSent:    {CompletionMissed, CompletionCompleted},
	CompletionMissed:  {CompletionCompleted},
}

// CanTransitionTo 判断状态迁移是否合法
func (s CompletionStatus) CanTransitionTo(next CompletionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsUnresolved pending / sent / missed
func (s CompletionStatus) IsUnresolved() bool {
	return s == CompletionPending || s == CompletionSent || s == CompletionMissed
}

// Completion 问卷完成记录表，对应 questionnaire_completions（每次排程一行）
type Completion struct {
	CompletionID    string           `gorm:"type:uuid;primaryKey"                        json:"completion_id"`
	AssignmentID    string           `gorm:"type:uuid;not null;index"                    json:"assignment_id"`
	PatientID       string           `gorm:"type:uuid;not null;index"                    json:"patient_id"`      // 冗余
	QuestionnaireID string           `gorm:"type:uuid;not null;index"                    json:"questionnaire_id"` // 冗余
	ScheduledAt     time.Time        `gorm:"not null;index"                              json:"scheduled_at"`
	Status          CompletionStatus `gorm:"type:varchar(20);not null;default:'pending'" json:"status"` // pending | sent | completed | missed | paused
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	IsDelayed       bool             `gorm:"not null;default:false"                      json:"is_delayed"`
	Answers         datatypes.JSON   `json:"answers,omitempty"`
	ReadByTherapist bool             `gorm:"not null;default:false"                      json:"read_by_therapist"`
	SoftDeleteModel

	// 关联
	Assignment    *Assignment    `gorm:"foreignKey:AssignmentID;references:AssignmentID"       json:"assignment,omitempty"`
	Questionnaire *Questionnaire `gorm:"foreignKey:QuestionnaireID;references:QuestionnaireID" json:"questionnaire,omitempty"`
}

func (Completion) TableName() string { return "questionnaire_completions" }

func (c *Completion) BeforeCreate(_ *gorm.DB) error {
	ensureID(&c.CompletionID)
	return nil
}

// IsLate 完成时间是否晚于 scheduled_at + deadline
func IsLate(completedAt, scheduledAt time.Time, deadline time.Duration) bool {
	return completedAt.After(scheduledAt.Add(deadline))
}
