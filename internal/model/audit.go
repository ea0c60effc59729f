package model

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ActorKind 操作者类型（判别式联合的标签）
type ActorKind string

const (
	ActorPsychologist ActorKind = "psychologist"
	ActorPatient      ActorKind = "patient"
	ActorSystem       ActorKind = "system"
)

// Valid 是否为合法的操作者类型
func (k ActorKind) Valid() bool {
	switch k {
	case ActorPsychologist, ActorPatient, ActorSystem:
		return true
	}
	return false
}

// Actor 请求或后台任务的操作者
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
	Name string    `json:"name"`
}

// SystemActor 后台任务（派发循环、到期扫描）使用的操作者
var SystemActor = Actor{Kind: ActorSystem, Name: "scheduler"}

// IsPatient 是否患者本人
func (a Actor) IsPatient() bool { return a.Kind == ActorPatient }

// IsPsychologist 是否心理师
func (a Actor) IsPsychologist() bool { return a.Kind == ActorPsychologist }

// AuditLog 审计日志表，对应 audit_logs（纯追加）
type AuditLog struct {
	AuditLogID string         `gorm:"type:uuid;primaryKey"               json:"audit_log_id"`
	ActorID    *string        `gorm:"type:varchar(64)"                   json:"actor_id,omitempty"`
	ActorKind  ActorKind      `gorm:"type:varchar(20);not null"          json:"actor_kind"`
	ActorName  string         `gorm:"type:varchar(100)"                  json:"actor_name"`
	Action     string         `gorm:"type:varchar(50);not null"          json:"action"`
	Details    datatypes.JSON `json:"details,omitempty"`
	IPAddress  *string        `gorm:"type:varchar(64)"                   json:"ip_address,omitempty"`
	Timestamp  time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"timestamp"`
}

func (AuditLog) TableName() string { return "audit_logs" }

func (l *AuditLog) BeforeCreate(_ *gorm.DB) error {
	ensureID(&l.AuditLogID)
	return nil
}
