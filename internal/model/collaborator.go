package model

import (
	"time"

	"gorm.io/gorm"
)

// 以下表由外部模块维护（患者档案、问卷库、设备令牌），本服务只读或做最小写入。

// Patient 患者表，对应 patients
type Patient struct {
	PatientID      string  `gorm:"type:uuid;primaryKey"               json:"patient_id"`
	PatientCode    string  `gorm:"type:varchar(32);not null;unique"   json:"patient_code"`
	Name           string  `gorm:"type:varchar(100)"                  json:"name"`
	PsychologistID *string `gorm:"type:uuid"                          json:"psychologist_id,omitempty"`
	BaseModel
}

func (Patient) TableName() string { return "patients" }

func (p *Patient) BeforeCreate(_ *gorm.DB) error {
	ensureID(&p.PatientID)
	return nil
}

// Questionnaire 问卷表，对应 questionnaires
type Questionnaire struct {
	QuestionnaireID string `gorm:"type:uuid;primaryKey"        json:"questionnaire_id"`
	Title           string `gorm:"type:varchar(200);not null"  json:"title"`
	BaseModel
}

func (Questionnaire) TableName() string { return "questionnaires" }

func (q *Questionnaire) BeforeCreate(_ *gorm.DB) error {
	ensureID(&q.QuestionnaireID)
	return nil
}

// DeviceToken 推送设备令牌表，对应 device_tokens
type DeviceToken struct {
	TokenID   string    `gorm:"type:uuid;primaryKey"              json:"token_id"`
	PatientID string    `gorm:"type:uuid;not null;index"          json:"patient_id"`
	Token     string    `gorm:"type:text;not null;unique"         json:"token"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (DeviceToken) TableName() string { return "device_tokens" }

func (t *DeviceToken) BeforeCreate(_ *gorm.DB) error {
	ensureID(&t.TokenID)
	return nil
}
