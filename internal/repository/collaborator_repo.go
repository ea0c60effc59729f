package repository

import (
	"context"

	"gorm.io/gorm"

	"psicouja/backend/internal/model"
)

// PatientRepository 患者只读访问（患者档案由外部模块维护）
type PatientRepository interface {
	GetByID(ctx context.Context, id string) (*model.Patient, error)
}

// QuestionnaireRepository 问卷只读访问
type QuestionnaireRepository interface {
	GetByID(ctx context.Context, id string) (*model.Questionnaire, error)
}

// DeviceTokenRepository 推送令牌访问
type DeviceTokenRepository interface {
	ListByPatient(ctx context.Context, patientID string) ([]model.DeviceToken, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

// AuditLogRepository 审计日志追加写
type AuditLogRepository interface {
	Create(ctx context.Context, log *model.AuditLog) error
}

// ── Patient Repository 实现 ──

type patientRepo struct {
	db *gorm.DB
}

func NewPatientRepo(db *gorm.DB) PatientRepository {
	return &patientRepo{db: db}
}

func (r *patientRepo) GetByID(ctx context.Context, id string) (*model.Patient, error) {
	var patient model.Patient
	if err := r.db.WithContext(ctx).Where("patient_id = ?", id).First(&patient).Error; err != nil {
		return nil, err
	}
	return &patient, nil
}

// ── Questionnaire Repository 实现 ──

type questionnaireRepo struct {
	db *gorm.DB
}

func NewQuestionnaireRepo(db *gorm.DB) QuestionnaireRepository {
	return &questionnaireRepo{db: db}
}

func (r *questionnaireRepo) GetByID(ctx context.Context, id string) (*model.Questionnaire, error) {
	var q model.Questionnaire
	if err := r.db.WithContext(ctx).Where("questionnaire_id = ?", id).First(&q).Error; err != nil {
		return nil, err
	}
	return &q, nil
}

// ── DeviceToken Repository 实现 ──

type deviceTokenRepo struct {
	db *gorm.DB
}

func NewDeviceTokenRepo(db *gorm.DB) DeviceTokenRepository {
	return &deviceTokenRepo{db: db}
}

func (r *deviceTokenRepo) ListByPatient(ctx context.Context, patientID string) ([]model.DeviceToken, error) {
	var tokens []model.DeviceToken
	err := r.db.WithContext(ctx).
		Where("patient_id = ?", patientID).
		Order("updated_at DESC").
		Find(&tokens).Error
	return tokens, err
}

func (r *deviceTokenRepo) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("token_id IN ?", ids).
		Delete(&model.DeviceToken{}).Error
}

// ── AuditLog Repository 实现 ──

type auditLogRepo struct {
	db *gorm.DB
}

func NewAuditLogRepo(db *gorm.DB) AuditLogRepository {
	return &auditLogRepo{db: db}
}

func (r *auditLogRepo) Create(ctx context.Context, log *model.AuditLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}
