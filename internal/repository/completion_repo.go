package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"psicouja/backend/internal/model"
	pkgerrors "psicouja/backend/pkg/errors"
)

// CompletionRepository 问卷完成记录数据访问接口
// 所有查询都只作用于未软删除的行（gorm.DeletedAt 默认作用域）
type CompletionRepository interface {
	BatchCreate(ctx context.Context, completions []model.Completion) error
	GetByID(ctx context.Context, id string) (*model.Completion, error)

	// 派发循环
	ListDuePending(ctx context.Context, now time.Time, limit int) ([]model.Completion, error)
	ListDuePendingByPatient(ctx context.Context, patientID string, now time.Time) ([]model.Completion, error)
	ListOverdueSent(ctx context.Context, now time.Time, after *SentCursor, limit int) ([]model.Completion, error)
	ListOverdueSentByPatient(ctx context.Context, patientID string, now time.Time) ([]model.Completion, error)
	Transition(ctx context.Context, id string, from, to model.CompletionStatus) error

	// 答卷提交
	FirstUnresolvedByAssignment(ctx context.Context, assignmentID string) (*model.Completion, error)
	MarkCompleted(ctx context.Context, completion *model.Completion, from model.CompletionStatus) error

	// 清理 / 级联
	ListStaleUnresolved(ctx context.Context, patientID, questionnaireID, excludeID string, olderThan time.Time) ([]model.Completion, error)
	SoftDeleteByIDs(ctx context.Context, ids []string) error
	HasFuturePending(ctx context.Context, assignmentID string, after time.Time) (bool, error)
	SoftDeleteByAssignment(ctx context.Context, assignmentID string) (int64, error)
	SoftDeletePendingByAssignment(ctx context.Context, assignmentID string, after *time.Time) (int64, error)

	// 查询
	ListByPatientAndStatus(ctx context.Context, patientID string, statuses []model.CompletionStatus) ([]model.Completion, error)
	ListByPatient(ctx context.Context, patientID string, offset, limit int) ([]model.Completion, int64, error)
	ListUnresolvedByAssignment(ctx context.Context, assignmentID string) ([]model.Completion, error)
	MarkRead(ctx context.Context, id string) error
}

// SentCursor 超时扫描的键集游标，按 (scheduled_at, completion_id) 升序翻页
type SentCursor struct {
	ScheduledAt  time.Time
	CompletionID string
}

type completionRepo struct {
	db *gorm.DB
}

func NewCompletionRepo(db *gorm.DB) CompletionRepository {
	return &completionRepo{db: db}
}

func (r *completionRepo) BatchCreate(ctx context.Context, completions []model.Completion) error {
	if len(completions) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&completions).Error
}

func (r *completionRepo) GetByID(ctx context.Context, id string) (*model.Completion, error) {
	var completion model.Completion
	err := r.db.WithContext(ctx).
		Preload("Assignment").
		Where("completion_id = ?", id).
		First(&completion).Error
	if err != nil {
		return nil, err
	}
	return &completion, nil
}

// ── 派发循环 ──

func (r *completionRepo) ListDuePending(ctx context.Context, now time.Time, limit int) ([]model.Completion, error) {
	var completions []model.Completion
	err := r.db.WithContext(ctx).
		Preload("Assignment").Preload("Assignment.Questionnaire").
		Where("status = ? AND scheduled_at <= ?", model.CompletionPending, now).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&completions).Error
	return completions, err
}

func (r *completionRepo) ListDuePendingByPatient(ctx context.Context, patientID string, now time.Time) ([]model.Completion, error) {
	var completions []model.Completion
	err := r.db.WithContext(ctx).
		Preload("Assignment").Preload("Assignment.Questionnaire").
		Where("patient_id = ? AND status = ? AND scheduled_at <= ?", patientID, model.CompletionPending, now).
		Order("scheduled_at ASC").
		Find(&completions).Error
	return completions, err
}

// ListOverdueSent 返回 scheduled_at <= now 的 sent 行；截止时长因分配而异，由调用方逐条判断
// after 非空时只返回游标之后的行，调用方据此翻页直到扫描完整个集合
func (r *completionRepo) ListOverdueSent(ctx context.Context, now time.Time, after *SentCursor, limit int) ([]model.Completion, error) {
	var completions []model.Completion
	q := r.db.WithContext(ctx).
		Preload("Assignment").
		Where("status = ? AND scheduled_at <= ?", model.CompletionSent, now)
	if after != nil {
		q = q.Where("(scheduled_at > ? OR (scheduled_at = ? AND completion_id > ?))",
			after.ScheduledAt, after.ScheduledAt, after.CompletionID)
	}
	err := q.Order("scheduled_at ASC, completion_id ASC").
		Limit(limit).
		Find(&completions).Error
	return completions, err
}

func (r *completionRepo) ListOverdueSentByPatient(ctx context.Context, patientID string, now time.Time) ([]model.Completion, error) {
	var completions []model.Completion
	err := r.db.WithContext(ctx).
		Preload("Assignment").
		Where("patient_id = ? AND status = ? AND scheduled_at <= ?", patientID, model.CompletionSent, now).
		Order("scheduled_at ASC").
		Find(&completions).Error
	return completions, err
}

// Transition 比较并设置状态；状态机不允许时返回 ErrInvalidTransition，
// 行不处于 from 状态（或已删除）时返回 ErrStaleState
func (r *completionRepo) Transition(ctx context.Context, id string, from, to model.CompletionStatus) error {
	if !from.CanTransitionTo(to) {
		return pkgerrors.ErrInvalidTransition
	}
	result := r.db.WithContext(ctx).
		Model(&model.Completion{}).
		Where("completion_id = ? AND status = ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrStaleState
	}
	return nil
}

// ── 答卷提交 ──

func (r *completionRepo) FirstUnresolvedByAssignment(ctx context.Context, assignmentID string) (*model.Completion, error) {
	var completion model.Completion
	err := r.db.WithContext(ctx).
		Where("assignment_id = ? AND status IN ?", assignmentID, model.UnresolvedStatuses).
		Order("scheduled_at ASC").
		First(&completion).Error
	if err != nil {
		return nil, err
	}
	return &completion, nil
}

func (r *completionRepo) MarkCompleted(ctx context.Context, completion *model.Completion, from model.CompletionStatus) error {
	if !from.CanTransitionTo(model.CompletionCompleted) {
		return pkgerrors.ErrInvalidTransition
	}
	result := r.db.WithContext(ctx).
		Model(&model.Completion{}).
		Where("completion_id = ? AND status = ?", completion.CompletionID, from).
		Updates(map[string]interface{}{
			"status":       model.CompletionCompleted,
			"completed_at": completion.CompletedAt,
			"is_delayed":   completion.IsDelayed,
			"answers":      completion.Answers,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return pkgerrors.ErrStaleState
	}
	completion.Status = model.CompletionCompleted
	return nil
}

// ── 清理 / 级联 ──

func (r *completionRepo) ListStaleUnresolved(ctx context.Context, patientID, questionnaireID, excludeID string, olderThan time.Time) ([]model.Completion, error) {
	var completions []model.Completion
	err := r.db.WithContext(ctx).
		Where("patient_id = ? AND questionnaire_id = ?", patientID, questionnaireID).
		Where("completion_id <> ?", excludeID).
		Where("status IN ?", model.UnresolvedStatuses).
		Where("scheduled_at < ?", olderThan).
		Order("scheduled_at ASC").
		Find(&completions).Error
	return completions, err
}

func (r *completionRepo) SoftDeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Where("completion_id IN ?", ids).
		Delete(&model.Completion{}).Error
}

func (r *completionRepo) HasFuturePending(ctx context.Context, assignmentID string, after time.Time) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.Completion{}).
		Where("assignment_id = ? AND status = ? AND scheduled_at > ?", assignmentID, model.CompletionPending, after).
		Count(&count).Error
	return count > 0, err
}

func (r *completionRepo) SoftDeleteByAssignment(ctx context.Context, assignmentID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("assignment_id = ?", assignmentID).
		Delete(&model.Completion{})
	return result.RowsAffected, result.Error
}

// SoftDeletePendingByAssignment 删除分配下的 pending 行；after 非空时只删除 scheduled_at > after 的行
func (r *completionRepo) SoftDeletePendingByAssignment(ctx context.Context, assignmentID string, after *time.Time) (int64, error) {
	db := r.db.WithContext(ctx).
		Where("assignment_id = ? AND status = ?", assignmentID, model.CompletionPending)
	if after != nil {
		db = db.Where("scheduled_at > ?", *after)
	}
	result := db.Delete(&model.Completion{})
	return result.RowsAffected, result.Error
}

// ── 查询 ──

func (r *completionRepo) ListByPatientAndStatus(ctx context.Context, patientID string, statuses []model.CompletionStatus) ([]model.Completion, error) {
	var completions []model.Completion
	err := r.db.WithContext(ctx).
		Preload("Questionnaire").
		Where("patient_id = ? AND status IN ?", patientID, statuses).
		Order("scheduled_at ASC").
		Find(&completions).Error
	return completions, err
}

func (r *completionRepo) ListByPatient(ctx context.Context, patientID string, offset, limit int) ([]model.Completion, int64, error) {
	var completions []model.Completion
	var total int64

	db := r.db.WithContext(ctx).Model(&model.Completion{}).
		Where("patient_id = ?", patientID)

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := db.Preload("Questionnaire").
		Offset(offset).Limit(limit).
		Order("scheduled_at DESC").
		Find(&completions).Error
	return completions, total, err
}

func (r *completionRepo) ListUnresolvedByAssignment(ctx context.Context, assignmentID string) ([]model.Completion, error) {
	var completions []model.Completion
	err := r.db.WithContext(ctx).
		Where("assignment_id = ? AND status IN ?", assignmentID, model.UnresolvedStatuses).
		Order("scheduled_at ASC").
		Find(&completions).Error
	return completions, err
}

func (r *completionRepo) MarkRead(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&model.Completion{}).
		Where("completion_id = ?", id).
		Update("read_by_therapist", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
