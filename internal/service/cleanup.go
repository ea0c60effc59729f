package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"psicouja/backend/internal/model"
	"psicouja/backend/internal/repository"
)

// ════════════════════════════════════════════════════════════
// 清理 / 级联引擎
// ════════════════════════════════════════════════════════════
//
// 一条 Completion 被激活时，同一 (患者, 问卷) 下更早的未决记录视为已被取代：
//   1. 只软删除 scheduled_at < olderThan 的 pending/sent/missed 记录，排除当前记录
//   2. 对受影响的其他分配，仅当其不再有 scheduled_at > now 的 pending 记录时才整体软删除
// 两层检查缺一不可，否则分配会在第一次投递时连同全部未来排程一起被删除。

// CleanupRequest 清理参数
type CleanupRequest struct {
	PatientID           string
	QuestionnaireID     string
	ExcludeCompletionID string
	OlderThan           time.Time
	CurrentAssignmentID string
}

// CleanupResult 清理结果
type CleanupResult struct {
	DeletedCompletions int
	DeletedAssignments []string
	KeptAssignments    []string
}

type cleanupEngine struct {
	logger *zap.Logger
}

func newCleanupEngine(logger *zap.Logger) *cleanupEngine {
	return &cleanupEngine{logger: logger}
}

// Run 在调用方给定的（事务内）仓储上执行清理
func (e *cleanupEngine) Run(ctx context.Context, repo *repository.Repository, req CleanupRequest, now time.Time) (*CleanupResult, error) {
	result := &CleanupResult{}

	stale, err := repo.Completion.ListStaleUnresolved(ctx, req.PatientID, req.QuestionnaireID, req.ExcludeCompletionID, req.OlderThan)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(stale))
	parents := make([]string, 0)
	seen := make(map[string]bool)
	for _, c := range stale {
		ids = append(ids, c.CompletionID)
		if c.AssignmentID != req.CurrentAssignmentID && !seen[c.AssignmentID] {
			seen[c.AssignmentID] = true
			parents = append(parents, c.AssignmentID)
		}
	}

	if err := repo.Completion.SoftDeleteByIDs(ctx, ids); err != nil {
		return nil, err
	}
	result.DeletedCompletions = len(ids)

	for _, assignmentID := range parents {
		hasFuture, err := repo.Completion.HasFuturePending(ctx, assignmentID, now)
		if err != nil {
			return nil, err
		}

		if hasFuture {
			if err := e.resyncByID(ctx, repo, assignmentID); err != nil {
				return nil, err
			}
			result.KeptAssignments = append(result.KeptAssignments, assignmentID)
			continue
		}

		// 先级联删除剩余记录，再删除分配本身
		if _, err := repo.Completion.SoftDeleteByAssignment(ctx, assignmentID); err != nil {
			return nil, err
		}
		if err := repo.Assignment.SoftDelete(ctx, assignmentID); err != nil {
			return nil, err
		}
		result.DeletedAssignments = append(result.DeletedAssignments, assignmentID)
	}

	e.logger.Info("清理过期投递",
		zap.String("patient_id", req.PatientID),
		zap.String("questionnaire_id", req.QuestionnaireID),
		zap.Int("deleted_completions", result.DeletedCompletions),
		zap.Strings("deleted_assignments", result.DeletedAssignments),
		zap.Strings("kept_assignments", result.KeptAssignments),
	)

	return result, nil
}

func (e *cleanupEngine) resyncByID(ctx context.Context, repo *repository.Repository, assignmentID string) error {
	a, err := repo.Assignment.GetByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	_, err = resyncNextScheduled(ctx, repo, a)
	return err
}

// resyncNextScheduled 将 next_scheduled_at 对齐到最早未决记录；无变化时不写库
// 返回剩余未决记录数
func resyncNextScheduled(ctx context.Context, repo *repository.Repository, a *model.Assignment) (int, error) {
	unresolved, err := repo.Completion.ListUnresolvedByAssignment(ctx, a.AssignmentID)
	if err != nil {
		return 0, err
	}

	var next *time.Time
	if len(unresolved) > 0 {
		at := unresolved[0].ScheduledAt
		next = &at
	}
	if sameInstant(a.NextScheduledAt, next) {
		return len(unresolved), nil
	}

	a.NextScheduledAt = next
	if err := repo.Assignment.Update(ctx, a); err != nil {
		return 0, err
	}
	return len(unresolved), nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
