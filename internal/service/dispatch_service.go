package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"psicouja/backend/internal/dto"
	"psicouja/backend/internal/model"
	"psicouja/backend/internal/repository"
	pkgerrors "psicouja/backend/pkg/errors"
)

// DispatchService 派发循环业务接口
//
// 每条 Completion 在独立事务中处理，单条失败只回滚该条并继续；
// 推送在事务提交之后异步发出，推送失败不影响状态迁移。
type DispatchService interface {
	// RunTick 执行一次完整派发：到期 pending → sent/paused，超时 sent → missed
	RunTick(ctx context.Context) (*dto.TickResult, error)
	// PromoteForPatient 对单个患者同步执行同样的派发逻辑
	PromoteForPatient(ctx context.Context, patientID string) (*dto.TickResult, error)
	// SweepExpired 批量执行到期检查，返回被置为 completed 的分配数
	SweepExpired(ctx context.Context) (int, error)
}

type dispatchService struct {
	repo      *repository.Repository
	cleanup   *cleanupEngine
	notifier  Notifier
	expiry    ExpiryChecker
	auditor   Auditor
	batchSize int
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatchService 创建 DispatchService 实例
func NewDispatchService(repo *repository.Repository, notifier Notifier, expiry ExpiryChecker, auditor Auditor, batchSize int, logger *zap.Logger) DispatchService {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &dispatchService{
		repo:      repo,
		cleanup:   newCleanupEngine(logger),
		notifier:  notifier,
		expiry:    expiry,
		auditor:   auditor,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// itemTimeout 单条 Completion 处理的上限
const itemTimeout = 30 * time.Second

// itemContext 单条处理使用的上下文：不继承关停取消，只保留超时
func itemContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), itemTimeout)
}

// ────────────────────── RunTick ──────────────────────

func (s *dispatchService) RunTick(ctx context.Context) (*dto.TickResult, error) {
	now := s.now().UTC()
	result := &dto.TickResult{StartedAt: now.Format(dto.TimeLayout)}

	due, err := s.repo.Completion.ListDuePending(ctx, now, s.batchSize)
	if err != nil {
		s.logger.Error("查询到期投递失败", zap.Error(err))
		return nil, err
	}
	s.promoteAll(ctx, due, now, result)
	if ctx.Err() != nil {
		result.Interrupted = true
		return result, nil
	}

	// 截止时长在内存中逐条判断，需翻完整个 sent 集合
	var after *repository.SentCursor
	for !result.Interrupted {
		overdue, err := s.repo.Completion.ListOverdueSent(ctx, now, after, s.batchSize)
		if err != nil {
			s.logger.Error("查询超时投递失败", zap.Error(err))
			return result, err
		}
		s.markMissedAll(ctx, overdue, now, result)
		if len(overdue) < s.batchSize {
			break
		}
		last := overdue[len(overdue)-1]
		after = &repository.SentCursor{ScheduledAt: last.ScheduledAt, CompletionID: last.CompletionID}
	}

	return result, nil
}

// ────────────────────── PromoteForPatient ──────────────────────

func (s *dispatchService) PromoteForPatient(ctx context.Context, patientID string) (*dto.TickResult, error) {
	now := s.now().UTC()
	result := &dto.TickResult{StartedAt: now.Format(dto.TimeLayout)}

	due, err := s.repo.Completion.ListDuePendingByPatient(ctx, patientID, now)
	if err != nil {
		s.logger.Error("查询患者到期投递失败", zap.String("patient_id", patientID), zap.Error(err))
		return nil, err
	}
	s.promoteAll(ctx, due, now, result)

	overdue, err := s.repo.Completion.ListOverdueSentByPatient(ctx, patientID, now)
	if err != nil {
		s.logger.Error("查询患者超时投递失败", zap.String("patient_id", patientID), zap.Error(err))
		return result, err
	}
	s.markMissedAll(ctx, overdue, now, result)

	return result, nil
}

// ────────────────────── SweepExpired ──────────────────────

func (s *dispatchService) SweepExpired(ctx context.Context) (int, error) {
	assignments, err := s.repo.Assignment.ListActiveWithEndDate(ctx)
	if err != nil {
		s.logger.Error("查询待到期分配失败", zap.Error(err))
		return 0, err
	}

	changed := 0
	for i := range assignments {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.expiry.CheckExpiry(ctx, &assignments[i])
		if err != nil {
			continue
		}
		if ok {
			changed++
			if s.auditor != nil {
				s.auditor.Record(ctx, model.SystemActor, ActionExpireAssignment, map[string]interface{}{
					"assignment_id": assignments[i].AssignmentID,
					"end_date":      assignments[i].EndDate,
				})
			}
		}
	}
	return changed, nil
}

// ── pending → sent / paused ──

func (s *dispatchService) promoteAll(ctx context.Context, due []model.Completion, now time.Time, result *dto.TickResult) {
	for i := range due {
		// 关停只在条目之间检查；条目本身运行在 itemContext 上，事务总能完整提交或回滚
		if ctx.Err() != nil {
			result.Interrupted = true
			return
		}

		c := &due[i]
		if c.Assignment == nil {
			s.logger.Warn("投递记录缺少所属分配，跳过", zap.String("completion_id", c.CompletionID))
			result.Skipped++
			continue
		}

		itemCtx, cancel := itemContext(ctx)
		cleaned, err := s.promoteOne(itemCtx, c, now)
		cancel()
		if err != nil {
			if errors.Is(err, pkgerrors.ErrStaleState) {
				s.logger.Debug("投递状态已变更，跳过", zap.String("completion_id", c.CompletionID))
				result.Skipped++
				continue
			}
			s.logger.Error("派发投递失败",
				zap.String("completion_id", c.CompletionID),
				zap.String("assignment_id", c.AssignmentID),
				zap.Error(err),
			)
			result.Failed++
			continue
		}

		if c.Status == model.CompletionPaused {
			result.Paused++
			continue
		}

		result.Sent++
		if cleaned != nil {
			result.CleanedCompletions += cleaned.DeletedCompletions
			result.CleanedAssignments += len(cleaned.DeletedAssignments)
		}

		// 事务已提交，推送失败不影响状态
		if s.notifier != nil && s.notifier.Dispatch(c.CompletionID, c.PatientID, c.AssignmentID, questionnaireTitle(c.Assignment)) {
			result.NotifyQueued++
		}
	}
}

func (s *dispatchService) promoteOne(ctx context.Context, c *model.Completion, now time.Time) (*CleanupResult, error) {
	if c.Assignment.Status == model.AssignmentPaused {
		if err := s.repo.Completion.Transition(ctx, c.CompletionID, model.CompletionPending, model.CompletionPaused); err != nil {
			return nil, err
		}
		c.Status = model.CompletionPaused
		return nil, nil
	}

	var cleaned *CleanupResult
	err := s.repo.Transaction(ctx, func(tx *repository.Repository) error {
		if err := tx.Completion.Transition(ctx, c.CompletionID, model.CompletionPending, model.CompletionSent); err != nil {
			return err
		}

		res, err := s.cleanup.Run(ctx, tx, CleanupRequest{
			PatientID:           c.PatientID,
			QuestionnaireID:     c.QuestionnaireID,
			ExcludeCompletionID: c.CompletionID,
			OlderThan:           c.ScheduledAt,
			CurrentAssignmentID: c.AssignmentID,
		}, now)
		if err != nil {
			return err
		}
		cleaned = res

		if res.DeletedCompletions > 0 {
			a, err := tx.Assignment.GetByID(ctx, c.AssignmentID)
			if err != nil {
				return err
			}
			if _, err := resyncNextScheduled(ctx, tx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Status = model.CompletionSent
	return cleaned, nil
}

// ── sent → missed ──

func (s *dispatchService) markMissedAll(ctx context.Context, overdue []model.Completion, now time.Time, result *dto.TickResult) {
	for i := range overdue {
		if ctx.Err() != nil {
			result.Interrupted = true
			return
		}

		c := &overdue[i]
		// 截止时长因分配而异；分配缺失时 Deadline() 回退 24h
		if c.ScheduledAt.Add(c.Assignment.Deadline()).After(now) {
			continue
		}

		itemCtx, cancel := itemContext(ctx)
		err := s.repo.Completion.Transition(itemCtx, c.CompletionID, model.CompletionSent, model.CompletionMissed)
		cancel()
		if err != nil {
			if errors.Is(err, pkgerrors.ErrStaleState) {
				result.Skipped++
				continue
			}
			s.logger.Error("标记错过失败", zap.String("completion_id", c.CompletionID), zap.Error(err))
			result.Failed++
			continue
		}
		c.Status = model.CompletionMissed
		result.Missed++
	}
}

func questionnaireTitle(a *model.Assignment) string {
	if a != nil && a.Questionnaire != nil {
		return a.Questionnaire.Title
	}
	return ""
}
