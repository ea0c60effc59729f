package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"psicouja/backend/internal/model"
	"psicouja/backend/internal/repository"
)

// ExpiryChecker 分配到期检查
type ExpiryChecker interface {
	// CheckExpiry active 且 now 晚于 end_date 当天 23:59:59 时置为 completed 并立即保存
	CheckExpiry(ctx context.Context, a *model.Assignment) (bool, error)
}

type expiryChecker struct {
	repo   *repository.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewExpiryChecker 创建 ExpiryChecker 实例
func NewExpiryChecker(repo *repository.Repository, logger *zap.Logger) ExpiryChecker {
	return &expiryChecker{repo: repo, logger: logger, now: time.Now}
}

func (e *expiryChecker) CheckExpiry(ctx context.Context, a *model.Assignment) (bool, error) {
	if !isExpired(a, e.now().UTC()) {
		return false, nil
	}

	prev := a.Status
	a.Status = model.AssignmentCompleted
	if err := e.repo.Assignment.Update(ctx, a); err != nil {
		// 未落库，调用方看到的仍是原状态
		a.Status = prev
		e.logger.Error("标记分配到期失败", zap.String("assignment_id", a.AssignmentID), zap.Error(err))
		return false, err
	}

	e.logger.Info("分配已到期", zap.String("assignment_id", a.AssignmentID))
	return true, nil
}

func isExpired(a *model.Assignment, now time.Time) bool {
	if a.Status != model.AssignmentActive {
		return false
	}
	end, ok := a.EndOfDay()
	return ok && now.After(end)
}
