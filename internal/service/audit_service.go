package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"psicouja/backend/internal/model"
	"psicouja/backend/internal/repository"
)

// 审计动作
const (
	ActionAssignQuestionnaire      = "ASSIGN_QUESTIONNAIRE"
	ActionUpdateAssignmentStatus   = "UPDATE_ASSIGNMENT_STATUS"
	ActionUpdateAssignmentSchedule = "UPDATE_ASSIGNMENT_SCHEDULE"
	ActionDeleteAssignment         = "DELETE_ASSIGNMENT"
	ActionSubmitQuestionnaire      = "SUBMIT_QUESTIONNAIRE"
	ActionExpireAssignment         = "EXPIRE_ASSIGNMENT"
)

type clientIPKey struct{}

// WithClientIP 将请求来源 IP 放入 context，供审计记录使用
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

// Auditor 审计日志接口：尽力而为，写入失败不影响业务
type Auditor interface {
	Record(ctx context.Context, actor model.Actor, action string, details map[string]interface{})
}

type auditor struct {
	repo   *repository.Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewAuditor 创建 Auditor 实例
func NewAuditor(repo *repository.Repository, logger *zap.Logger) Auditor {
	return &auditor{repo: repo, logger: logger, now: time.Now}
}

func (a *auditor) Record(ctx context.Context, actor model.Actor, action string, details map[string]interface{}) {
	entry := &model.AuditLog{
		ActorKind: actor.Kind,
		ActorName: actor.Name,
		Action:    action,
		Timestamp: a.now().UTC(),
	}
	if actor.ID != "" {
		id := actor.ID
		entry.ActorID = &id
	}
	if ip, ok := ctx.Value(clientIPKey{}).(string); ok && ip != "" {
		entry.IPAddress = &ip
	}
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			a.logger.Warn("审计详情序列化失败", zap.String("action", action), zap.Error(err))
		} else {
			entry.Details = datatypes.JSON(raw)
		}
	}

	if err := a.repo.AuditLog.Create(ctx, entry); err != nil {
		a.logger.Warn("写入审计日志失败", zap.String("action", action), zap.Error(err))
	}
}
