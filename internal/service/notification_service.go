package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"psicouja/backend/internal/repository"
	"psicouja/backend/pkg/push"
)

const (
	notifyTitle       = "Nuevo Cuestionario"
	notifyBodyPattern = "Tienes un nuevo cuestionario pendiente: %s"
	notifyClickAction = "/formularios"
)

// Deduper 推送去重（Redis SetNX）；为 nil 时不去重
type Deduper interface {
	MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// NotifierOptions 通知器参数
type NotifierOptions struct {
	Concurrency int
	Timeout     time.Duration
	DedupeTTL   time.Duration
}

// Notifier 问卷推送：尽力而为，失败只记日志
type Notifier interface {
	// NotifyQuestionnaireAssigned 同步推送给患者全部设备，返回成功设备数
	NotifyQuestionnaireAssigned(ctx context.Context, patientID, assignmentID, title string) int
	// Dispatch 异步推送；并发已满或重复时返回 false
	Dispatch(completionID, patientID, assignmentID, title string) bool
	// Wait 等待所有异步推送结束
	Wait()
}

type notifier struct {
	repo      *repository.Repository
	transport push.Transport
	dedupe    Deduper
	sem       *semaphore.Weighted
	timeout   time.Duration
	dedupeTTL time.Duration
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewNotifier 创建 Notifier 实例
func NewNotifier(repo *repository.Repository, transport push.Transport, dedupe Deduper, opts NotifierOptions, logger *zap.Logger) Notifier {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 48 * time.Hour
	}
	return &notifier{
		repo:      repo,
		transport: transport,
		dedupe:    dedupe,
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		timeout:   opts.Timeout,
		dedupeTTL: opts.DedupeTTL,
		logger:    logger,
	}
}

func (n *notifier) NotifyQuestionnaireAssigned(ctx context.Context, patientID, assignmentID, title string) int {
	tokens, err := n.repo.DeviceToken.ListByPatient(ctx, patientID)
	if err != nil {
		n.logger.Warn("查询设备令牌失败", zap.String("patient_id", patientID), zap.Error(err))
		return 0
	}
	if len(tokens) == 0 {
		n.logger.Debug("患者无已注册设备", zap.String("patient_id", patientID))
		return 0
	}

	msg := push.Message{
		Title: notifyTitle,
		Body:  fmt.Sprintf(notifyBodyPattern, title),
		Data: map[string]string{
			"type":         "questionnaire",
			"id":           assignmentID,
			"click_action": notifyClickAction,
		},
	}

	success := 0
	var invalid []string
	for _, tok := range tokens {
		err := n.transport.Send(ctx, tok.Token, msg)
		switch {
		case err == nil:
			success++
		case errors.Is(err, push.ErrUnregistered):
			invalid = append(invalid, tok.TokenID)
		default:
			n.logger.Warn("推送失败",
				zap.String("patient_id", patientID),
				zap.String("token_id", tok.TokenID),
				zap.Error(err),
			)
		}
	}

	if len(invalid) > 0 {
		if err := n.repo.DeviceToken.DeleteByIDs(ctx, invalid); err != nil {
			n.logger.Warn("删除失效设备令牌失败", zap.Error(err))
		} else {
			n.logger.Info("已删除失效设备令牌", zap.String("patient_id", patientID), zap.Int("count", len(invalid)))
		}
	}

	return success
}

func (n *notifier) Dispatch(completionID, patientID, assignmentID, title string) bool {
	if !n.sem.TryAcquire(1) {
		n.logger.Warn("推送并发已满，丢弃本次推送", zap.String("completion_id", completionID))
		return false
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer n.sem.Release(1)

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if n.dedupe != nil {
			first, err := n.dedupe.MarkOnce(ctx, "completion:"+completionID, n.dedupeTTL)
			if err != nil {
				n.logger.Warn("推送去重检查失败，继续发送", zap.Error(err))
			} else if !first {
				n.logger.Debug("重复推送已跳过", zap.String("completion_id", completionID))
				return
			}
		}

		reached := n.NotifyQuestionnaireAssigned(ctx, patientID, assignmentID, title)
		n.logger.Info("问卷推送完成",
			zap.String("completion_id", completionID),
			zap.String("patient_id", patientID),
			zap.Int("devices", reached),
		)
	}()
	return true
}

func (n *notifier) Wait() {
	n.wg.Wait()
}
