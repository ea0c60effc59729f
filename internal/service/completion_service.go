package service

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"psicouja/backend/internal/dto"
	"psicouja/backend/internal/model"
	"psicouja/backend/internal/repository"
)

// CompletionService 完成记录查询与已读标记
type CompletionService interface {
	ListByPatient(ctx context.Context, patientID string, req *dto.CompletionListRequest, actor model.Actor) ([]dto.CompletionResponse, int64, error)
	MarkRead(ctx context.Context, id string, actor model.Actor) error
}

type completionService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewCompletionService 创建 CompletionService 实例
func NewCompletionService(repo *repository.Repository, logger *zap.Logger) CompletionService {
	return &completionService{repo: repo, logger: logger}
}

func (s *completionService) ListByPatient(ctx context.Context, patientID string, req *dto.CompletionListRequest, actor model.Actor) ([]dto.CompletionResponse, int64, error) {
	if err := authorizePatient(ctx, s.repo, s.logger, patientID, actor); err != nil {
		return nil, 0, err
	}

	completions, total, err := s.repo.Completion.ListByPatient(ctx, patientID, req.GetOffset(), req.GetPageSize())
	if err != nil {
		s.logger.Error("查询完成记录失败", zap.String("patient_id", patientID), zap.Error(err))
		return nil, 0, err
	}

	result := make([]dto.CompletionResponse, 0, len(completions))
	for i := range completions {
		result = append(result, toCompletionResponse(&completions[i]))
	}
	return result, total, nil
}

// MarkRead 心理师标记已读，与状态机无关
func (s *completionService) MarkRead(ctx context.Context, id string, actor model.Actor) error {
	completion, err := s.repo.Completion.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCompletionNotFound
		}
		s.logger.Error("查询完成记录失败", zap.String("completion_id", id), zap.Error(err))
		return err
	}
	if !actor.IsPsychologist() {
		return ErrPatientAccessDenied
	}
	if err := authorizePatient(ctx, s.repo, s.logger, completion.PatientID, actor); err != nil {
		return err
	}

	if err := s.repo.Completion.MarkRead(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCompletionNotFound
		}
		s.logger.Error("标记已读失败", zap.String("completion_id", id), zap.Error(err))
		return err
	}
	return nil
}
