package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"psicouja/backend/internal/dto"
	"psicouja/backend/internal/model"
	"psicouja/backend/internal/repository"
	pkgerrors "psicouja/backend/pkg/errors"
)

// ── 分配模块业务错误 ──

var (
	ErrAssignmentNotFound    = errors.New("分配不存在")
	ErrCompletionNotFound    = errors.New("完成记录不存在")
	ErrPatientNotFound       = errors.New("患者不存在")
	ErrQuestionnaireNotFound = errors.New("问卷不存在")
	ErrInvalidSchedule       = errors.New("排程参数无效")
	ErrInvalidStatus         = errors.New("分配状态无效")
	ErrAssignmentForbidden   = errors.New("无权操作该分配")
	ErrPatientAccessDenied   = errors.New("无权访问该患者")
	ErrSubmissionConflict    = errors.New("答卷提交冲突，请刷新后重试")
	ErrAssignmentConflict    = errors.New("分配已被其他操作修改，请刷新后重试")
)

// AssignmentService 周期问卷分配业务接口
type AssignmentService interface {
	Create(ctx context.Context, req *dto.CreateAssignmentRequest, actor model.Actor) (*dto.AssignmentResponse, error)
	GetByID(ctx context.Context, id string, actor model.Actor) (*dto.AssignmentResponse, error)
	// ListByPatient 列出患者的分配，读取时执行到期检查
	ListByPatient(ctx context.Context, patientID string, actor model.Actor) ([]dto.AssignmentResponse, error)
	UpdateStatus(ctx context.Context, id string, req *dto.UpdateAssignmentStatusRequest, actor model.Actor) (*dto.AssignmentResponse, error)
	// UpdateSchedule 删除未派发的 pending 记录并按新参数重新生成
	UpdateSchedule(ctx context.Context, id string, req *dto.UpdateAssignmentScheduleRequest, actor model.Actor) (*dto.AssignmentResponse, error)
	Delete(ctx context.Context, id string, actor model.Actor) error
	Submit(ctx context.Context, id string, req *dto.SubmitAnswersRequest, actor model.Actor) (*dto.AssignmentResponse, error)
	// ListPendingForPatient 先同步执行该患者的派发逻辑，再返回 sent/missed 记录
	ListPendingForPatient(ctx context.Context, actor model.Actor) ([]dto.CompletionResponse, error)
}

type assignmentService struct {
	repo     *repository.Repository
	dispatch DispatchService
	expiry   ExpiryChecker
	auditor  Auditor
	logger   *zap.Logger
	now      func() time.Time
	rng      Rand

	defaultDeadlineHours int
}

// NewAssignmentService 创建 AssignmentService 实例
// defaultDeadlineHours 为创建时未指定截止时长的回退值
func NewAssignmentService(repo *repository.Repository, dispatch DispatchService, expiry ExpiryChecker, auditor Auditor, defaultDeadlineHours int, logger *zap.Logger) AssignmentService {
	if defaultDeadlineHours < 0 {
		defaultDeadlineHours = model.DefaultDeadlineHours
	}
	return &assignmentService{
		repo:     repo,
		dispatch: dispatch,
		expiry:   expiry,
		auditor:  auditor,
		logger:   logger,
		now:      time.Now,
		rng:      DefaultRand,

		defaultDeadlineHours: defaultDeadlineHours,
	}
}

// ────────────────────── Create ──────────────────────

func (s *assignmentService) Create(ctx context.Context, req *dto.CreateAssignmentRequest, actor model.Actor) (*dto.AssignmentResponse, error) {
	if err := s.authorizePatient(ctx, req.PatientID, actor); err != nil {
		return nil, err
	}

	questionnaire, err := s.repo.Questionnaire.GetByID(ctx, req.QuestionnaireID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrQuestionnaireNotFound
		}
		s.logger.Error("查询问卷失败", zap.Error(err))
		return nil, err
	}

	params, err := parseScheduleRequest(&req.ScheduleRequest)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	deadline := s.defaultDeadlineHours
	if req.DeadlineHours != nil {
		deadline = *req.DeadlineHours
	}

	assignment := &model.Assignment{
		PatientID:       req.PatientID,
		QuestionnaireID: req.QuestionnaireID,
		Status:          model.AssignmentActive,
		AssignedAt:      now,
		DeadlineHours:   &deadline,
		MinHoursBetween: req.MinHoursBetween,
	}
	if actor.ID != "" {
		createdBy := actor.ID
		assignment.CreatedBy = &createdBy
	}
	applyScheduleParams(assignment, params)

	instants := GenerateSchedule(params, now, s.rng)
	if len(instants) > 0 {
		first := instants[0]
		assignment.NextScheduledAt = &first
	} else {
		// 范围内已无未来时刻：保留旧版单次排程指针，供答卷兼容路径使用
		next := NextLegacySlot(assignment.WindowStart, assignment.WindowEnd, assignment.MinHoursBetween, nil, now, s.rng)
		assignment.NextScheduledAt = &next
	}

	err = s.repo.Transaction(ctx, func(tx *repository.Repository) error {
		if err := tx.Assignment.Create(ctx, assignment); err != nil {
			return err
		}
		return tx.Completion.BatchCreate(ctx, buildCompletions(assignment, instants))
	})
	if err != nil {
		s.logger.Error("创建分配失败", zap.Error(err))
		return nil, err
	}
	assignment.Questionnaire = questionnaire

	s.auditor.Record(ctx, actor, ActionAssignQuestionnaire, map[string]interface{}{
		"assignment_id":    assignment.AssignmentID,
		"patient_id":       assignment.PatientID,
		"questionnaire_id": assignment.QuestionnaireID,
		"scheduled":        len(instants),
	})

	resp := toAssignmentResponse(assignment)
	resp.ScheduledCount = len(instants)
	return &resp, nil
}

// ────────────────────── GetByID ──────────────────────

func (s *assignmentService) GetByID(ctx context.Context, id string, actor model.Actor) (*dto.AssignmentResponse, error) {
	assignment, err := s.loadForActor(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	resp := toAssignmentResponse(assignment)
	return &resp, nil
}

// ────────────────────── ListByPatient ──────────────────────

func (s *assignmentService) ListByPatient(ctx context.Context, patientID string, actor model.Actor) ([]dto.AssignmentResponse, error) {
	if err := s.authorizePatient(ctx, patientID, actor); err != nil {
		return nil, err
	}

	assignments, err := s.repo.Assignment.ListByPatient(ctx, patientID)
	if err != nil {
		s.logger.Error("查询患者分配失败", zap.String("patient_id", patientID), zap.Error(err))
		return nil, err
	}

	result := make([]dto.AssignmentResponse, 0, len(assignments))
	for i := range assignments {
		// 到期检查失败不影响列表读取
		_, _ = s.expiry.CheckExpiry(ctx, &assignments[i])
		result = append(result, toAssignmentResponse(&assignments[i]))
	}
	return result, nil
}

// ────────────────────── UpdateStatus ──────────────────────

func (s *assignmentService) UpdateStatus(ctx context.Context, id string, req *dto.UpdateAssignmentStatusRequest, actor model.Actor) (*dto.AssignmentResponse, error) {
	status := model.AssignmentStatus(req.Status)
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	assignment, err := s.loadForActor(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	removed := int64(0)
	err = s.repo.Transaction(ctx, func(tx *repository.Repository) error {
		assignment.Status = status
		if status == model.AssignmentCompleted {
			// 提前结束：删除尚未到期的 pending 记录
			n, err := tx.Completion.SoftDeletePendingByAssignment(ctx, id, &now)
			if err != nil {
				return err
			}
			removed = n
			if err := s.syncPointer(ctx, tx, assignment); err != nil {
				return err
			}
		}
		return tx.Assignment.Update(ctx, assignment)
	})
	if err != nil {
		return nil, s.mapWriteError("修改分配状态失败", id, err)
	}

	s.auditor.Record(ctx, actor, ActionUpdateAssignmentStatus, map[string]interface{}{
		"assignment_id":   id,
		"status":          string(status),
		"removed_pending": removed,
	})

	resp := toAssignmentResponse(assignment)
	return &resp, nil
}

// ────────────────────── UpdateSchedule ──────────────────────

func (s *assignmentService) UpdateSchedule(ctx context.Context, id string, req *dto.UpdateAssignmentScheduleRequest, actor model.Actor) (*dto.AssignmentResponse, error) {
	params, err := parseScheduleRequest(&req.ScheduleRequest)
	if err != nil {
		return nil, err
	}

	assignment, err := s.loadForActor(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	applyScheduleParams(assignment, params)
	if req.DeadlineHours != nil {
		deadline := *req.DeadlineHours
		assignment.DeadlineHours = &deadline
	}
	assignment.MinHoursBetween = req.MinHoursBetween

	instants := GenerateSchedule(params, now, s.rng)
	removed := int64(0)
	err = s.repo.Transaction(ctx, func(tx *repository.Repository) error {
		// 已派发的 sent/missed 与已完成的历史保持不变
		n, err := tx.Completion.SoftDeletePendingByAssignment(ctx, id, nil)
		if err != nil {
			return err
		}
		removed = n
		if err := tx.Completion.BatchCreate(ctx, buildCompletions(assignment, instants)); err != nil {
			return err
		}
		if err := s.syncPointer(ctx, tx, assignment); err != nil {
			return err
		}
		return tx.Assignment.Update(ctx, assignment)
	})
	if err != nil {
		return nil, s.mapWriteError("修改排程失败", id, err)
	}

	s.auditor.Record(ctx, actor, ActionUpdateAssignmentSchedule, map[string]interface{}{
		"assignment_id":   id,
		"removed_pending": removed,
		"scheduled":       len(instants),
	})

	resp := toAssignmentResponse(assignment)
	resp.ScheduledCount = len(instants)
	return &resp, nil
}

// ────────────────────── Delete ──────────────────────

func (s *assignmentService) Delete(ctx context.Context, id string, actor model.Actor) error {
	if _, err := s.loadForActor(ctx, id, actor); err != nil {
		return err
	}

	var cascaded int64
	err := s.repo.Transaction(ctx, func(tx *repository.Repository) error {
		n, err := tx.Completion.SoftDeleteByAssignment(ctx, id)
		if err != nil {
			return err
		}
		cascaded = n
		return tx.Assignment.SoftDelete(ctx, id)
	})
	if err != nil {
		s.logger.Error("删除分配失败", zap.String("assignment_id", id), zap.Error(err))
		return err
	}

	s.auditor.Record(ctx, actor, ActionDeleteAssignment, map[string]interface{}{
		"assignment_id":        id,
		"completions_cascaded": cascaded,
	})
	return nil
}

// ────────────────────── Submit ──────────────────────

// Submit 匹配最早的未决记录并标记完成；只影响该记录及其所属分配
func (s *assignmentService) Submit(ctx context.Context, id string, req *dto.SubmitAnswersRequest, actor model.Actor) (*dto.AssignmentResponse, error) {
	now := s.now().UTC()

	var assignment *model.Assignment
	var completion *model.Completion
	err := s.repo.Transaction(ctx, func(tx *repository.Repository) error {
		a, err := tx.Assignment.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAssignmentNotFound
			}
			return err
		}
		if actor.IsPatient() && a.PatientID != actor.ID {
			return ErrAssignmentForbidden
		}
		assignment = a

		target, err := tx.Completion.FirstUnresolvedByAssignment(ctx, id)
		switch {
		case err == nil:
			from := target.Status
			target.CompletedAt = &now
			target.IsDelayed = model.IsLate(now, target.ScheduledAt, a.Deadline())
			target.Answers = datatypes.JSON(req.Answers)
			if err := tx.Completion.MarkCompleted(ctx, target, from); err != nil {
				return err
			}
			completion = target

		case errors.Is(err, gorm.ErrRecordNotFound):
			// 兼容路径：无未决记录时按旧版 next_scheduled_at 生成一条已完成记录
			scheduled := now
			if a.NextScheduledAt != nil {
				scheduled = *a.NextScheduledAt
			}
			c := model.Completion{
				AssignmentID:    a.AssignmentID,
				PatientID:       a.PatientID,
				QuestionnaireID: a.QuestionnaireID,
				ScheduledAt:     scheduled,
				Status:          model.CompletionCompleted,
				CompletedAt:     &now,
				IsDelayed:       model.IsLate(now, scheduled, a.Deadline()),
				Answers:         datatypes.JSON(req.Answers),
			}
			batch := []model.Completion{c}
			if err := tx.Completion.BatchCreate(ctx, batch); err != nil {
				return err
			}
			completion = &batch[0]

		default:
			return err
		}

		remaining, err := s.nextPointer(ctx, tx, a)
		if err != nil {
			return err
		}
		if remaining == 0 {
			a.Status = model.AssignmentCompleted
		}
		return tx.Assignment.Update(ctx, a)
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAssignmentNotFound), errors.Is(err, ErrAssignmentForbidden):
			return nil, err
		case errors.Is(err, pkgerrors.ErrStaleState), errors.Is(err, pkgerrors.ErrOptimisticLock):
			s.logger.Warn("答卷提交冲突", zap.String("assignment_id", id), zap.Error(err))
			return nil, ErrSubmissionConflict
		}
		s.logger.Error("提交答卷失败", zap.String("assignment_id", id), zap.Error(err))
		return nil, err
	}

	s.auditor.Record(ctx, actor, ActionSubmitQuestionnaire, map[string]interface{}{
		"assignment_id": id,
		"completion_id": completion.CompletionID,
		"is_delayed":    completion.IsDelayed,
	})

	resp := toAssignmentResponse(assignment)
	return &resp, nil
}

// ────────────────────── ListPendingForPatient ──────────────────────

func (s *assignmentService) ListPendingForPatient(ctx context.Context, actor model.Actor) ([]dto.CompletionResponse, error) {
	if !actor.IsPatient() {
		return nil, ErrPatientAccessDenied
	}
	patientID := actor.ID

	if _, err := s.dispatch.PromoteForPatient(ctx, patientID); err != nil {
		return nil, err
	}

	assignments, err := s.repo.Assignment.ListByPatient(ctx, patientID)
	if err != nil {
		s.logger.Error("查询患者分配失败", zap.String("patient_id", patientID), zap.Error(err))
		return nil, err
	}
	for i := range assignments {
		_, _ = s.expiry.CheckExpiry(ctx, &assignments[i])
	}

	completions, err := s.repo.Completion.ListByPatientAndStatus(ctx, patientID,
		[]model.CompletionStatus{model.CompletionSent, model.CompletionMissed})
	if err != nil {
		s.logger.Error("查询待作答问卷失败", zap.String("patient_id", patientID), zap.Error(err))
		return nil, err
	}

	result := make([]dto.CompletionResponse, 0, len(completions))
	for i := range completions {
		result = append(result, toCompletionResponse(&completions[i]))
	}
	return result, nil
}

// ── 内部辅助 ──

// loadForActor 读取分配并校验调用方权限
func (s *assignmentService) loadForActor(ctx context.Context, id string, actor model.Actor) (*model.Assignment, error) {
	assignment, err := s.repo.Assignment.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssignmentNotFound
		}
		s.logger.Error("查询分配失败", zap.String("assignment_id", id), zap.Error(err))
		return nil, err
	}
	if err := s.authorizePatient(ctx, assignment.PatientID, actor); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, ErrAssignmentNotFound
		}
		return nil, err
	}
	return assignment, nil
}

func (s *assignmentService) authorizePatient(ctx context.Context, patientID string, actor model.Actor) error {
	return authorizePatient(ctx, s.repo, s.logger, patientID, actor)
}

// syncPointer 在事务内重算 next_scheduled_at（不写库，由调用方统一 Update）
func (s *assignmentService) syncPointer(ctx context.Context, tx *repository.Repository, a *model.Assignment) error {
	_, err := s.nextPointer(ctx, tx, a)
	return err
}

func (s *assignmentService) nextPointer(ctx context.Context, tx *repository.Repository, a *model.Assignment) (int, error) {
	unresolved, err := tx.Completion.ListUnresolvedByAssignment(ctx, a.AssignmentID)
	if err != nil {
		return 0, err
	}
	if len(unresolved) == 0 {
		a.NextScheduledAt = nil
		return 0, nil
	}
	at := unresolved[0].ScheduledAt
	a.NextScheduledAt = &at
	return len(unresolved), nil
}

func (s *assignmentService) mapWriteError(msg, id string, err error) error {
	if errors.Is(err, pkgerrors.ErrOptimisticLock) {
		return ErrAssignmentConflict
	}
	s.logger.Error(msg, zap.String("assignment_id", id), zap.Error(err))
	return err
}

// authorizePatient 心理师只能操作自己负责（或未指派）的患者；患者只能访问自己
func authorizePatient(ctx context.Context, repo *repository.Repository, logger *zap.Logger, patientID string, actor model.Actor) error {
	patient, err := repo.Patient.GetByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPatientNotFound
		}
		logger.Error("查询患者失败", zap.String("patient_id", patientID), zap.Error(err))
		return err
	}

	switch actor.Kind {
	case model.ActorSystem:
		return nil
	case model.ActorPatient:
		if patient.PatientID != actor.ID {
			return ErrPatientAccessDenied
		}
	case model.ActorPsychologist:
		if patient.PsychologistID != nil && *patient.PsychologistID != actor.ID {
			return ErrPatientAccessDenied
		}
	default:
		return ErrPatientAccessDenied
	}
	return nil
}

// parseScheduleRequest 请求边界校验：日期、频率与时间窗
func parseScheduleRequest(req *dto.ScheduleRequest) (ScheduleParams, error) {
	start, err := time.Parse(dto.DateLayout, req.StartDate)
	if err != nil {
		return ScheduleParams{}, fmt.Errorf("%w: start_date 格式错误", ErrInvalidSchedule)
	}

	params := ScheduleParams{
		StartDate:      start.UTC(),
		FrequencyType:  model.FrequencyType(req.FrequencyType),
		FrequencyCount: req.FrequencyCount,
		WindowStart:    req.WindowStart,
		WindowEnd:      req.WindowEnd,
	}

	if req.EndDate != nil && *req.EndDate != "" {
		end, err := time.Parse(dto.DateLayout, *req.EndDate)
		if err != nil {
			return ScheduleParams{}, fmt.Errorf("%w: end_date 格式错误", ErrInvalidSchedule)
		}
		if end.Before(start) {
			return ScheduleParams{}, fmt.Errorf("%w: end_date 不能早于 start_date", ErrInvalidSchedule)
		}
		end = end.UTC()
		params.EndDate = &end
	}

	switch params.FrequencyType {
	case model.FrequencyDaily:
		params.FrequencyCount = 1
	case model.FrequencyWeekly:
		if params.FrequencyCount < 1 {
			return ScheduleParams{}, fmt.Errorf("%w: weekly 频率的 frequency_count 必须 ≥ 1", ErrInvalidSchedule)
		}
	default:
		return ScheduleParams{}, fmt.Errorf("%w: frequency_type 必须为 daily 或 weekly", ErrInvalidSchedule)
	}

	ws, okStart := ParseClock(req.WindowStart)
	we, okEnd := ParseClock(req.WindowEnd)
	if !okStart || !okEnd {
		return ScheduleParams{}, fmt.Errorf("%w: 时间窗格式应为 HH:MM", ErrInvalidSchedule)
	}
	if ws >= we {
		return ScheduleParams{}, fmt.Errorf("%w: window_start 必须早于 window_end", ErrInvalidSchedule)
	}
	if req.DeadlineHours != nil && *req.DeadlineHours < 0 {
		return ScheduleParams{}, fmt.Errorf("%w: deadline_hours 不能为负数", ErrInvalidSchedule)
	}

	return params, nil
}

func applyScheduleParams(a *model.Assignment, p ScheduleParams) {
	a.StartDate = p.StartDate
	a.EndDate = p.EndDate
	a.FrequencyType = p.FrequencyType
	a.FrequencyCount = p.FrequencyCount
	a.WindowStart = p.WindowStart
	a.WindowEnd = p.WindowEnd
}

func buildCompletions(a *model.Assignment, instants []time.Time) []model.Completion {
	completions := make([]model.Completion, 0, len(instants))
	for _, at := range instants {
		completions = append(completions, model.Completion{
			AssignmentID:    a.AssignmentID,
			PatientID:       a.PatientID,
			QuestionnaireID: a.QuestionnaireID,
			ScheduledAt:     at,
			Status:          model.CompletionPending,
		})
	}
	return completions
}

// ── 模型 → DTO ──

func toAssignmentResponse(a *model.Assignment) dto.AssignmentResponse {
	resp := dto.AssignmentResponse{
		ID:              a.AssignmentID,
		PatientID:       a.PatientID,
		QuestionnaireID: a.QuestionnaireID,
		Status:          string(a.Status),
		AssignedAt:      a.AssignedAt.UTC().Format(dto.TimeLayout),
		StartDate:       a.StartDate.Format(dto.DateLayout),
		FrequencyType:   string(a.FrequencyType),
		FrequencyCount:  a.FrequencyCount,
		WindowStart:     a.WindowStart,
		WindowEnd:       a.WindowEnd,
		DeadlineHours:   a.DeadlineHours,
		MinHoursBetween: a.MinHoursBetween,
		Version:         a.Version,
	}
	if a.Questionnaire != nil {
		resp.QuestionnaireTitle = a.Questionnaire.Title
	}
	if a.EndDate != nil {
		end := a.EndDate.Format(dto.DateLayout)
		resp.EndDate = &end
	}
	if a.NextScheduledAt != nil {
		next := a.NextScheduledAt.UTC().Format(dto.TimeLayout)
		resp.NextScheduledAt = &next
	}
	return resp
}

func toCompletionResponse(c *model.Completion) dto.CompletionResponse {
	resp := dto.CompletionResponse{
		ID:              c.CompletionID,
		AssignmentID:    c.AssignmentID,
		PatientID:       c.PatientID,
		QuestionnaireID: c.QuestionnaireID,
		ScheduledAt:     c.ScheduledAt.UTC().Format(dto.TimeLayout),
		Status:          string(c.Status),
		IsDelayed:       c.IsDelayed,
		ReadByTherapist: c.ReadByTherapist,
	}
	if c.Questionnaire != nil {
		resp.QuestionnaireTitle = c.Questionnaire.Title
	}
	if c.CompletedAt != nil {
		done := c.CompletedAt.UTC().Format(dto.TimeLayout)
		resp.CompletedAt = &done
	}
	if len(c.Answers) > 0 {
		resp.Answers = []byte(c.Answers)
	}
	return resp
}
