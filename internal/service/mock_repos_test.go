package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"psicouja/backend/internal/model"
	"psicouja/backend/internal/repository"
	pkgerrors "psicouja/backend/pkg/errors"
	"psicouja/backend/pkg/push"
)

// ── 内存存储（模拟软删除与状态比较更新） ──

type memStore struct {
	mu             sync.Mutex
	seq            int
	assignments    map[string]*model.Assignment
	completions    map[string]*model.Completion
	patients       map[string]*model.Patient
	questionnaires map[string]*model.Questionnaire
	tokens         map[string]*model.DeviceToken
	audits         []model.AuditLog
}

func newMemStore() *memStore {
	return &memStore{
		assignments:    make(map[string]*model.Assignment),
		completions:    make(map[string]*model.Completion),
		patients:       make(map[string]*model.Patient),
		questionnaires: make(map[string]*model.Questionnaire),
		tokens:         make(map[string]*model.DeviceToken),
	}
}

func (st *memStore) nextID(prefix string) string {
	st.seq++
	return fmt.Sprintf("%s-%d", prefix, st.seq)
}

func deletedMark() gorm.DeletedAt {
	return gorm.DeletedAt{Time: time.Now(), Valid: true}
}

// snapshotAssignment 返回副本并模拟 Preload("Questionnaire")
func (st *memStore) snapshotAssignment(a *model.Assignment) *model.Assignment {
	cp := *a
	cp.Completions = nil
	if q, ok := st.questionnaires[a.QuestionnaireID]; ok {
		qc := *q
		cp.Questionnaire = &qc
	} else {
		cp.Questionnaire = nil
	}
	return &cp
}

// snapshotCompletion 返回副本并模拟 Preload("Assignment")；已软删除的分配不会被预加载
func (st *memStore) snapshotCompletion(c *model.Completion) model.Completion {
	cp := *c
	cp.Assignment = nil
	if a, ok := st.assignments[c.AssignmentID]; ok && !a.DeletedAt.Valid {
		cp.Assignment = st.snapshotAssignment(a)
	}
	if q, ok := st.questionnaires[c.QuestionnaireID]; ok {
		qc := *q
		cp.Questionnaire = &qc
	}
	return cp
}

func (st *memStore) filterCompletions(match func(c *model.Completion) bool) []model.Completion {
	var out []model.Completion
	for _, c := range st.completions {
		if c.DeletedAt.Valid || !match(c) {
			continue
		}
		out = append(out, st.snapshotCompletion(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].CompletionID < out[j].CompletionID
		}
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	return out
}

func limitCompletions(list []model.Completion, limit int) []model.Completion {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}

// ── Mock AssignmentRepository ──

type mockAssignmentRepo struct {
	st *memStore
}

func (m *mockAssignmentRepo) Create(_ context.Context, a *model.Assignment) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if a.AssignmentID == "" {
		a.AssignmentID = m.st.nextID("asg")
	}
	if a.Version == 0 {
		a.Version = 1
	}
	cp := *a
	cp.Questionnaire = nil
	m.st.assignments[a.AssignmentID] = &cp
	return nil
}

func (m *mockAssignmentRepo) GetByID(_ context.Context, id string) (*model.Assignment, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if a, ok := m.st.assignments[id]; ok && !a.DeletedAt.Valid {
		return m.st.snapshotAssignment(a), nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockAssignmentRepo) ListByPatient(_ context.Context, patientID string) ([]model.Assignment, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []model.Assignment
	for _, a := range m.st.assignments {
		if !a.DeletedAt.Valid && a.PatientID == patientID {
			out = append(out, *m.st.snapshotAssignment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.After(out[j].AssignedAt) })
	return out, nil
}

func (m *mockAssignmentRepo) ListActiveWithEndDate(_ context.Context) ([]model.Assignment, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []model.Assignment
	for _, a := range m.st.assignments {
		if !a.DeletedAt.Valid && a.Status == model.AssignmentActive && a.EndDate != nil {
			out = append(out, *m.st.snapshotAssignment(a))
		}
	}
	return out, nil
}

func (m *mockAssignmentRepo) Update(_ context.Context, a *model.Assignment) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	stored, ok := m.st.assignments[a.AssignmentID]
	if !ok || stored.DeletedAt.Valid || stored.Version != a.Version {
		return pkgerrors.ErrOptimisticLock
	}
	cp := *a
	cp.Questionnaire = nil
	cp.Version = a.Version + 1
	cp.DeletedAt = stored.DeletedAt
	m.st.assignments[a.AssignmentID] = &cp
	a.Version = cp.Version
	return nil
}

func (m *mockAssignmentRepo) SoftDelete(_ context.Context, id string) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if a, ok := m.st.assignments[id]; ok && !a.DeletedAt.Valid {
		a.DeletedAt = deletedMark()
	}
	return nil
}

// ── Mock CompletionRepository ──

type mockCompletionRepo struct {
	st *memStore
	// failOn 按 completion_id 注入 Transition 错误
	failOn map[string]error
}

func (m *mockCompletionRepo) BatchCreate(_ context.Context, completions []model.Completion) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	for i := range completions {
		if completions[i].CompletionID == "" {
			completions[i].CompletionID = m.st.nextID("cmp")
		}
		cp := completions[i]
		cp.Assignment = nil
		cp.Questionnaire = nil
		m.st.completions[cp.CompletionID] = &cp
	}
	return nil
}

func (m *mockCompletionRepo) GetByID(_ context.Context, id string) (*model.Completion, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if c, ok := m.st.completions[id]; ok && !c.DeletedAt.Valid {
		cp := m.st.snapshotCompletion(c)
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockCompletionRepo) ListDuePending(_ context.Context, now time.Time, limit int) ([]model.Completion, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	out := m.st.filterCompletions(func(c *model.Completion) bool {
		return c.Status == model.CompletionPending && !c.ScheduledAt.After(now)
	})
	return limitCompletions(out, limit), nil
}

func (m *mockCompletionRepo) ListDuePendingByPatient(_ context.Context, patientID string, now time.Time) ([]model.Completion, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.filterCompletions(func(c *model.Completion) bool {
		return c.PatientID == patientID && c.Status == model.CompletionPending && !c.ScheduledAt.After(now)
	}), nil
}

func (m *mockCompletionRepo) ListOverdueSent(_ context.Context, now time.Time, after *repository.SentCursor, limit int) ([]model.Completion, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	out := m.st.filterCompletions(func(c *model.Completion) bool {
		if c.Status != model.CompletionSent || c.ScheduledAt.After(now) {
			return false
		}
		if after == nil {
			return true
		}
		return c.ScheduledAt.After(after.ScheduledAt) ||
			(c.ScheduledAt.Equal(after.ScheduledAt) && c.CompletionID > after.CompletionID)
	})
	return limitCompletions(out, limit), nil
}

func (m *mockCompletionRepo) ListOverdueSentByPatient(_ context.Context, patientID string, now time.Time) ([]model.Completion, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.filterCompletions(func(c *model.Completion) bool {
		return c.PatientID == patientID && c.Status == model.CompletionSent && !c.ScheduledAt.After(now)
	}), nil
}

func (m *mockCompletionRepo) Transition(_ context.Context, id string, from, to model.CompletionStatus) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if err, ok := m.failOn[id]; ok {
		return err
	}
	if !from.CanTransitionTo(to) {
		return pkgerrors.ErrInvalidTransition
	}
	c, ok := m.st.completions[id]
	if !ok || c.DeletedAt.Valid || c.Status != from {
		return pkgerrors.ErrStaleState
	}
	c.Status = to
	return nil
}

func (m *mockCompletionRepo) FirstUnresolvedByAssignment(_ context.Context, assignmentID string) (*model.Completion, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	out := m.st.filterCompletions(func(c *model.Completion) bool {
		return c.AssignmentID == assignmentID && c.Status.IsUnresolved()
	})
	if len(out) == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	out[0].Assignment = nil
	return &out[0], nil
}

func (m *mockCompletionRepo) MarkCompleted(_ context.Context, completion *model.Completion, from model.CompletionStatus) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if !from.CanTransitionTo(model.CompletionCompleted) {
		return pkgerrors.ErrInvalidTransition
	}
	c, ok := m.st.completions[completion.CompletionID]
	if !ok || c.DeletedAt.Valid || c.Status != from {
		return pkgerrors.ErrStaleState
	}
	c.Status = model.CompletionCompleted
	c.CompletedAt = completion.CompletedAt
	c.IsDelayed = completion.IsDelayed
	c.Answers = completion.Answers
	completion.Status = model.CompletionCompleted
	return nil
}

func (m *mockCompletionRepo) ListStaleUnresolved(_ context.Context, patientID, questionnaireID, excludeID string, olderThan time.Time) ([]model.Completion, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.filterCompletions(func(c *model.Completion) bool {
		return c.PatientID == patientID &&
			c.QuestionnaireID == questionnaireID &&
			c.CompletionID != excludeID &&
			c.Status.IsUnresolved() &&
			c.ScheduledAt.Before(olderThan)
	}), nil
}

func (m *mockCompletionRepo) SoftDeleteByIDs(_ context.Context, ids []string) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	for _, id := range ids {
		if c, ok := m.st.completions[id]; ok && !c.DeletedAt.Valid {
			c.DeletedAt = deletedMark()
		}
	}
	return nil
}

func (m *mockCompletionRepo) HasFuturePending(_ context.Context, assignmentID string, after time.Time) (bool, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	out := m.st.filterCompletions(func(c *model.Completion) bool {
		return c.AssignmentID == assignmentID && c.Status == model.CompletionPending && c.ScheduledAt.After(after)
	})
	return len(out) > 0, nil
}

func (m *mockCompletionRepo) SoftDeleteByAssignment(_ context.Context, assignmentID string) (int64, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var n int64
	for _, c := range m.st.completions {
		if c.AssignmentID == assignmentID && !c.DeletedAt.Valid {
			c.DeletedAt = deletedMark()
			n++
		}
	}
	return n, nil
}

func (m *mockCompletionRepo) SoftDeletePendingByAssignment(_ context.Context, assignmentID string, after *time.Time) (int64, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var n int64
	for _, c := range m.st.completions {
		if c.AssignmentID != assignmentID || c.DeletedAt.Valid || c.Status != model.CompletionPending {
			continue
		}
		if after != nil && !c.ScheduledAt.After(*after) {
			continue
		}
		c.DeletedAt = deletedMark()
		n++
	}
	return n, nil
}

func (m *mockCompletionRepo) ListByPatientAndStatus(_ context.Context, patientID string, statuses []model.CompletionStatus) ([]model.Completion, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	want := make(map[model.CompletionStatus]bool)
	for _, s := range statuses {
		want[s] = true
	}
	return m.st.filterCompletions(func(c *model.Completion) bool {
		return c.PatientID == patientID && want[c.Status]
	}), nil
}

func (m *mockCompletionRepo) ListByPatient(_ context.Context, patientID string, offset, limit int) ([]model.Completion, int64, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	all := m.st.filterCompletions(func(c *model.Completion) bool { return c.PatientID == patientID })
	// 按 scheduled_at 倒序
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (m *mockCompletionRepo) ListUnresolvedByAssignment(_ context.Context, assignmentID string) ([]model.Completion, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	return m.st.filterCompletions(func(c *model.Completion) bool {
		return c.AssignmentID == assignmentID && c.Status.IsUnresolved()
	}), nil
}

func (m *mockCompletionRepo) MarkRead(_ context.Context, id string) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	c, ok := m.st.completions[id]
	if !ok || c.DeletedAt.Valid {
		return gorm.ErrRecordNotFound
	}
	c.ReadByTherapist = true
	return nil
}

// ── Mock 协作方仓储 ──

type mockPatientRepo struct{ st *memStore }

func (m *mockPatientRepo) GetByID(_ context.Context, id string) (*model.Patient, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if p, ok := m.st.patients[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type mockQuestionnaireRepo struct{ st *memStore }

func (m *mockQuestionnaireRepo) GetByID(_ context.Context, id string) (*model.Questionnaire, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	if q, ok := m.st.questionnaires[id]; ok {
		cp := *q
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

type mockDeviceTokenRepo struct{ st *memStore }

func (m *mockDeviceTokenRepo) ListByPatient(_ context.Context, patientID string) ([]model.DeviceToken, error) {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	var out []model.DeviceToken
	for _, t := range m.st.tokens {
		if t.PatientID == patientID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

func (m *mockDeviceTokenRepo) DeleteByIDs(_ context.Context, ids []string) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	for _, id := range ids {
		delete(m.st.tokens, id)
	}
	return nil
}

type mockAuditLogRepo struct{ st *memStore }

func (m *mockAuditLogRepo) Create(_ context.Context, log *model.AuditLog) error {
	m.st.mu.Lock()
	defer m.st.mu.Unlock()
	m.st.audits = append(m.st.audits, *log)
	return nil
}

// ── 测试辅助 ──

type testRepos struct {
	st         *memStore
	repo       *repository.Repository
	completion *mockCompletionRepo
}

func newTestRepos() *testRepos {
	st := newMemStore()
	completion := &mockCompletionRepo{st: st, failOn: make(map[string]error)}
	repo := &repository.Repository{
		Assignment:    &mockAssignmentRepo{st: st},
		Completion:    completion,
		Patient:       &mockPatientRepo{st: st},
		Questionnaire: &mockQuestionnaireRepo{st: st},
		DeviceToken:   &mockDeviceTokenRepo{st: st},
		AuditLog:      &mockAuditLogRepo{st: st},
	}
	return &testRepos{st: st, repo: repo, completion: completion}
}

func (r *testRepos) addPatient(id string, psychologistID *string) {
	r.st.patients[id] = &model.Patient{PatientID: id, PatientCode: "P-" + id, Name: "Paciente " + id, PsychologistID: psychologistID}
}

func (r *testRepos) addQuestionnaire(id, title string) {
	r.st.questionnaires[id] = &model.Questionnaire{QuestionnaireID: id, Title: title}
}

func (r *testRepos) addAssignment(a model.Assignment) *model.Assignment {
	if a.Version == 0 {
		a.Version = 1
	}
	if a.Status == "" {
		a.Status = model.AssignmentActive
	}
	cp := a
	r.st.assignments[a.AssignmentID] = &cp
	return &cp
}

func (r *testRepos) addCompletion(id, assignmentID string, at time.Time, status model.CompletionStatus) *model.Completion {
	a := r.st.assignments[assignmentID]
	c := &model.Completion{
		CompletionID:    id,
		AssignmentID:    assignmentID,
		PatientID:       a.PatientID,
		QuestionnaireID: a.QuestionnaireID,
		ScheduledAt:     at,
		Status:          status,
	}
	r.st.completions[id] = c
	return c
}

func (r *testRepos) completionState(id string) (model.CompletionStatus, bool) {
	c := r.st.completions[id]
	return c.Status, c.DeletedAt.Valid
}

func (r *testRepos) assignmentDeleted(id string) bool {
	return r.st.assignments[id].DeletedAt.Valid
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

// fracRand 固定随机源：0 取窗口起点，1 取窗口内最大值
type fracRand float64

func (f fracRand) Int63n(n int64) int64 {
	return int64(float64(n-1) * float64(f))
}

// ── Mock 推送 ──

type recordingTransport struct {
	mu     sync.Mutex
	sent   []string
	errFor map[string]error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{errFor: make(map[string]error)}
}

func (t *recordingTransport) Initialize(_ context.Context) error { return nil }

func (t *recordingTransport) Send(_ context.Context, token string, _ push.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.errFor[token]; ok {
		return err
	}
	t.sent = append(t.sent, token)
	return nil
}

func (t *recordingTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// memDeduper 内存版 SetNX
type memDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDeduper) MarkOnce(_ context.Context, key string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = make(map[string]bool)
	}
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}
