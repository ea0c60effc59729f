package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"psicouja/backend/internal/api/middleware"
	"psicouja/backend/internal/dto"
	"psicouja/backend/internal/model"
	"psicouja/backend/internal/service"
	"psicouja/backend/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
	// 生产环境由 router.RegisterValidators 注册
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("hhmm", func(fl validator.FieldLevel) bool {
			_, ok := service.ParseClock(fl.Field().String())
			return ok
		})
	}
}

// ═══════════════════════════════════════════════════════════
// Mock Services
// ═══════════════════════════════════════════════════════════

// ── Mock AssignmentService ──

type mockAssignmentService struct {
	createResult  *dto.AssignmentResponse
	createErr     error
	getResult     *dto.AssignmentResponse
	getErr        error
	listResult    []dto.AssignmentResponse
	listErr       error
	statusResult  *dto.AssignmentResponse
	statusErr     error
	scheduleErr   error
	deleteErr     error
	submitResult  *dto.AssignmentResponse
	submitErr     error
	pendingResult []dto.CompletionResponse
	pendingErr    error

	lastActor model.Actor
	lastID    string
}

func (m *mockAssignmentService) Create(_ context.Context, _ *dto.CreateAssignmentRequest, actor model.Actor) (*dto.AssignmentResponse, error) {
	m.lastActor = actor
	return m.createResult, m.createErr
}
func (m *mockAssignmentService) GetByID(_ context.Context, id string, actor model.Actor) (*dto.AssignmentResponse, error) {
	m.lastID, m.lastActor = id, actor
	return m.getResult, m.getErr
}
func (m *mockAssignmentService) ListByPatient(_ context.Context, id string, actor model.Actor) ([]dto.AssignmentResponse, error) {
	m.lastID, m.lastActor = id, actor
	return m.listResult, m.listErr
}
func (m *mockAssignmentService) UpdateStatus(_ context.Context, id string, _ *dto.UpdateAssignmentStatusRequest, actor model.Actor) (*dto.AssignmentResponse, error) {
	m.lastID, m.lastActor = id, actor
	return m.statusResult, m.statusErr
}
func (m *mockAssignmentService) UpdateSchedule(_ context.Context, id string, _ *dto.UpdateAssignmentScheduleRequest, actor model.Actor) (*dto.AssignmentResponse, error) {
	m.lastID, m.lastActor = id, actor
	return &dto.AssignmentResponse{ID: id}, m.scheduleErr
}
func (m *mockAssignmentService) Delete(_ context.Context, id string, actor model.Actor) error {
	m.lastID, m.lastActor = id, actor
	return m.deleteErr
}
func (m *mockAssignmentService) Submit(_ context.Context, id string, _ *dto.SubmitAnswersRequest, actor model.Actor) (*dto.AssignmentResponse, error) {
	m.lastID, m.lastActor = id, actor
	return m.submitResult, m.submitErr
}
func (m *mockAssignmentService) ListPendingForPatient(_ context.Context, actor model.Actor) ([]dto.CompletionResponse, error) {
	m.lastActor = actor
	return m.pendingResult, m.pendingErr
}

// ── Mock CompletionService ──

type mockCompletionService struct {
	listResult []dto.CompletionResponse
	listTotal  int64
	listErr    error
	readErr    error
}

func (m *mockCompletionService) ListByPatient(_ context.Context, _ string, _ *dto.CompletionListRequest, _ model.Actor) ([]dto.CompletionResponse, int64, error) {
	return m.listResult, m.listTotal, m.listErr
}
func (m *mockCompletionService) MarkRead(_ context.Context, _ string, _ model.Actor) error {
	return m.readErr
}

// ── Mock ExportService ──

type mockExportService struct {
	buf      *bytes.Buffer
	filename string
	err      error
}

func (m *mockExportService) ExportCompletions(_ context.Context, _ string, _ model.Actor) (*bytes.Buffer, string, error) {
	return m.buf, m.filename, m.err
}
func (m *mockExportService) AssignmentCalendar(_ context.Context, _ string, _ model.Actor) (*bytes.Buffer, string, error) {
	return m.buf, m.filename, m.err
}

// ═══════════════════════════════════════════════════════════
// Test Helpers
// ═══════════════════════════════════════════════════════════

func withActor(kind model.ActorKind, id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ActorKindKey, kind)
		c.Set(middleware.ActorIDKey, id)
		c.Set(middleware.ActorNameKey, "test")
		c.Next()
	}
}

func asPsychologist() gin.HandlerFunc { return withActor(model.ActorPsychologist, "psy-1") }
func asPatient() gin.HandlerFunc      { return withActor(model.ActorPatient, "pat-1") }

func jsonBody(v interface{}) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func parseResponse(w *httptest.ResponseRecorder) response.Response {
	var resp response.Response
	json.Unmarshal(w.Body.Bytes(), &resp)
	return resp
}

func serve(r *gin.Engine, method, path string, body io.Reader) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	r.ServeHTTP(w, req)
	return w
}

func validCreateRequest() dto.CreateAssignmentRequest {
	return dto.CreateAssignmentRequest{
		PatientID:       "7f1c7a34-5b8e-4c44-9a0c-6f2f0d7a1b11",
		QuestionnaireID: "0b5c3c57-2d5f-4c3e-8f6a-2e4b1d9c7a22",
		ScheduleRequest: dto.ScheduleRequest{
			StartDate:     "2024-06-04",
			FrequencyType: "daily",
			WindowStart:   "09:00",
			WindowEnd:     "21:00",
		},
	}
}

// ═══════════════════════════════════════════════════════════
// MustGetActor Tests
// ═══════════════════════════════════════════════════════════

func TestMustGetActor_Missing(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	_, ok := MustGetActor(c)
	if ok {
		t.Fatal("expected ok=false without actor")
	}
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestMustGetActor_Present(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Set(middleware.ActorKindKey, model.ActorPatient)
	c.Set(middleware.ActorIDKey, "pat-1")

	actor, ok := MustGetActor(c)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if actor.Kind != model.ActorPatient || actor.ID != "pat-1" {
		t.Errorf("unexpected actor %+v", actor)
	}
}

// ═══════════════════════════════════════════════════════════
// AssignmentHandler Tests
// ═══════════════════════════════════════════════════════════

func TestAssignmentHandler_Create_Success(t *testing.T) {
	mock := &mockAssignmentService{createResult: &dto.AssignmentResponse{ID: "a-1", ScheduledCount: 7}}
	h := NewAssignmentHandler(mock)

	r := gin.New()
	r.POST("/assignments", asPsychologist(), h.CreateAssignment)
	w := serve(r, http.MethodPost, "/assignments", jsonBody(validCreateRequest()))

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if mock.lastActor.ID != "psy-1" {
		t.Errorf("expected actor psy-1, got %s", mock.lastActor.ID)
	}
}

func TestAssignmentHandler_Create_BadJSON(t *testing.T) {
	h := NewAssignmentHandler(&mockAssignmentService{})

	r := gin.New()
	r.POST("/assignments", asPsychologist(), h.CreateAssignment)
	w := serve(r, http.MethodPost, "/assignments", bytes.NewReader([]byte("invalid json")))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if resp := parseResponse(w); resp.Code != 20001 {
		t.Errorf("expected code 20001, got %d", resp.Code)
	}
}

func TestAssignmentHandler_Create_ErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   int
	}{
		{service.ErrPatientNotFound, http.StatusNotFound, 20102},
		{service.ErrQuestionnaireNotFound, http.StatusNotFound, 20103},
		{fmt.Errorf("%w: window_start 必须早于 window_end", service.ErrInvalidSchedule), http.StatusBadRequest, 20002},
		{service.ErrPatientAccessDenied, http.StatusForbidden, 20201},
		{errors.New("db down"), http.StatusInternalServerError, 50000},
	}

	for _, tc := range cases {
		h := NewAssignmentHandler(&mockAssignmentService{createErr: tc.err})
		r := gin.New()
		r.POST("/assignments", asPsychologist(), h.CreateAssignment)
		w := serve(r, http.MethodPost, "/assignments", jsonBody(validCreateRequest()))

		if w.Code != tc.wantStatus {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.wantStatus, w.Code)
		}
		if resp := parseResponse(w); resp.Code != tc.wantCode {
			t.Errorf("%v: expected code %d, got %d", tc.err, tc.wantCode, resp.Code)
		}
	}
}

func TestAssignmentHandler_Get_PassesID(t *testing.T) {
	mock := &mockAssignmentService{getResult: &dto.AssignmentResponse{ID: "a-9"}}
	h := NewAssignmentHandler(mock)

	r := gin.New()
	r.GET("/assignments/:id", asPsychologist(), h.GetAssignment)
	w := serve(r, http.MethodGet, "/assignments/a-9", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if mock.lastID != "a-9" {
		t.Errorf("expected id a-9, got %s", mock.lastID)
	}
}

func TestAssignmentHandler_UpdateStatus_InvalidStatus(t *testing.T) {
	h := NewAssignmentHandler(&mockAssignmentService{})

	r := gin.New()
	r.PATCH("/assignments/:id/status", asPsychologist(), h.UpdateStatus)
	w := serve(r, http.MethodPatch, "/assignments/a-1/status", jsonBody(map[string]string{"status": "archived"}))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAssignmentHandler_UpdateStatus_Conflict(t *testing.T) {
	h := NewAssignmentHandler(&mockAssignmentService{statusErr: service.ErrAssignmentConflict})

	r := gin.New()
	r.PATCH("/assignments/:id/status", asPsychologist(), h.UpdateStatus)
	w := serve(r, http.MethodPatch, "/assignments/a-1/status", jsonBody(map[string]string{"status": "paused"}))

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

func TestAssignmentHandler_Delete_NotFound(t *testing.T) {
	h := NewAssignmentHandler(&mockAssignmentService{deleteErr: service.ErrAssignmentNotFound})

	r := gin.New()
	r.DELETE("/assignments/:id", asPsychologist(), h.DeleteAssignment)
	w := serve(r, http.MethodDelete, "/assignments/a-1", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if resp := parseResponse(w); resp.Code != 20101 {
		t.Errorf("expected code 20101, got %d", resp.Code)
	}
}

func TestAssignmentHandler_Submit_Success(t *testing.T) {
	mock := &mockAssignmentService{submitResult: &dto.AssignmentResponse{ID: "a-1", Status: "active"}}
	h := NewAssignmentHandler(mock)

	r := gin.New()
	r.POST("/assignments/:id/submit", asPatient(), h.SubmitAnswers)
	w := serve(r, http.MethodPost, "/assignments/a-1/submit", bytes.NewReader([]byte(`{"answers":{"q1":2}}`)))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if mock.lastActor.Kind != model.ActorPatient {
		t.Errorf("expected patient actor, got %s", mock.lastActor.Kind)
	}
}

func TestAssignmentHandler_Submit_MissingAnswers(t *testing.T) {
	h := NewAssignmentHandler(&mockAssignmentService{})

	r := gin.New()
	r.POST("/assignments/:id/submit", asPatient(), h.SubmitAnswers)
	w := serve(r, http.MethodPost, "/assignments/a-1/submit", bytes.NewReader([]byte(`{}`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAssignmentHandler_Submit_ConflictAndForbidden(t *testing.T) {
	cases := map[error]int{
		service.ErrSubmissionConflict:  http.StatusConflict,
		service.ErrAssignmentForbidden: http.StatusForbidden,
	}
	for err, want := range cases {
		h := NewAssignmentHandler(&mockAssignmentService{submitErr: err})
		r := gin.New()
		r.POST("/assignments/:id/submit", asPatient(), h.SubmitAnswers)
		w := serve(r, http.MethodPost, "/assignments/a-1/submit", bytes.NewReader([]byte(`{"answers":[1,2]}`)))

		if w.Code != want {
			t.Errorf("%v: expected %d, got %d", err, want, w.Code)
		}
	}
}

func TestAssignmentHandler_Submit_BodyTooLarge(t *testing.T) {
	h := NewAssignmentHandler(&mockAssignmentService{})

	r := gin.New()
	r.Use(middleware.BodyLimit(16))
	r.POST("/assignments/:id/submit", asPatient(), h.SubmitAnswers)
	w := serve(r, http.MethodPost, "/assignments/a-1/submit", bytes.NewReader([]byte(`{"answers":{"q1":"una respuesta larga"}}`)))

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}

func TestAssignmentHandler_ListMyPending(t *testing.T) {
	mock := &mockAssignmentService{pendingResult: []dto.CompletionResponse{{ID: "c-1", Status: "sent"}}}
	h := NewAssignmentHandler(mock)

	r := gin.New()
	r.GET("/me/pending", asPatient(), h.ListMyPending)
	w := serve(r, http.MethodGet, "/me/pending", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Data struct {
			List []dto.CompletionResponse `json:"list"`
		} `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if len(body.Data.List) != 1 || body.Data.List[0].ID != "c-1" {
		t.Errorf("unexpected list: %s", w.Body.String())
	}
}

func TestAssignmentHandler_Unauthenticated(t *testing.T) {
	h := NewAssignmentHandler(&mockAssignmentService{})

	r := gin.New()
	r.GET("/me/pending", h.ListMyPending)
	w := serve(r, http.MethodGet, "/me/pending", nil)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

// ═══════════════════════════════════════════════════════════
// CompletionHandler Tests
// ═══════════════════════════════════════════════════════════

func TestCompletionHandler_List_Paginates(t *testing.T) {
	mock := &mockCompletionService{
		listResult: []dto.CompletionResponse{{ID: "c-1"}, {ID: "c-2"}},
		listTotal:  5,
	}
	h := NewCompletionHandler(mock)

	r := gin.New()
	r.GET("/patients/:id/completions", asPsychologist(), h.ListPatientCompletions)
	w := serve(r, http.MethodGet, "/patients/pat-1/completions?page=1&page_size=2", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Data response.PageData `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body.Data.Pagination.TotalPages != 3 {
		t.Errorf("expected 3 pages, got %d", body.Data.Pagination.TotalPages)
	}
}

func TestCompletionHandler_MarkRead_Errors(t *testing.T) {
	cases := map[error]int{
		service.ErrCompletionNotFound:  http.StatusNotFound,
		service.ErrPatientAccessDenied: http.StatusForbidden,
	}
	for err, want := range cases {
		h := NewCompletionHandler(&mockCompletionService{readErr: err})
		r := gin.New()
		r.PUT("/completions/:id/read", asPsychologist(), h.MarkRead)
		w := serve(r, http.MethodPut, "/completions/c-1/read", nil)

		if w.Code != want {
			t.Errorf("%v: expected %d, got %d", err, want, w.Code)
		}
	}
}

// ═══════════════════════════════════════════════════════════
// ExportHandler Tests
// ═══════════════════════════════════════════════════════════

func TestExportHandler_ExportCompletions_Success(t *testing.T) {
	mock := &mockExportService{buf: bytes.NewBufferString("xlsx-bytes"), filename: "问卷记录_pat-1.xlsx"}
	h := NewExportHandler(mock)

	r := gin.New()
	r.GET("/patients/:id/completions/export", asPsychologist(), h.ExportCompletions)
	w := serve(r, http.MethodGet, "/patients/pat-1/completions/export", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != contentTypeXLSX {
		t.Errorf("unexpected content type %s", ct)
	}
	if w.Body.String() != "xlsx-bytes" {
		t.Errorf("unexpected body %q", w.Body.String())
	}
}

func TestExportHandler_ExportCompletions_Empty(t *testing.T) {
	h := NewExportHandler(&mockExportService{err: service.ErrExportNoCompletions})

	r := gin.New()
	r.GET("/patients/:id/completions/export", asPsychologist(), h.ExportCompletions)
	w := serve(r, http.MethodGet, "/patients/pat-1/completions/export", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if resp := parseResponse(w); resp.Code != 22101 {
		t.Errorf("expected code 22101, got %d", resp.Code)
	}
}

func TestExportHandler_AssignmentCalendar(t *testing.T) {
	mock := &mockExportService{buf: bytes.NewBufferString("BEGIN:VCALENDAR\r\nEND:VCALENDAR\r\n"), filename: "assignment_a-1.ics"}
	h := NewExportHandler(mock)

	r := gin.New()
	r.GET("/assignments/:id/calendar.ics", asPatient(), h.AssignmentCalendar)
	w := serve(r, http.MethodGet, "/assignments/a-1/calendar.ics", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != contentTypeICS {
		t.Errorf("unexpected content type %s", ct)
	}
}
