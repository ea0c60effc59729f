package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"psicouja/backend/internal/model"
	"psicouja/backend/internal/repository"
)

// ── 导出模块业务错误 ──

var (
	ErrExportNoCompletions = errors.New("该患者暂无问卷记录")
	ErrExportGenerateFail  = errors.New("生成导出文件失败")
)

// exportMaxRows 单次导出上限
const exportMaxRows = 5000

// ExportService 导出业务接口
//
// 设计说明：
//   - 完成记录历史导出为 Excel (.xlsx)，一行一次投递
//   - 分配的未决投递导出为 iCalendar (.ics)，供患者订阅提醒
//   - 导出以 bytes.Buffer 返回，由 Handler 层设置 HTTP 响应头后写入 Response
type ExportService interface {
	// ExportCompletions 导出患者的问卷完成记录
	ExportCompletions(ctx context.Context, patientID string, actor model.Actor) (*bytes.Buffer, string, error)
	// AssignmentCalendar 导出分配的未决投递日历
	AssignmentCalendar(ctx context.Context, assignmentID string, actor model.Actor) (*bytes.Buffer, string, error)
}

type exportService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewExportService 创建 ExportService 实例
func NewExportService(repo *repository.Repository, logger *zap.Logger) ExportService {
	return &exportService{repo: repo, logger: logger}
}

// ═══════════════════════════════════════════════════════════
// ExportCompletions 导出完成记录为 Excel
// ═══════════════════════════════════════════════════════════
//
// 输出格式：
//   - Sheet "问卷记录"
//   - 表头：问卷 | 计划时间 | 状态 | 完成时间 | 是否延迟 | 已读
//   - 按 scheduled_at 倒序

func (s *exportService) ExportCompletions(ctx context.Context, patientID string, actor model.Actor) (*bytes.Buffer, string, error) {
	if err := authorizePatient(ctx, s.repo, s.logger, patientID, actor); err != nil {
		return nil, "", err
	}

	completions, _, err := s.repo.Completion.ListByPatient(ctx, patientID, 0, exportMaxRows)
	if err != nil {
		s.logger.Error("查询完成记录失败", zap.Error(err))
		return nil, "", err
	}
	if len(completions) == 0 {
		return nil, "", ErrExportNoCompletions
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "问卷记录"
	idx, _ := f.NewSheet(sheetName)
	f.SetActiveSheet(idx)
	// 删除默认 Sheet1
	f.DeleteSheet("Sheet1")

	headers := []string{"问卷", "计划时间", "状态", "完成时间", "是否延迟", "已读"}
	widths := []float64{32, 22, 12, 22, 10, 8}
	for i, w := range widths {
		col := colName(i)
		f.SetColWidth(sheetName, col, col, w)
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})

	for i, h := range headers {
		f.SetCellValue(sheetName, cell(colName(i), 1), h)
	}
	f.SetCellStyle(sheetName, "A1", cell(colName(len(headers)-1), 1), headerStyle)

	row := 2
	for _, c := range completions {
		title := c.QuestionnaireID
		if c.Questionnaire != nil {
			title = c.Questionnaire.Title
		}
		completedAt := "-"
		if c.CompletedAt != nil {
			completedAt = c.CompletedAt.UTC().Format("2006-01-02 15:04")
		}

		f.SetCellValue(sheetName, cell("A", row), title)
		f.SetCellValue(sheetName, cell("B", row), c.ScheduledAt.UTC().Format("2006-01-02 15:04"))
		f.SetCellValue(sheetName, cell("C", row), string(c.Status))
		f.SetCellValue(sheetName, cell("D", row), completedAt)
		f.SetCellValue(sheetName, cell("E", row), yesNo(c.IsDelayed))
		f.SetCellValue(sheetName, cell("F", row), yesNo(c.ReadByTherapist))
		row++
	}

	buf := new(bytes.Buffer)
	if err := f.Write(buf); err != nil {
		s.logger.Error("写入 Excel 失败", zap.Error(err))
		return nil, "", ErrExportGenerateFail
	}

	filename := fmt.Sprintf("问卷记录_%s.xlsx", patientID)
	return buf, filename, nil
}

// ═══════════════════════════════════════════════════════════
// AssignmentCalendar 导出未决投递为 iCalendar
// ═══════════════════════════════════════════════════════════
//
// 每条 pending/sent/missed 投递生成一个 VEVENT：
//   DTSTART = scheduled_at，DTEND = scheduled_at + 截止时长（截止为 0 时取 15 分钟）

func (s *exportService) AssignmentCalendar(ctx context.Context, assignmentID string, actor model.Actor) (*bytes.Buffer, string, error) {
	assignment, err := s.repo.Assignment.GetByID(ctx, assignmentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, "", ErrAssignmentNotFound
		}
		s.logger.Error("查询分配失败", zap.Error(err))
		return nil, "", err
	}
	if err := authorizePatient(ctx, s.repo, s.logger, assignment.PatientID, actor); err != nil {
		return nil, "", err
	}

	completions, err := s.repo.Completion.ListUnresolvedByAssignment(ctx, assignmentID)
	if err != nil {
		s.logger.Error("查询未决投递失败", zap.Error(err))
		return nil, "", err
	}

	title := questionnaireTitle(assignment)
	if title == "" {
		title = "Cuestionario"
	}
	span := assignment.Deadline()
	if span <= 0 {
		span = minCalendarSpan
	}

	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//psicouja//scheduler//ES")
	for _, c := range completions {
		event := cal.AddEvent(c.CompletionID + "@psicouja")
		event.SetDtStampTime(c.CreatedAt.UTC())
		event.SetStartAt(c.ScheduledAt.UTC())
		event.SetEndAt(c.ScheduledAt.Add(span).UTC())
		event.SetSummary(title)
		event.SetDescription(fmt.Sprintf("estado: %s", c.Status))
	}

	buf := bytes.NewBufferString(cal.Serialize())
	filename := fmt.Sprintf("assignment_%s.ics", assignmentID)
	return buf, filename, nil
}

// ── 辅助函数 ──

const minCalendarSpan = 15 * time.Minute

func yesNo(v bool) string {
	if v {
		return "是"
	}
	return "否"
}

func colName(idx int) string {
	name, _ := excelize.ColumnNumberToName(idx + 1)
	return name
}

func cell(col string, row int) string {
	return fmt.Sprintf("%s%d", col, row)
}
