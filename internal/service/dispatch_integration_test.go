//go:build integration

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"psicouja/backend/internal/model"
	"psicouja/backend/internal/repository"
)

// ═══════════════════════════════════════════════════════════
// 派发循环 × 真实事务（SQLite）
// ═══════════════════════════════════════════════════════════

var dispatchDBSeq atomic.Int64

// openDispatchDB 每个测试独占一个内存库，回调注册互不影响
func openDispatchDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:dispatch_%d?mode=memory&cache=shared", dispatchDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("无法打开测试数据库: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("获取 sql.DB 失败: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(
		&model.Patient{},
		&model.Questionnaire{},
		&model.DeviceToken{},
		&model.Assignment{},
		&model.Completion{},
		&model.AuditLog{},
	); err != nil {
		t.Fatalf("AutoMigrate 失败: %v", err)
	}
	return db
}

type dispatchRows struct {
	assignment *model.Assignment
	stale      *model.Completion // 一天前已 sent，未作答
	due        *model.Completion // 一分钟前到期的 pending
}

// seedDispatchRows 同一分配下一条陈旧 sent 与一条到期 pending；
// 激活 due 会软删除 stale 并把 next_scheduled_at 改写到 due
func seedDispatchRows(t *testing.T, db *gorm.DB, repo *repository.Repository) dispatchRows {
	t.Helper()
	ctx := context.Background()

	patient := &model.Patient{PatientCode: "P-0001", Name: "Ana"}
	if err := db.Create(patient).Error; err != nil {
		t.Fatalf("创建患者失败: %v", err)
	}
	q := &model.Questionnaire{Title: "PHQ-9"}
	if err := db.Create(q).Error; err != nil {
		t.Fatalf("创建问卷失败: %v", err)
	}

	staleAt := tickNow.Add(-24 * time.Hour)
	a := &model.Assignment{
		PatientID:       patient.PatientID,
		QuestionnaireID: q.QuestionnaireID,
		Status:          model.AssignmentActive,
		AssignedAt:      staleAt,
		StartDate:       staleAt,
		FrequencyType:   model.FrequencyDaily,
		FrequencyCount:  1,
		WindowStart:     "09:00",
		WindowEnd:       "21:00",
		NextScheduledAt: &staleAt,
	}
	if err := repo.Assignment.Create(ctx, a); err != nil {
		t.Fatalf("创建分配失败: %v", err)
	}

	rows := []model.Completion{
		{AssignmentID: a.AssignmentID, PatientID: patient.PatientID, QuestionnaireID: q.QuestionnaireID, ScheduledAt: staleAt, Status: model.CompletionSent},
		{AssignmentID: a.AssignmentID, PatientID: patient.PatientID, QuestionnaireID: q.QuestionnaireID, ScheduledAt: tickNow.Add(-time.Minute), Status: model.CompletionPending},
	}
	if err := repo.Completion.BatchCreate(ctx, rows); err != nil {
		t.Fatalf("创建投递记录失败: %v", err)
	}
	return dispatchRows{assignment: a, stale: &rows[0], due: &rows[1]}
}

func newDispatchServiceOn(repo *repository.Repository) *dispatchService {
	svc := NewDispatchService(repo, nil, nil, nil, 50, zap.NewNop()).(*dispatchService)
	svc.now = func() time.Time { return tickNow }
	return svc
}

// loadCompletion 绕过软删除作用域读取当前落库状态
func loadCompletion(t *testing.T, db *gorm.DB, id string) model.Completion {
	t.Helper()
	var c model.Completion
	if err := db.Unscoped().Where("completion_id = ?", id).First(&c).Error; err != nil {
		t.Fatalf("读取投递记录 %s 失败: %v", id, err)
	}
	return c
}

// ── 部分状态不落库 ──

func TestDispatchTx_LaterStepFailureRollsBackTransition(t *testing.T) {
	injected := errors.New("injected failure")

	cases := []struct {
		name   string
		stage  string
		hookOn func(db *gorm.DB) error
	}{
		{
			name:  "查询陈旧记录失败",
			stage: "stale_lookup",
			hookOn: func(db *gorm.DB) error {
				return db.Callback().Query().After("gorm:query").Register("test:fail_stale_lookup", func(tx *gorm.DB) {
					if strings.Contains(tx.Statement.SQL.String(), "completion_id <>") {
						tx.AddError(injected)
					}
				})
			},
		},
		{
			name:  "回写 next_scheduled_at 失败",
			stage: "assignment_update",
			hookOn: func(db *gorm.DB) error {
				return db.Callback().Update().Before("gorm:update").Register("test:fail_assignment_update", func(tx *gorm.DB) {
					if tx.Statement.Table == "assignments" {
						tx.AddError(injected)
					}
				})
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := openDispatchDB(t)
			repo := repository.NewRepository(db)
			rows := seedDispatchRows(t, db, repo)
			if err := tc.hookOn(db); err != nil {
				t.Fatalf("注册回调失败: %v", err)
			}

			res, err := newDispatchServiceOn(repo).RunTick(context.Background())
			if err != nil {
				t.Fatalf("RunTick 失败: %v", err)
			}
			if res.Failed != 1 || res.Sent != 0 {
				t.Fatalf("期望 failed=1 sent=0，实际 failed=%d sent=%d", res.Failed, res.Sent)
			}

			due := loadCompletion(t, db, rows.due.CompletionID)
			if due.Status != model.CompletionPending {
				t.Errorf("%s: 到期记录应回滚为 pending，实际 %s", tc.stage, due.Status)
			}
			stale := loadCompletion(t, db, rows.stale.CompletionID)
			if stale.DeletedAt.Valid {
				t.Errorf("%s: 陈旧记录不应被软删除", tc.stage)
			}

			var a model.Assignment
			if err := db.Where("assignment_id = ?", rows.assignment.AssignmentID).First(&a).Error; err != nil {
				t.Fatalf("读取分配失败: %v", err)
			}
			if a.NextScheduledAt == nil || !a.NextScheduledAt.Equal(*rows.assignment.NextScheduledAt) {
				t.Errorf("%s: next_scheduled_at 不应变化，实际 %v", tc.stage, a.NextScheduledAt)
			}
		})
	}
}

func TestDispatchTx_SuccessCommitsAllSteps(t *testing.T) {
	db := openDispatchDB(t)
	repo := repository.NewRepository(db)
	rows := seedDispatchRows(t, db, repo)

	res, err := newDispatchServiceOn(repo).RunTick(context.Background())
	if err != nil {
		t.Fatalf("RunTick 失败: %v", err)
	}
	if res.Sent != 1 || res.CleanedCompletions != 1 {
		t.Fatalf("期望 sent=1 cleaned=1，实际 sent=%d cleaned=%d", res.Sent, res.CleanedCompletions)
	}

	if due := loadCompletion(t, db, rows.due.CompletionID); due.Status != model.CompletionSent {
		t.Errorf("到期记录应为 sent，实际 %s", due.Status)
	}
	if stale := loadCompletion(t, db, rows.stale.CompletionID); !stale.DeletedAt.Valid {
		t.Error("陈旧记录应被软删除")
	}
}

// ── 关停信号到达时当前条目完整提交 ──

func TestDispatchTx_CancelAfterTransitionStillCommits(t *testing.T) {
	db := openDispatchDB(t)
	repo := repository.NewRepository(db)
	rows := seedDispatchRows(t, db, repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// pending → sent 的 UPDATE 执行完毕后立即取消 tick 上下文
	var once sync.Once
	err := db.Callback().Update().After("gorm:update").Register("test:cancel_after_transition", func(tx *gorm.DB) {
		if tx.Statement.Table == "questionnaire_completions" {
			once.Do(cancel)
		}
	})
	if err != nil {
		t.Fatalf("注册回调失败: %v", err)
	}

	res, err := newDispatchServiceOn(repo).RunTick(ctx)
	if err != nil {
		t.Fatalf("RunTick 失败: %v", err)
	}
	if res.Sent != 1 || res.Failed != 0 {
		t.Fatalf("期望 sent=1 failed=0，实际 sent=%d failed=%d", res.Sent, res.Failed)
	}

	if due := loadCompletion(t, db, rows.due.CompletionID); due.Status != model.CompletionSent {
		t.Errorf("进行中的条目应完整提交，实际 %s", due.Status)
	}
	if stale := loadCompletion(t, db, rows.stale.CompletionID); !stale.DeletedAt.Valid {
		t.Error("同一事务内的清理也应提交")
	}
}
