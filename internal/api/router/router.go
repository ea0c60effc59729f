package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"psicouja/backend/config"
	"psicouja/backend/internal/api/handler"
	"psicouja/backend/internal/api/middleware"
	"psicouja/backend/internal/model"
	"psicouja/backend/pkg/jwt"
	"psicouja/backend/pkg/redis"
)

// Setup 初始化并返回 Gin 路由引擎
// rdb 为 nil 时提交限流降级为放行；db 为 nil 时健康检查不探测数据库
func Setup(cfg *config.Config, h *handler.Handler, jwtMgr *jwt.Manager, rdb *redis.Client, db *gorm.DB, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if err := RegisterValidators(); err != nil {
		logger.Warn("注册自定义校验器失败", zap.Error(err))
	}

	r := gin.New()

	// ── 全局中间件 ──
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.Server.CORS.AllowOrigins))
	r.Use(middleware.BodyLimit(cfg.Server.MaxBodyBytes))
	r.Use(middleware.AuditContext())

	// ── 健康检查 ──
	r.GET("/health", healthHandler(db))

	psychologist := middleware.RequireActor(model.ActorPsychologist)
	patient := middleware.RequireActor(model.ActorPatient)

	// ── API v1 ──
	v1 := r.Group("/api/v1")
	v1.Use(middleware.JWTAuth(jwtMgr))
	{
		// 分配模块
		assignments := v1.Group("/assignments")
		{
			assignments.POST("", psychologist, h.Assignment.CreateAssignment)
			assignments.GET("/:id", psychologist, h.Assignment.GetAssignment)
			assignments.PATCH("/:id/status", psychologist, h.Assignment.UpdateStatus)
			assignments.PUT("/:id/schedule", psychologist, h.Assignment.UpdateSchedule)
			assignments.DELETE("/:id", psychologist, h.Assignment.DeleteAssignment)
			assignments.POST("/:id/submit", patient,
				middleware.RateLimit(rdb, cfg.Server.SubmitRateLimit, cfg.Server.SubmitRateWindow),
				h.Assignment.SubmitAnswers)
			// 患者与心理师均可订阅（Service 层鉴权）
			assignments.GET("/:id/calendar.ics", h.Export.AssignmentCalendar)
		}

		// 患者维度（心理师视角）
		patients := v1.Group("/patients", psychologist)
		{
			patients.GET("/:id/assignments", h.Assignment.ListPatientAssignments)
			patients.GET("/:id/completions", h.Completion.ListPatientCompletions)
			patients.GET("/:id/completions/export", h.Export.ExportCompletions)
		}

		// 完成记录
		v1.PUT("/completions/:id/read", psychologist, h.Completion.MarkRead)

		// 患者本人
		v1.GET("/me/pending", patient, h.Assignment.ListMyPending)
	}

	return r
}

func healthHandler(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(ctx)
			}
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
