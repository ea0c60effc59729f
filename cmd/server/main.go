package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"psicouja/backend/config"
	"psicouja/backend/internal/api/handler"
	"psicouja/backend/internal/api/router"
	"psicouja/backend/internal/repository"
	"psicouja/backend/internal/service"
	"psicouja/backend/internal/worker"
	"psicouja/backend/pkg/database"
	"psicouja/backend/pkg/jwt"
	applogger "psicouja/backend/pkg/logger"
	"psicouja/backend/pkg/push"
	"psicouja/backend/pkg/redis"
)

func main() {
	// 0. 本地开发时从 .env 注入环境变量（文件不存在时忽略）
	_ = godotenv.Load()

	// 1. 加载配置
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置校验失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.Int("port", cfg.Server.Port),
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("scheduler_enabled", cfg.Scheduler.Enabled),
	)

	// 3. 连接数据库
	db, err := database.NewDB(&cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		logger.Fatal("数据库连接失败", zap.Error(err))
	}
	logger.Info("数据库连接成功")

	// 3.1 执行数据库迁移
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("获取底层 sql.DB 失败", zap.Error(err))
	}
	if _, err := database.RunMigrations(sqlDB, logger); err != nil {
		logger.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 4. 连接 Redis（可选：未配置或连接失败时不做推送去重与限流）
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(&cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis 连接失败，推送去重与提交限流将不可用", zap.Error(err))
			rdb = nil
		}
	}
	var dedupe service.Deduper
	if rdb != nil {
		dedupe = rdb
	}

	// 5. 初始化推送传输层（失败时降级为仅记录日志）
	transport := push.New(&cfg.Push, logger)
	if err := transport.Initialize(context.Background()); err != nil {
		logger.Warn("推送初始化失败，降级为空实现", zap.Error(err))
		transport = push.NewNoopTransport(logger)
	}

	// 6. 依赖注入: Repository → Service → Handler
	repo := repository.NewRepository(db)
	svc := service.NewService(cfg, repo, transport, dedupe, logger)
	h := handler.NewHandler(svc)

	// 7. 初始化路由
	jwtMgr := jwt.NewManager(&cfg.Auth)
	engine := router.Setup(cfg, h, jwtMgr, rdb, db, logger)

	// 8. 启动派发循环
	var dispatcher *worker.Dispatcher
	if cfg.Scheduler.Enabled {
		dispatcher = worker.NewDispatcher(&cfg.Scheduler, svc.Dispatch, logger.Named("worker"))
		if err := dispatcher.Start(); err != nil {
			logger.Fatal("派发循环启动失败", zap.Error(err))
		}
	}

	// 9. 启动 HTTP 服务器（优雅关闭）
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("HTTP 服务器已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP 服务器异常", zap.Error(err))
		}
	}()

	// 10. 监听系统信号，优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("收到关闭信号，开始优雅关闭...", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	// 先停派发循环，再等待在途推送
	if dispatcher != nil {
		if err := dispatcher.Stop(ctx); err != nil {
			logger.Error("派发循环关闭超时", zap.Error(err))
		}
	}
	svc.Notifier.Wait()

	// 关闭数据库连接
	closeDB, _ := db.DB()
	if closeDB != nil {
		closeDB.Close()
	}

	// 关闭 Redis 连接
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("服务器已关闭")
}
