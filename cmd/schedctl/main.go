// schedctl 周期问卷排程运维工具：迁移、手动派发、排程预览与调试令牌
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"psicouja/backend/config"
	"psicouja/backend/internal/repository"
	"psicouja/backend/internal/service"
	"psicouja/backend/pkg/database"
	applogger "psicouja/backend/pkg/logger"
	"psicouja/backend/pkg/push"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "schedctl",
	Short:         "周期问卷排程运维工具",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径（默认按 config.Load 规则查找）")
	rootCmd.AddCommand(migrateCmd, tickCmd, expireCmd, previewCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("错误:"), err)
		os.Exit(1)
	}
}

// ── 启动依赖 ──

type runtime struct {
	cfg    *config.Config
	logger *zap.Logger
	db     *gorm.DB
}

func (r *runtime) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		sqlDB.Close()
	}
	r.logger.Sync()
}

func bootstrap() (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	logger, err := applogger.NewLogger(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	db, err := database.NewDB(&cfg.Database, cfg.Log.Level, logger)
	if err != nil {
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger, db: db}, nil
}

// services 手动派发不做推送去重；推送初始化失败时仅记录日志
func (r *runtime) services(ctx context.Context) *service.Service {
	transport := push.New(&r.cfg.Push, r.logger)
	if err := transport.Initialize(ctx); err != nil {
		r.logger.Warn("推送初始化失败，降级为空实现", zap.Error(err))
		transport = push.NewNoopTransport(r.logger)
	}
	return service.NewService(r.cfg, repository.NewRepository(r.db), transport, nil, r.logger)
}
