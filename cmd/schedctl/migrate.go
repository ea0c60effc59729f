package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"psicouja/backend/pkg/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "数据库迁移",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "执行全部未应用的迁移",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.Close()

		sqlDB, err := rt.db.DB()
		if err != nil {
			return err
		}
		version, err := database.RunMigrations(sqlDB, rt.logger)
		if err != nil {
			return err
		}
		fmt.Printf("%s 当前版本 %d\n", color.GreenString("✓ 迁移完成"), version)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "回退迁移",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		if steps <= 0 {
			return fmt.Errorf("--steps 必须大于 0")
		}

		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.Close()

		sqlDB, err := rt.db.DB()
		if err != nil {
			return err
		}
		if err := database.RollbackMigrations(sqlDB, steps, rt.logger); err != nil {
			return err
		}
		fmt.Printf("%s 回退 %d 步\n", color.YellowString("✓ 已回退"), steps)
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().Int("steps", 1, "回退的版本数")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
}
