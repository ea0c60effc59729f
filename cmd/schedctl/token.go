package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"psicouja/backend/config"
	"psicouja/backend/internal/model"
	"psicouja/backend/pkg/jwt"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "签发调试用访问令牌",
	Long: `按配置中的密钥签发访问令牌，便于本地调试接口。

Examples:
  schedctl token --kind psychologist --id 7f1c7a34-... --name "Dra. Souza"
  schedctl token --kind patient --id 0b5c3c57-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		id, _ := cmd.Flags().GetString("id")
		name, _ := cmd.Flags().GetString("name")

		ak := model.ActorKind(kind)
		if ak != model.ActorPatient && ak != model.ActorPsychologist {
			return fmt.Errorf("--kind 只能是 patient 或 psychologist")
		}
		if id == "" {
			return fmt.Errorf("--id 不能为空")
		}

		// 仅需签名密钥，不连接数据库
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		token, err := jwt.NewManager(&cfg.Auth).GenerateAccessToken(kind, id, name)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("kind", string(model.ActorPsychologist), "patient | psychologist")
	tokenCmd.Flags().String("id", "", "操作者 ID")
	tokenCmd.Flags().String("name", "", "显示名称")
}
