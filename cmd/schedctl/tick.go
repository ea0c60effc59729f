package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"psicouja/backend/internal/dto"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "手动执行一次派发（pending → sent / paused，sent → missed）",
	Long: `手动执行一次与后台派发循环相同的逻辑。

状态更新使用条件更新，与正在运行的服务实例并发执行是安全的。

Examples:
  schedctl tick
  schedctl tick --timeout 2m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")

		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		svc := rt.services(ctx)
		res, err := svc.Dispatch.RunTick(ctx)
		if err != nil {
			return err
		}
		svc.Notifier.Wait()

		printTickResult(cmd.OutOrStdout(), res)
		return nil
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "将已过截止日期的 active 分配标记为 completed",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx := context.Background()
		n, err := rt.services(ctx).Dispatch.SweepExpired(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d 个分配\n", color.GreenString("✓ 已到期"), n)
		return nil
	},
}

func init() {
	tickCmd.Flags().Duration("timeout", time.Minute, "单次派发超时")
}

func printTickResult(w io.Writer, res *dto.TickResult) {
	fmt.Fprintf(w, "派发完成 %s\n", res.StartedAt)
	fmt.Fprintf(w, "  sent:    %s\n", color.GreenString("%d", res.Sent))
	fmt.Fprintf(w, "  paused:  %d\n", res.Paused)
	fmt.Fprintf(w, "  missed:  %s\n", color.YellowString("%d", res.Missed))
	fmt.Fprintf(w, "  skipped: %d\n", res.Skipped)
	if res.Failed > 0 {
		fmt.Fprintf(w, "  failed:  %s\n", color.RedString("%d", res.Failed))
	}
	fmt.Fprintf(w, "  notify:  %d\n", res.NotifyQueued)
	fmt.Fprintf(w, "  cleaned: %d 条记录 / %d 个分配\n", res.CleanedCompletions, res.CleanedAssignments)
	if res.Interrupted {
		fmt.Fprintln(w, color.YellowString("  已中断，剩余记录将在下个周期处理"))
	}
}
