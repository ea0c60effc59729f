package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"psicouja/backend/internal/dto"
	"psicouja/backend/internal/model"
	"psicouja/backend/internal/service"
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "预览排程生成结果（不写库）",
	Long: `按给定参数运行排程生成器并打印结果，用于核对时间窗与每周间隔。

Examples:
  schedctl preview --start 2024-01-01 --end 2024-01-08 --frequency weekly --count 2
  schedctl preview --start 2024-03-01 --window 08:30-10:00`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := previewParams(cmd)
		if err != nil {
			return err
		}
		instants := service.GenerateSchedule(p, time.Now().UTC(), nil)
		printSchedule(cmd.OutOrStdout(), instants)
		return nil
	},
}

func init() {
	registerPreviewFlags(previewCmd)
}

func registerPreviewFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("start", time.Now().UTC().Format(dto.DateLayout), "开始日期 YYYY-MM-DD")
	f.String("end", "", "截止日期 YYYY-MM-DD（为空时预览默认跨度）")
	f.String("frequency", string(model.FrequencyDaily), "daily | weekly")
	f.Int("count", 1, "每周次数（weekly）")
	f.String("window-start", "09:00", "时间窗起点 HH:MM")
	f.String("window-end", "21:00", "时间窗终点 HH:MM")
}

func previewParams(cmd *cobra.Command) (service.ScheduleParams, error) {
	startStr, _ := cmd.Flags().GetString("start")
	endStr, _ := cmd.Flags().GetString("end")
	freq, _ := cmd.Flags().GetString("frequency")
	count, _ := cmd.Flags().GetInt("count")
	winStart, _ := cmd.Flags().GetString("window-start")
	winEnd, _ := cmd.Flags().GetString("window-end")

	start, err := time.Parse(dto.DateLayout, startStr)
	if err != nil {
		return service.ScheduleParams{}, fmt.Errorf("--start 格式错误: %w", err)
	}
	p := service.ScheduleParams{
		StartDate:      start,
		FrequencyType:  model.FrequencyType(freq),
		FrequencyCount: count,
		WindowStart:    winStart,
		WindowEnd:      winEnd,
	}
	if endStr != "" {
		end, err := time.Parse(dto.DateLayout, endStr)
		if err != nil {
			return service.ScheduleParams{}, fmt.Errorf("--end 格式错误: %w", err)
		}
		p.EndDate = &end
	}

	if p.FrequencyType != model.FrequencyDaily && p.FrequencyType != model.FrequencyWeekly {
		return service.ScheduleParams{}, fmt.Errorf("--frequency 只能是 daily 或 weekly")
	}
	if _, ok := service.ParseClock(winStart); !ok {
		return service.ScheduleParams{}, fmt.Errorf("--window-start 必须为 HH:MM")
	}
	if _, ok := service.ParseClock(winEnd); !ok {
		return service.ScheduleParams{}, fmt.Errorf("--window-end 必须为 HH:MM")
	}
	return p, nil
}

func printSchedule(w io.Writer, instants []time.Time) {
	if len(instants) == 0 {
		fmt.Fprintln(w, color.YellowString("无可生成的排程（区间已过或参数无效）"))
		return
	}
	for i, at := range instants {
		fmt.Fprintf(w, "%3d  %s  %s\n", i+1, at.Format(time.RFC3339), at.Weekday())
	}
	fmt.Fprintf(w, "%s 共 %d 次\n", color.GreenString("✓"), len(instants))
}
