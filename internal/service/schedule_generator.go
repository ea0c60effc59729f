package service

import (
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"psicouja/backend/internal/model"
)

// ── 排程生成器（纯函数，无副作用） ──

const (
	defaultWindowStart = 9 * time.Hour
	defaultWindowEnd   = 21 * time.Hour

	// 未设置 end_date 时的生成跨度
	defaultHorizonDays = 28

	// 旧版单次排程：最早发送时间的缓冲与最小可用窗口
	legacyBuffer       = 2 * time.Minute
	legacyMinAvailable = 5 * time.Minute
	legacySearchDays   = 8
)

// Rand 随机源接口，*rand.Rand 满足该接口；测试中注入固定实现
type Rand interface {
	Int63n(n int64) int64
}

// globalRand 使用 math/rand 的并发安全全局源
type globalRand struct{}

func (globalRand) Int63n(n int64) int64 { return rand.Int63n(n) }

// DefaultRand 生产环境随机源
var DefaultRand Rand = globalRand{}

// ScheduleParams 排程参数
type ScheduleParams struct {
	StartDate      time.Time
	EndDate        *time.Time
	FrequencyType  model.FrequencyType
	FrequencyCount int
	WindowStart    string
	WindowEnd      string
}

// ScheduleParamsOf 从分配提取排程参数
func ScheduleParamsOf(a *model.Assignment) ScheduleParams {
	return ScheduleParams{
		StartDate:      a.StartDate,
		EndDate:        a.EndDate,
		FrequencyType:  a.FrequencyType,
		FrequencyCount: a.FrequencyCount,
		WindowStart:    a.WindowStart,
		WindowEnd:      a.WindowEnd,
	}
}

// GenerateSchedule 按日期范围、频率与每日时间窗生成投递时刻
// 返回严格晚于 now 的时刻，升序；窗口退化时固定为 window_start，不报错
func GenerateSchedule(p ScheduleParams, now time.Time, rng Rand) []time.Time {
	if rng == nil {
		rng = DefaultRand
	}
	winStart, winEnd := parseWindow(p.WindowStart, p.WindowEnd)

	startDay := truncateDay(p.StartDate)
	endDay := startDay.AddDate(0, 0, defaultHorizonDays-1)
	if p.EndDate != nil {
		endDay = truncateDay(*p.EndDate)
	}
	if endDay.Before(startDay) {
		return nil
	}

	var days []time.Time
	switch p.FrequencyType {
	case model.FrequencyWeekly:
		days = weeklyDays(startDay, endDay, p.FrequencyCount)
	default:
		for d := startDay; !d.After(endDay); d = d.AddDate(0, 0, 1) {
			days = append(days, d)
		}
	}

	instants := make([]time.Time, 0, len(days))
	for _, day := range days {
		at := jitterInWindow(day, winStart, winEnd, rng)
		if !at.After(now) {
			continue
		}
		instants = append(instants, at)
	}

	sort.Slice(instants, func(i, j int) bool { return instants[i].Before(instants[j]) })
	return instants
}

// weeklyDays 第 i 次落在 start + floor(i*7/count) 天
// 总次数上限为 count × max(1, ceil(跨度/7天))
func weeklyDays(startDay, endDay time.Time, count int) []time.Time {
	if count < 1 {
		count = 1
	}
	spanDays := int(endDay.Sub(startDay).Hours() / 24)
	weeks := (spanDays + 6) / 7
	if weeks < 1 {
		weeks = 1
	}

	limit := count * weeks
	days := make([]time.Time, 0, limit)
	for i := 0; i < limit; i++ {
		day := startDay.AddDate(0, 0, i*7/count)
		if day.After(endDay) {
			break
		}
		days = append(days, day)
	}
	return days
}

// jitterInWindow 在 [start, end) 内均匀取一个秒级时刻
func jitterInWindow(day time.Time, winStart, winEnd time.Duration, rng Rand) time.Time {
	width := int64((winEnd - winStart) / time.Second)
	if width <= 0 {
		return day.Add(winStart)
	}
	return day.Add(winStart + time.Duration(rng.Int63n(width))*time.Second)
}

// NextLegacySlot 旧版单次排程：在未来 8 天内寻找第一个可用窗口并随机取点
// 最早时间取 max(窗口开始, now+2min, 上次发送+min_hours_between)，可用时长不足 5 分钟的窗口跳过
// 找不到时回退为 now+24h
func NextLegacySlot(windowStart, windowEnd string, minHoursBetween int, lastSentAt *time.Time, now time.Time, rng Rand) time.Time {
	if rng == nil {
		rng = DefaultRand
	}
	winStart, winEnd := parseWindow(windowStart, windowEnd)

	buffered := now.Add(legacyBuffer)
	earliestByGap := now
	if lastSentAt != nil {
		earliestByGap = lastSentAt.Add(time.Duration(minHoursBetween) * time.Hour)
	}

	today := truncateDay(now)
	for i := 0; i < legacySearchDays; i++ {
		day := today.AddDate(0, 0, i)
		searchStart := latest(day.Add(winStart), buffered, earliestByGap)
		windowClose := day.Add(winEnd)
		if !searchStart.Before(windowClose) {
			continue
		}
		avail := windowClose.Sub(searchStart)
		if avail <= legacyMinAvailable {
			continue
		}
		secs := int64(avail / time.Second)
		return searchStart.Add(time.Duration(rng.Int63n(secs+1)) * time.Second)
	}

	return now.Add(24 * time.Hour)
}

// ── 辅助函数 ──

// parseWindow 解析 HH:MM 时间窗；任一端非法时整体回退为 09:00-21:00
func parseWindow(start, end string) (time.Duration, time.Duration) {
	s, okStart := ParseClock(start)
	e, okEnd := ParseClock(end)
	if !okStart || !okEnd {
		return defaultWindowStart, defaultWindowEnd
	}
	return s, e
}

// ParseClock 将 "HH:MM" 解析为距零点的时长
func ParseClock(v string) (time.Duration, bool) {
	parts := strings.Split(strings.TrimSpace(v), ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, true
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func latest(ts ...time.Time) time.Time {
	out := ts[0]
	for _, t := range ts[1:] {
		if t.After(out) {
			out = t
		}
	}
	return out
}
