package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"psicouja/backend/config"
	"psicouja/backend/internal/service"
)

// Dispatcher 后台派发循环
//
// 两个 cron 任务：
//   - 每 poll_interval 执行一次 RunTick（pending → sent/paused，sent → missed）
//   - 按 expiry_schedule 执行一次到期扫描
//
// 同一时刻最多一个 tick 在执行：cron 侧用 SkipIfStillRunning，
// 启动时的立即执行与 cron 之间用互斥锁 TryLock 保证不重叠。
type Dispatcher struct {
	dispatch service.DispatchService
	interval time.Duration
	expiry   string
	logger   *zap.Logger

	cron   *cron.Cron
	tickMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher 创建派发循环（未启动）
func NewDispatcher(cfg *config.SchedulerConfig, dispatch service.DispatchService, logger *zap.Logger) *Dispatcher {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	expiry := cfg.ExpirySchedule
	if expiry == "" {
		expiry = "@hourly"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		dispatch: dispatch,
		interval: interval,
		expiry:   expiry,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 注册任务并启动；启动后立即执行一次 tick
func (d *Dispatcher) Start() error {
	cl := cronLogger{l: d.logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", d.interval), d.Tick); err != nil {
		return fmt.Errorf("注册派发任务失败: %w", err)
	}
	if _, err := c.AddFunc(d.expiry, d.Sweep); err != nil {
		return fmt.Errorf("注册到期扫描任务失败: %w", err)
	}
	d.cron = c

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Tick()
	}()

	c.Start()
	d.logger.Info("派发循环已启动",
		zap.Duration("interval", d.interval),
		zap.String("expiry_schedule", d.expiry),
	)
	return nil
}

// Tick 执行一次派发；上一次尚未结束时直接跳过
func (d *Dispatcher) Tick() {
	if !d.tickMu.TryLock() {
		d.logger.Debug("上一次派发仍在执行，跳过本次")
		return
	}
	defer d.tickMu.Unlock()

	start := time.Now()
	res, err := d.dispatch.RunTick(d.ctx)
	if err != nil {
		d.logger.Error("派发循环执行失败", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.Int("sent", res.Sent),
		zap.Int("paused", res.Paused),
		zap.Int("missed", res.Missed),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Int("notify_queued", res.NotifyQueued),
		zap.Int("cleaned_completions", res.CleanedCompletions),
		zap.Int("cleaned_assignments", res.CleanedAssignments),
		zap.Duration("elapsed", time.Since(start)),
	}
	if res.Interrupted {
		d.logger.Warn("派发循环被中断", fields...)
		return
	}
	if res.Changed() || res.Failed > 0 {
		d.logger.Info("派发循环完成", fields...)
		return
	}
	d.logger.Debug("派发循环完成", fields...)
}

// Sweep 执行一次到期扫描
func (d *Dispatcher) Sweep() {
	n, err := d.dispatch.SweepExpired(d.ctx)
	if err != nil {
		d.logger.Error("到期扫描失败", zap.Error(err))
		return
	}
	if n > 0 {
		d.logger.Info("到期扫描完成", zap.Int("completed_assignments", n))
	}
}

// Stop 取消进行中的 tick（当前条目提交后在条目之间退出）并等待全部任务结束
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.cancel()

	done := make(chan struct{})
	go func() {
		if d.cron != nil {
			<-d.cron.Stop().Done()
		}
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("派发循环已停止")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── cron.Logger 适配 zap ──

type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
