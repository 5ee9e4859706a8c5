package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSchedule = "@every 1h"

// Jobs 是定时维护需要的两个操作，由 RecurrenceService 实现
type Jobs interface {
	ExtendHorizons(ctx context.Context) (int, error)
	MarkMissed(ctx context.Context, grace time.Duration) (int64, error)
}

// Runner 按 cron 表达式周期性补齐日程视野并标记错过的日程
type Runner struct {
	jobs    Jobs
	grace   time.Duration
	timeout time.Duration
	cron    *cron.Cron
}

// New 解析 schedule 并注册任务，schedule 为空时每小时一次
func New(schedule string, jobs Jobs, grace time.Duration) (*Runner, error) {
	if jobs == nil {
		return nil, errors.New("maintenance jobs are required")
	}

	r := &Runner{
		jobs:    jobs,
		grace:   grace,
		timeout: 5 * time.Minute,
		cron:    cron.New(),
	}

	spec := strings.TrimSpace(schedule)
	if spec == "" {
		spec = defaultSchedule
	}
	if _, err := r.cron.AddFunc(spec, func() { r.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	return r, nil
}

// Start 在后台启动调度
func (r *Runner) Start() {
	r.cron.Start()
}

// Stop 停止调度并等待正在执行的任务结束
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// RunOnce 立即执行一次维护，单个任务失败不影响另一个
func (r *Runner) RunOnce(ctx context.Context) (extended int, missed int64) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	extended, err := r.jobs.ExtendHorizons(ctx)
	if err != nil {
		log.Printf("[maintenance] extend horizons failed: %v", err)
	}

	missed, err = r.jobs.MarkMissed(ctx, r.grace)
	if err != nil {
		log.Printf("[maintenance] mark missed failed: %v", err)
	}
	return extended, missed
}
