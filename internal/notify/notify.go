// Package notify 定义本地提醒调度的协作接口。
// 实际的推送通道不在本服务内，这里只负责给出绝对时刻与提前量。
package notify

import (
	"context"
	"log"
	"slices"
	"strings"
	"sync"
	"time"
)

// Reminder 是一次待调度的提醒
type Reminder struct {
	EventID        string
	PetID          string
	Title          string
	StartTime      time.Time
	OffsetsMinutes []int
}

// FireTimes 返回每个提前量对应的触发时刻
func (r Reminder) FireTimes() []time.Time {
	out := make([]time.Time, 0, len(r.OffsetsMinutes))
	for _, offset := range r.OffsetsMinutes {
		out = append(out, r.StartTime.Add(-time.Duration(offset)*time.Minute))
	}
	return out
}

// Scheduler 由宿主应用实现
type Scheduler interface {
	Schedule(ctx context.Context, reminder Reminder) error
	Cancel(ctx context.Context, eventIDs []string) error
}

var presetOffsets = map[string][]int{
	"at_time":  {0},
	"5m":       {5},
	"15m":      {15},
	"30m":      {30},
	"1h":       {60},
	"1d":       {1440},
	"standard": {0, 60},
}

// OffsetsForPreset 把提醒预设转换为分钟级提前量，未知预设按准时提醒处理
func OffsetsForPreset(preset string) []int {
	if offsets, ok := presetOffsets[strings.ToLower(strings.TrimSpace(preset))]; ok {
		return slices.Clone(offsets)
	}
	return []int{0}
}

// IsKnownPreset 判断预设是否受支持
func IsKnownPreset(preset string) bool {
	_, ok := presetOffsets[strings.ToLower(strings.TrimSpace(preset))]
	return ok
}

// LogScheduler 仅记录日志，用于没有推送通道的部署
type LogScheduler struct{}

func (LogScheduler) Schedule(_ context.Context, reminder Reminder) error {
	log.Printf("[notify] schedule event=%s pet=%s at=%s offsets=%v", reminder.EventID, reminder.PetID, reminder.StartTime.UTC().Format(time.RFC3339), reminder.OffsetsMinutes)
	return nil
}

func (LogScheduler) Cancel(_ context.Context, eventIDs []string) error {
	if len(eventIDs) > 0 {
		log.Printf("[notify] cancel %d reminders", len(eventIDs))
	}
	return nil
}

// Recorder 在内存中记录调度结果，测试与预览使用
type Recorder struct {
	mu        sync.Mutex
	scheduled map[string]Reminder
	cancelled []string
}

// NewRecorder 构造 Recorder
func NewRecorder() *Recorder {
	return &Recorder{scheduled: make(map[string]Reminder)}
}

func (r *Recorder) Schedule(_ context.Context, reminder Reminder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled[reminder.EventID] = reminder
	return nil
}

func (r *Recorder) Cancel(_ context.Context, eventIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range eventIDs {
		delete(r.scheduled, id)
		r.cancelled = append(r.cancelled, id)
	}
	return nil
}

// Scheduled 返回当前仍处于调度中的提醒
func (r *Recorder) Scheduled() map[string]Reminder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Reminder, len(r.scheduled))
	for k, v := range r.scheduled {
		out[k] = v
	}
	return out
}

// Cancelled 返回被取消过的日程 ID
func (r *Recorder) Cancelled() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.cancelled)
}
