package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/pawtrack/internal/datetime"
	"gorm.io/gorm"
)

// EventStatus 是日程实例的状态
type EventStatus string

const (
	EventStatusUpcoming  EventStatus = "upcoming"
	EventStatusCompleted EventStatus = "completed"
	EventStatusCancelled EventStatus = "cancelled"
	EventStatusMissed    EventStatus = "missed"
)

// ParseEventStatus 校验状态字符串
func ParseEventStatus(raw string) (EventStatus, bool) {
	switch s := EventStatus(raw); s {
	case EventStatusUpcoming, EventStatusCompleted, EventStatusCancelled, EventStatusMissed:
		return s, true
	}
	return "", false
}

// IsTerminal 终态不再计入“即将到来”
func (s EventStatus) IsTerminal() bool {
	return s != EventStatusUpcoming
}

// Event 是规则生成的一次具体日程，也可以是独立日程（RecurrenceRuleID 为空）。
// StartTime 始终是 UTC ISO 字符串，按字典序即按时间排序。
type Event struct {
	ID               string  `gorm:"primaryKey;size:36"`
	PetID            string  `gorm:"index;not null"`
	RecurrenceRuleID *string `gorm:"index;size:36"`
	SeriesIndex      *int
	Title            string
	Type             string
	Notes            string
	ReminderEnabled  bool
	ReminderPreset   string
	StartTime        string      `gorm:"size:24;index;not null"`
	Status           EventStatus `gorm:"size:16;index;not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TableName 固定表名
func (Event) TableName() string {
	return "events"
}

// BeforeCreate 为新日程分配 UUID 并补齐默认状态
func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = EventStatusUpcoming
	}
	return nil
}

// Start 解析 StartTime
func (e *Event) Start() (time.Time, error) {
	return datetime.ParseISO(e.StartTime)
}

// NewSeriesEvent 根据规则的展示字段构造一条序列日程
func NewSeriesEvent(rule *RecurrenceRule, index int, start time.Time) Event {
	ruleID := rule.ID
	idx := index
	return Event{
		PetID:            rule.PetID,
		RecurrenceRuleID: &ruleID,
		SeriesIndex:      &idx,
		Title:            rule.Title,
		Type:             rule.Type,
		Notes:            rule.Notes,
		ReminderEnabled:  rule.ReminderEnabled,
		ReminderPreset:   rule.ReminderPreset,
		StartTime:        datetime.FormatISO(start),
		Status:           EventStatusUpcoming,
	}
}
