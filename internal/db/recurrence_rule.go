package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/pawtrack/internal/recurrence"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RecurrenceRule 定义了宠物的重复日程规则。
// 日期字段均为规则时区中的 yyyy-MM-dd；列表字段以 JSON 存储。
type RecurrenceRule struct {
	ID                string `gorm:"primaryKey;size:36"`
	PetID             string `gorm:"index;not null"`
	Title             string
	Type              string `gorm:"index"`
	Notes             string
	ReminderEnabled   bool
	ReminderPreset    string
	Frequency         string `gorm:"not null"`
	Interval          int
	DailyTimes        datatypes.JSONSlice[string]
	DaysOfWeek        datatypes.JSONSlice[int]
	DayOfMonth        int
	MonthOfYear       int
	CustomDates       datatypes.JSONSlice[string]
	Timezone          string  `gorm:"not null"`
	StartDate         string  `gorm:"size:10;not null"`
	EndDate           *string `gorm:"size:10"`
	OccurrenceCount   int
	ExceptionDates    datatypes.JSONSlice[string]
	IsActive          bool
	LastGeneratedDate *string `gorm:"size:10"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// TableName 固定表名
func (RecurrenceRule) TableName() string {
	return "recurrence_rules"
}

// BeforeCreate 为新规则分配 UUID
func (r *RecurrenceRule) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// PatternSpec 返回持久化字段对应的模式描述
func (r *RecurrenceRule) PatternSpec() recurrence.PatternSpec {
	return recurrence.PatternSpec{
		Frequency:   recurrence.Frequency(r.Frequency),
		Interval:    r.Interval,
		DaysOfWeek:  []int(r.DaysOfWeek),
		DayOfMonth:  r.DayOfMonth,
		MonthOfYear: r.MonthOfYear,
		CustomDates: []string(r.CustomDates),
	}
}

// ToRule 转换为引擎使用的规则，并完成校验
func (r *RecurrenceRule) ToRule() (recurrence.Rule, error) {
	pattern, err := recurrence.NewPattern(r.PatternSpec())
	if err != nil {
		return recurrence.Rule{}, err
	}

	rule := recurrence.Rule{
		Pattern:        pattern,
		DailyTimes:     []string(r.DailyTimes),
		Timezone:       r.Timezone,
		StartDate:      r.StartDate,
		Count:          r.OccurrenceCount,
		ExceptionDates: []string(r.ExceptionDates),
	}
	if r.EndDate != nil {
		rule.EndDate = *r.EndDate
	}

	if err := rule.Validate(); err != nil {
		return recurrence.Rule{}, err
	}
	return rule, nil
}

// ApplyPattern 把规范化后的模式写回扁平字段
func (r *RecurrenceRule) ApplyPattern(p recurrence.Pattern) {
	spec := recurrence.SpecOf(p)
	r.Frequency = string(spec.Frequency)
	r.Interval = spec.Interval
	r.DaysOfWeek = datatypes.JSONSlice[int](append([]int{}, spec.DaysOfWeek...))
	r.DayOfMonth = spec.DayOfMonth
	r.MonthOfYear = spec.MonthOfYear
	r.CustomDates = datatypes.JSONSlice[string](append([]string{}, spec.CustomDates...))
}
