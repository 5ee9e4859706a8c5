package recurrence

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pawtrack/internal/datetime"
)

// DefaultTime 是未配置 dailyTimes 时使用的提醒时间
const DefaultTime = "09:00"

// ErrInvalidRule 是所有规则校验错误的根
var ErrInvalidRule = errors.New("invalid recurrence rule")

// ValidationError 描述具体哪个字段未通过校验
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidRule, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRule
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Rule 是引擎的输入。StartDate/EndDate 为规则时区中的日历日期。
type Rule struct {
	Pattern        Pattern
	DailyTimes     []string
	Timezone       string
	StartDate      string
	EndDate        string
	Count          int
	ExceptionDates []string
}

// Validate 在持久化之前校验规则
func (r Rule) Validate() error {
	if r.Pattern == nil {
		return invalid("frequency", "pattern is required")
	}

	if _, ok := datetime.NormalizeTimezone(r.Timezone); !ok {
		return invalid("timezone", fmt.Sprintf("%q is not a recognised IANA timezone", r.Timezone))
	}

	seen := make(map[string]struct{}, len(r.DailyTimes))
	for _, clock := range r.DailyTimes {
		if !datetime.IsWallClock(clock) {
			return invalid("dailyTimes", fmt.Sprintf("%q is not HH:mm", clock))
		}
		if _, dup := seen[clock]; dup {
			return invalid("dailyTimes", fmt.Sprintf("duplicate time %q", clock))
		}
		seen[clock] = struct{}{}
	}
	if r.Pattern.Frequency() == FrequencyTimesPerDay && len(r.DailyTimes) == 0 {
		return invalid("dailyTimes", "times_per_day needs at least one time")
	}

	if !datetime.IsDateKey(r.StartDate) {
		return invalid("startDate", fmt.Sprintf("%q is not a yyyy-MM-dd date", r.StartDate))
	}
	if r.EndDate != "" {
		if !datetime.IsDateKey(r.EndDate) {
			return invalid("endDate", fmt.Sprintf("%q is not a yyyy-MM-dd date", r.EndDate))
		}
		if r.EndDate < r.StartDate {
			return invalid("endDate", "must not be before startDate")
		}
	}
	if r.Count < 0 {
		return invalid("count", "must not be negative")
	}

	for _, key := range r.ExceptionDates {
		if !datetime.IsDateKey(key) {
			return invalid("exceptionDates", fmt.Sprintf("%q is not a yyyy-MM-dd date", key))
		}
	}

	return nil
}

// Times 返回实际使用的每日时间
func (r Rule) Times() []string {
	if len(r.DailyTimes) == 0 {
		return []string{DefaultTime}
	}
	return r.DailyTimes
}

// NormalizeTimes 去掉空白并丢弃空值，保持原有顺序
func NormalizeTimes(times []string) []string {
	out := make([]string, 0, len(times))
	for _, t := range times {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// NormalizeDateKeys 去重、排序例外日期
func NormalizeDateKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		trimmed := strings.TrimSpace(k)
		if trimmed == "" || slices.Contains(out, trimmed) {
			continue
		}
		out = append(out, trimmed)
	}
	slices.Sort(out)
	return out
}
