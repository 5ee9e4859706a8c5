package recurrence

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pawtrack/internal/datetime"
	"github.com/teambition/rrule-go"
)

// Frequency 标识规则的重复方式
type Frequency string

const (
	FrequencyDaily       Frequency = "daily"
	FrequencyWeekly      Frequency = "weekly"
	FrequencyMonthly     Frequency = "monthly"
	FrequencyYearly      Frequency = "yearly"
	FrequencyCustom      Frequency = "custom"
	FrequencyTimesPerDay Frequency = "times_per_day"

	// LastDayOfMonth 作为 DayOfMonth 时表示每月最后一天
	LastDayOfMonth = -1

	maxInterval = 1000
)

// ParseFrequency 不区分大小写地解析频率
func ParseFrequency(raw string) (Frequency, bool) {
	f := Frequency(strings.ToLower(strings.TrimSpace(raw)))
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly, FrequencyCustom, FrequencyTimesPerDay:
		return f, true
	}
	return "", false
}

// Pattern 是封闭的规则变体集合，只能由本包内的类型实现。
type Pattern interface {
	Frequency() Frequency
	// candidates 返回 [start, until] 内的候选日期（UTC 零点），until 为零值表示仅受 count 约束
	candidates(start, until time.Time, count int, exceptions []time.Time) ([]time.Time, error)
}

// Daily 每 Interval 天一次
type Daily struct{ Interval int }

// TimesPerDay 每 Interval 天，每天多次
type TimesPerDay struct{ Interval int }

// Weekly 每 Interval 周，在 Days 指定的星期几触发；Days 为空时取开始日期的星期
type Weekly struct {
	Interval int
	Days     []time.Weekday
}

// Monthly 每 Interval 月的 DayOfMonth 号；0 表示开始日期的日，-1 表示月末。
// 当月没有该日期时（例如 31 号遇到 2 月）跳过该月。
type Monthly struct {
	Interval   int
	DayOfMonth int
}

// Yearly 每 Interval 年的 Month/Day；取 0 时使用开始日期的月/日
type Yearly struct {
	Interval int
	Month    time.Month
	Day      int
}

// Custom 显式列出的日期
type Custom struct{ Dates []string }

func (Daily) Frequency() Frequency       { return FrequencyDaily }
func (TimesPerDay) Frequency() Frequency { return FrequencyTimesPerDay }
func (Weekly) Frequency() Frequency      { return FrequencyWeekly }
func (Monthly) Frequency() Frequency     { return FrequencyMonthly }
func (Yearly) Frequency() Frequency      { return FrequencyYearly }
func (Custom) Frequency() Frequency      { return FrequencyCustom }

// PatternSpec 是持久化层使用的扁平字段
type PatternSpec struct {
	Frequency   Frequency
	Interval    int
	DaysOfWeek  []int
	DayOfMonth  int
	MonthOfYear int
	CustomDates []string
}

// NewPattern 按频率构造对应变体，并校验该变体需要的字段。
func NewPattern(spec PatternSpec) (Pattern, error) {
	freq, ok := ParseFrequency(string(spec.Frequency))
	if !ok {
		return nil, invalid("frequency", fmt.Sprintf("unsupported frequency %q", spec.Frequency))
	}

	interval := spec.Interval
	if freq != FrequencyCustom {
		if interval < 1 {
			return nil, invalid("interval", "must be at least 1")
		}
		if interval > maxInterval {
			return nil, invalid("interval", fmt.Sprintf("must not exceed %d", maxInterval))
		}
	}

	switch freq {
	case FrequencyDaily:
		return Daily{Interval: interval}, nil
	case FrequencyTimesPerDay:
		return TimesPerDay{Interval: interval}, nil
	case FrequencyWeekly:
		days := make([]time.Weekday, 0, len(spec.DaysOfWeek))
		for _, d := range spec.DaysOfWeek {
			if d < 0 || d > 6 {
				return nil, invalid("daysOfWeek", fmt.Sprintf("day %d out of range 0-6", d))
			}
			if !slices.Contains(days, time.Weekday(d)) {
				days = append(days, time.Weekday(d))
			}
		}
		slices.Sort(days)
		return Weekly{Interval: interval, Days: days}, nil
	case FrequencyMonthly:
		if spec.DayOfMonth != LastDayOfMonth && (spec.DayOfMonth < 0 || spec.DayOfMonth > 31) {
			return nil, invalid("dayOfMonth", "must be 1-31 or -1")
		}
		return Monthly{Interval: interval, DayOfMonth: spec.DayOfMonth}, nil
	case FrequencyYearly:
		if spec.MonthOfYear < 0 || spec.MonthOfYear > 12 {
			return nil, invalid("monthOfYear", "must be 1-12")
		}
		if spec.DayOfMonth < 0 || spec.DayOfMonth > 31 {
			return nil, invalid("dayOfMonth", "must be 1-31")
		}
		if (spec.MonthOfYear == 0) != (spec.DayOfMonth == 0) {
			return nil, invalid("monthOfYear", "month and day must be set together")
		}
		return Yearly{Interval: interval, Month: time.Month(spec.MonthOfYear), Day: spec.DayOfMonth}, nil
	default:
		if len(spec.CustomDates) == 0 {
			return nil, invalid("customDates", "custom frequency needs at least one date")
		}
		dates := make([]string, 0, len(spec.CustomDates))
		for _, raw := range spec.CustomDates {
			key := strings.TrimSpace(raw)
			if !datetime.IsDateKey(key) {
				return nil, invalid("customDates", fmt.Sprintf("%q is not a yyyy-MM-dd date", raw))
			}
			if !slices.Contains(dates, key) {
				dates = append(dates, key)
			}
		}
		slices.Sort(dates)
		return Custom{Dates: dates}, nil
	}
}

// SpecOf 把变体拍平成持久化字段
func SpecOf(p Pattern) PatternSpec {
	switch v := p.(type) {
	case Daily:
		return PatternSpec{Frequency: FrequencyDaily, Interval: v.Interval}
	case TimesPerDay:
		return PatternSpec{Frequency: FrequencyTimesPerDay, Interval: v.Interval}
	case Weekly:
		days := make([]int, len(v.Days))
		for i, d := range v.Days {
			days[i] = int(d)
		}
		return PatternSpec{Frequency: FrequencyWeekly, Interval: v.Interval, DaysOfWeek: days}
	case Monthly:
		return PatternSpec{Frequency: FrequencyMonthly, Interval: v.Interval, DayOfMonth: v.DayOfMonth}
	case Yearly:
		return PatternSpec{Frequency: FrequencyYearly, Interval: v.Interval, MonthOfYear: int(v.Month), DayOfMonth: v.Day}
	case Custom:
		return PatternSpec{Frequency: FrequencyCustom, Interval: 1, CustomDates: slices.Clone(v.Dates)}
	}
	return PatternSpec{}
}

var rruleWeekdays = map[time.Weekday]rrule.Weekday{
	time.Sunday:    rrule.SU,
	time.Monday:    rrule.MO,
	time.Tuesday:   rrule.TU,
	time.Wednesday: rrule.WE,
	time.Thursday:  rrule.TH,
	time.Friday:    rrule.FR,
	time.Saturday:  rrule.SA,
}

func (p Daily) candidates(start, until time.Time, count int, ex []time.Time) ([]time.Time, error) {
	return expandRRule(rrule.ROption{Freq: rrule.DAILY, Interval: p.Interval}, start, until, count, ex)
}

func (p TimesPerDay) candidates(start, until time.Time, count int, ex []time.Time) ([]time.Time, error) {
	return expandRRule(rrule.ROption{Freq: rrule.DAILY, Interval: p.Interval}, start, until, count, ex)
}

func (p Weekly) candidates(start, until time.Time, count int, ex []time.Time) ([]time.Time, error) {
	opt := rrule.ROption{Freq: rrule.WEEKLY, Interval: p.Interval, Wkst: rrule.MO}
	for _, d := range p.Days {
		opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
	}
	return expandRRule(opt, start, until, count, ex)
}

func (p Monthly) candidates(start, until time.Time, count int, ex []time.Time) ([]time.Time, error) {
	day := p.DayOfMonth
	if day == 0 {
		day = start.Day()
	}
	opt := rrule.ROption{Freq: rrule.MONTHLY, Interval: p.Interval, Bymonthday: []int{day}}
	return expandRRule(opt, start, until, count, ex)
}

func (p Yearly) candidates(start, until time.Time, count int, ex []time.Time) ([]time.Time, error) {
	month, day := p.Month, p.Day
	if month == 0 {
		month, day = start.Month(), start.Day()
	}
	opt := rrule.ROption{Freq: rrule.YEARLY, Interval: p.Interval, Bymonth: []int{int(month)}, Bymonthday: []int{day}}
	return expandRRule(opt, start, until, count, ex)
}

func (p Custom) candidates(start, until time.Time, count int, ex []time.Time) ([]time.Time, error) {
	out := make([]time.Time, 0, len(p.Dates))
	seen := 0
	for _, key := range p.Dates {
		day, err := datetime.ParseDateKey(key)
		if err != nil {
			return nil, err
		}
		if day.Before(start) || (!until.IsZero() && day.After(until)) {
			continue
		}
		if count > 0 && seen >= count {
			break
		}
		seen++
		if containsTime(ex, day) {
			continue
		}
		out = append(out, day)
	}
	return out, nil
}

// expandRRule 在浮动的 UTC 零点日期上步进，例外日期通过 rrule.Set 的 EXDATE 剔除，
// COUNT 先于 EXDATE 计算（RFC 5545）
func expandRRule(opt rrule.ROption, start, until time.Time, count int, ex []time.Time) ([]time.Time, error) {
	opt.Dtstart = start
	if !until.IsZero() {
		opt.Until = until
	}
	if count > 0 {
		opt.Count = count
	}

	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule: %w", err)
	}

	var set rrule.Set
	set.RRule(r)
	for _, day := range ex {
		set.ExDate(day)
	}

	return set.All(), nil
}

func containsTime(list []time.Time, t time.Time) bool {
	for _, item := range list {
		if item.Equal(t) {
			return true
		}
	}
	return false
}
