// Package datetime 提供日期字符串、墙上时间与 UTC 时刻之间的转换。
// 所有存储的时刻都使用 ISOLayout（毫秒精度、显式 Z 结尾）。
package datetime

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	// ISOLayout 与 JavaScript Date#toISOString 的输出保持一致
	ISOLayout  = "2006-01-02T15:04:05.000Z"
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

var (
	// ErrInvalidDateValue 在日期不存在或格式错误时返回
	ErrInvalidDateValue = errors.New("invalid date value")
	// ErrInvalidTimeValue 在墙上时间不是 HH:mm 时返回
	ErrInvalidTimeValue = errors.New("invalid time value")

	dateKeyPattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	wallClockPattern = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

	// 只接受带偏移量或 Z 的时间戳
	zonedLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04Z07:00",
		"2006-01-02T15:04:05.999999999Z0700",
		"2006-01-02T15:04Z0700",
	}
)

// IsDateKey 判断是否为真实存在的 yyyy-MM-dd 日期
func IsDateKey(s string) bool {
	_, err := ParseDateKey(s)
	return err == nil
}

// IsWallClock 判断是否为合法的 HH:mm
func IsWallClock(s string) bool {
	return wallClockPattern.MatchString(s)
}

// ParseDateKey 将 yyyy-MM-dd 解析为 UTC 零点，2 月 30 日之类的日期返回 ErrInvalidDateValue。
func ParseDateKey(s string) (time.Time, error) {
	if !dateKeyPattern.MatchString(s) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateValue, s)
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateValue, s)
	}
	return t, nil
}

// FormatISO 输出 UTC ISO-8601 字符串
func FormatISO(t time.Time) string {
	return t.UTC().Format(ISOLayout)
}

// ParseISO 解析任意带偏移量的时间戳并转为 UTC
func ParseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateValue, s)
}

// NormalizeToISOString 把输入规范化为 UTC ISO 字符串。
// 纯日期映射到当天 UTC 零点；带时区的时间戳转为 UTC；
// 不带时区的本地时间无法确定含义，返回 ("", false)。
func NormalizeToISOString(input string) (string, bool) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", false
	}

	if dateKeyPattern.MatchString(trimmed) {
		iso, err := DateOnlyToUTCMidnightISOString(trimmed)
		if err != nil {
			return "", false
		}
		return iso, true
	}

	t, err := ParseISO(trimmed)
	if err != nil {
		return "", false
	}
	return FormatISO(t), true
}

// DateOnlyToUTCMidnightISOString 严格地把 yyyy-MM-dd 映射为 <date>T00:00:00.000Z，不做任何日期偏移。
func DateOnlyToUTCMidnightISOString(dateOnly string) (string, error) {
	t, err := ParseDateKey(strings.TrimSpace(dateOnly))
	if err != nil {
		return "", err
	}
	return FormatISO(t), nil
}

// CombineDateTimeToISOInTimeZone 将 dateOnly + hhmm 视为 tz 中的墙上时间，返回对应的 UTC ISO 字符串。
// tz 非法时回退到设备时区。
func CombineDateTimeToISOInTimeZone(dateOnly, hhmm, tz string) (string, error) {
	t, err := CombineDateTimeInTimeZone(dateOnly, hhmm, tz)
	if err != nil {
		return "", err
	}
	return FormatISO(t), nil
}

// CombineDateTimeInTimeZone 同 CombineDateTimeToISOInTimeZone，返回 time.Time（UTC）。
//
// 夏令时处理：
//   - 春季跳过的墙上时间（例如柏林 02:30）按跳变前的偏移解释，结果向后顺延一个跳变量；
//   - 秋季重复的墙上时间取较早的那个时刻。
func CombineDateTimeInTimeZone(dateOnly, hhmm, tz string) (time.Time, error) {
	day, err := ParseDateKey(strings.TrimSpace(dateOnly))
	if err != nil {
		return time.Time{}, err
	}

	clock := strings.TrimSpace(hhmm)
	match := wallClockPattern.FindStringSubmatch(clock)
	if match == nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeValue, hhmm)
	}
	hour := int(match[1][0]-'0')*10 + int(match[1][1]-'0')
	minute := int(match[2][0]-'0')*10 + int(match[2][1]-'0')

	loc := ResolveLocation(tz)
	naive := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, time.UTC)

	_, offsetBefore := naive.Add(-24 * time.Hour).In(loc).Zone()
	_, offsetAfter := naive.Add(24 * time.Hour).In(loc).Zone()

	before := naive.Add(-time.Duration(offsetBefore) * time.Second)
	after := naive.Add(-time.Duration(offsetAfter) * time.Second)

	beforeOK := sameWallClock(before.In(loc), naive)
	afterOK := sameWallClock(after.In(loc), naive)

	switch {
	case beforeOK && afterOK:
		if after.Before(before) {
			return after.UTC(), nil
		}
		return before.UTC(), nil
	case beforeOK:
		return before.UTC(), nil
	case afterOK:
		return after.UTC(), nil
	default:
		// 落在跳变缺口里
		return before.UTC(), nil
	}
}

func sameWallClock(local, naive time.Time) bool {
	y1, m1, d1 := local.Date()
	y2, m2, d2 := naive.Date()
	return y1 == y2 && m1 == m2 && d1 == d2 &&
		local.Hour() == naive.Hour() && local.Minute() == naive.Minute()
}

// FormatDateInTimeZone 返回时刻在 tz 中的日期部分
func FormatDateInTimeZone(t time.Time, tz string) string {
	return t.In(ResolveLocation(tz)).Format(DateLayout)
}

// FormatTimeInTimeZone 返回时刻在 tz 中的 HH:mm
func FormatTimeInTimeZone(t time.Time, tz string) string {
	return t.In(ResolveLocation(tz)).Format(TimeLayout)
}

// LocalDateKey 返回时刻在 tz 中观察到的 yyyy-MM-dd，零值返回空字符串。
func LocalDateKey(t time.Time, tz string) string {
	if t.IsZero() {
		return ""
	}
	return FormatDateInTimeZone(t, tz)
}

// ToLocalDateKey 解析日期类字符串并投影到 tz 的日历日期。
// 纯日期本身就是日历日期，原样返回；无法解析的输入返回空字符串。
func ToLocalDateKey(input, tz string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	if dateKeyPattern.MatchString(trimmed) {
		if IsDateKey(trimmed) {
			return trimmed
		}
		return ""
	}

	t, err := ParseISO(trimmed)
	if err != nil {
		return ""
	}
	return LocalDateKey(t, tz)
}

// IsSameLocalDate 判断两个值在 tz 中是否落在同一天
func IsSameLocalDate(a, b, tz string) bool {
	keyA := ToLocalDateKey(a, tz)
	if keyA == "" {
		return false
	}
	return keyA == ToLocalDateKey(b, tz)
}
