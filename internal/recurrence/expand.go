package recurrence

import (
	"log"
	"slices"
	"sort"
	"time"

	"github.com/pawtrack/internal/datetime"
)

const (
	defaultHorizonDays    = 365
	defaultMaxOccurrences = 1000
)

// Generator 控制展开的上限。没有结束条件的规则最多向后看 HorizonDays 天，
// 并且从窗口起点算起最多产出 MaxOccurrences 个时刻；有结束日期或次数的规则不截断。
type Generator struct {
	HorizonDays    int
	MaxOccurrences int
}

// DefaultGenerator 使用一年视野、1000 个时刻上限
var DefaultGenerator = Generator{HorizonDays: defaultHorizonDays, MaxOccurrences: defaultMaxOccurrences}

// Window 限定一次展开的范围。
// From 之前的日期不输出但仍计入 Index；Anchor 是无结束日期规则计算视野的起点，
// 为空时使用规则开始日期。无结束条件规则的时刻上限从 From（其次 Anchor）开始计数。
type Window struct {
	From   string
	Anchor string
}

// Occurrence 是展开后的一个具体时刻
type Occurrence struct {
	// Index 是该时刻在整条序列中的位置
	Index    int
	DateKey  string
	WallTime string
	Start    time.Time
}

// Expand 展开规则。结果按时刻升序，同一时刻按 DailyTimes 的顺序。
func (g Generator) Expand(rule Rule, window Window) ([]Occurrence, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	g = g.withDefaults()

	start, _ := datetime.ParseDateKey(rule.StartDate)

	unbounded := rule.EndDate == "" && rule.Count <= 0

	var until time.Time
	switch {
	case rule.EndDate != "":
		until, _ = datetime.ParseDateKey(rule.EndDate)
	case rule.Count > 0:
		// 只受次数约束
	default:
		base := start
		if anchor, err := datetime.ParseDateKey(window.Anchor); err == nil && anchor.After(base) {
			base = anchor
		}
		until = base.AddDate(0, 0, g.HorizonDays)
	}

	exceptions := make([]time.Time, 0, len(rule.ExceptionDates))
	for _, key := range rule.ExceptionDates {
		day, _ := datetime.ParseDateKey(key)
		exceptions = append(exceptions, day)
	}

	days, err := rule.Pattern.candidates(start, until, rule.Count, exceptions)
	if err != nil {
		return nil, err
	}

	times := rule.Times()
	skipped := 0
	occurrences := make([]Occurrence, 0, len(days)*len(times))
	for _, day := range days {
		key := day.Format(datetime.DateLayout)
		if window.From != "" && key < window.From {
			skipped++
			continue
		}
		for _, clock := range times {
			instant, err := datetime.CombineDateTimeInTimeZone(key, clock, rule.Timezone)
			if err != nil {
				return nil, err
			}
			occurrences = append(occurrences, Occurrence{DateKey: key, WallTime: clock, Start: instant})
		}
	}

	sort.SliceStable(occurrences, func(i, j int) bool {
		return occurrences[i].Start.Before(occurrences[j].Start)
	})

	if unbounded {
		occurrences = g.truncate(occurrences, capFrom(window), rule.StartDate)
	}

	offset := skipped * len(times)
	for i := range occurrences {
		occurrences[i].Index = offset + i
	}

	return occurrences, nil
}

// capFrom 返回上限开始计数的日期：优先 From，其次 Anchor
func capFrom(window Window) string {
	if window.From != "" {
		return window.From
	}
	return window.Anchor
}

// truncate 保留 from 之前的全部时刻，from 及之后最多保留 MaxOccurrences 个
func (g Generator) truncate(occurrences []Occurrence, from, startDate string) []Occurrence {
	head := 0
	if from != "" {
		head = sort.Search(len(occurrences), func(i int) bool {
			return occurrences[i].DateKey >= from
		})
	}
	if len(occurrences)-head <= g.MaxOccurrences {
		return occurrences
	}
	log.Printf("[recurrence] truncated expansion from %d to %d occurrences after %q (start=%s)",
		len(occurrences)-head, g.MaxOccurrences, from, startDate)
	return occurrences[:head+g.MaxOccurrences]
}

func (g Generator) withDefaults() Generator {
	if g.HorizonDays <= 0 {
		g.HorizonDays = defaultHorizonDays
	}
	if g.MaxOccurrences <= 0 {
		g.MaxOccurrences = defaultMaxOccurrences
	}
	return g
}

// DateKeys 返回展开结果中出现过的日期（去重、升序）
func DateKeys(occurrences []Occurrence) []string {
	keys := make([]string, 0, len(occurrences))
	for _, occ := range occurrences {
		if len(keys) == 0 || keys[len(keys)-1] != occ.DateKey {
			keys = append(keys, occ.DateKey)
		}
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// StartTimes 返回 UTC ISO 格式的时刻列表
func StartTimes(occurrences []Occurrence) []string {
	out := make([]string, len(occurrences))
	for i, occ := range occurrences {
		out[i] = datetime.FormatISO(occ.Start)
	}
	return out
}

// GenerateOccurrenceDateKeys 返回剔除例外后的触发日期
func GenerateOccurrenceDateKeys(rule Rule) ([]string, error) {
	occurrences, err := DefaultGenerator.Expand(rule, Window{})
	if err != nil {
		return nil, err
	}
	return DateKeys(occurrences), nil
}

// GenerateEventStartTimes 返回每个 (日期, 时间) 组合对应的 UTC 时刻
func GenerateEventStartTimes(rule Rule) ([]string, error) {
	occurrences, err := DefaultGenerator.Expand(rule, Window{})
	if err != nil {
		return nil, err
	}
	return StartTimes(occurrences), nil
}
