package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/pawtrack/internal/datetime"
	"github.com/pawtrack/internal/db"
	"github.com/pawtrack/internal/metrics"
	"github.com/pawtrack/internal/notify"
	"github.com/pawtrack/internal/recurrence"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrRuleNotFound 在指定规则不存在时返回
	ErrRuleNotFound = errors.New("recurrence rule not found")
	// ErrEventNotFound 在指定日程不存在时返回
	ErrEventNotFound = errors.New("event not found")
	// ErrInvalidEventStatus 当状态值不受支持时返回
	ErrInvalidEventStatus = errors.New("invalid event status")
)

const insertBatchSize = 200

// RecurrenceService 负责规则的持久化，以及规则与其日程实例之间的同步。
// 每个复合写操作（规则 + 批量日程）都在一个事务内完成。
type RecurrenceService struct {
	db        *gorm.DB
	gen       recurrence.Generator
	scheduler notify.Scheduler
	now       func() time.Time
	cache     *upcomingCache
}

// Option 调整 RecurrenceService 的协作对象
type Option func(*RecurrenceService)

// WithClock 注入时间源，测试使用固定时刻
func WithClock(now func() time.Time) Option {
	return func(s *RecurrenceService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithGenerator 覆盖展开视野与上限
func WithGenerator(g recurrence.Generator) Option {
	return func(s *RecurrenceService) {
		s.gen = g
	}
}

// WithScheduler 设置提醒调度器
func WithScheduler(scheduler notify.Scheduler) Option {
	return func(s *RecurrenceService) {
		if scheduler != nil {
			s.scheduler = scheduler
		}
	}
}

// WithCacheTTL 设置即将到来日程的缓存时长，0 表示不缓存
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *RecurrenceService) {
		s.cache.ttl = ttl
	}
}

// NewRecurrenceService 构造 RecurrenceService
func NewRecurrenceService(gdb *gorm.DB, opts ...Option) *RecurrenceService {
	s := &RecurrenceService{
		db:        gdb,
		gen:       recurrence.DefaultGenerator,
		scheduler: notify.LogScheduler{},
		now:       time.Now,
		cache:     newUpcomingCache(defaultCacheTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RuleInput 定义创建规则时可配置的字段
type RuleInput struct {
	PetID           string
	Title           string
	Type            string
	Notes           string
	ReminderEnabled bool
	ReminderPreset  string
	Frequency       string
	Interval        int
	DailyTimes      []string
	DaysOfWeek      []int
	DayOfMonth      int
	MonthOfYear     int
	CustomDates     []string
	Timezone        string
	StartDate       string
	EndDate         string
	Count           int
	ExceptionDates  []string
	// IsActive 为空时视为启用
	IsActive *bool
}

// RulePatch 描述部分更新，nil 字段保持不变。EndDate 指向空字符串表示清除结束日期。
type RulePatch struct {
	Title           *string
	Type            *string
	Notes           *string
	ReminderEnabled *bool
	ReminderPreset  *string
	Frequency       *string
	Interval        *int
	DailyTimes      *[]string
	DaysOfWeek      *[]int
	DayOfMonth      *int
	MonthOfYear     *int
	CustomDates     *[]string
	Timezone        *string
	StartDate       *string
	EndDate         *string
	Count           *int
	ExceptionDates  *[]string
	IsActive        *bool
}

// CreateRuleResult 是 CreateRule 的返回值
type CreateRuleResult struct {
	Rule          *db.RecurrenceRule
	EventsCreated int
}

// UpdateRuleResult 是 UpdateRule / RegenerateRule 的返回值。
// 重建时 EventsUpdated 为新生成的日程数，暂停规则时恒为 0；
// 只改展示字段时为同步了展示字段的未来日程数。
type UpdateRuleResult struct {
	Rule          *db.RecurrenceRule
	EventsUpdated int
	EventsDeleted int
	Regenerated   bool
}

// AddExceptionResult 是 AddException 的返回值
type AddExceptionResult struct {
	Message         string
	EventsDeleted   int
	AlreadyExcepted bool
}

// DeleteRuleResult 是 DeleteRule 的返回值
type DeleteRuleResult struct {
	EventsDeleted int
}

// EventQuery 控制规则日程列表
type EventQuery struct {
	IncludePast bool
}

// CreateRule 持久化规则并生成全部日程。停用的规则只保存不生成。
func (s *RecurrenceService) CreateRule(ctx context.Context, input RuleInput) (*CreateRuleResult, error) {
	row := newRuleRow(input)
	rule, err := prepareRow(row)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var events []db.Event

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return fmt.Errorf("create rule: %w", err)
		}
		if !row.IsActive {
			return nil
		}

		today := datetime.LocalDateKey(now, row.Timezone)
		occurrences, err := s.gen.Expand(rule, recurrence.Window{Anchor: today})
		if err != nil {
			return err
		}

		events = make([]db.Event, 0, len(occurrences))
		for _, occ := range occurrences {
			events = append(events, db.NewSeriesEvent(row, occ.Index, occ.Start))
		}
		if len(events) > 0 {
			if err := tx.CreateInBatches(&events, insertBatchSize).Error; err != nil {
				return fmt.Errorf("insert events: %w", err)
			}
		}

		return markGenerated(tx, row, occurrences)
	})
	if err != nil {
		return nil, err
	}

	metrics.TrackRuleCreated(len(events))
	s.scheduleReminders(ctx, events, now)
	s.cache.invalidatePet(row.PetID)

	return &CreateRuleResult{Rule: row, EventsCreated: len(events)}, nil
}

// UpdateRule 合并补丁。只有影响生成的字段真正变化时才会重建未来日程。
func (s *RecurrenceService) UpdateRule(ctx context.Context, id string, patch RulePatch) (*UpdateRuleResult, error) {
	return s.applyChange(ctx, id, false, func(row *db.RecurrenceRule) error {
		patch.apply(row)
		return nil
	})
}

// RegenerateRule 以当前规则强制重建未来日程
func (s *RecurrenceService) RegenerateRule(ctx context.Context, id string) (*UpdateRuleResult, error) {
	return s.applyChange(ctx, id, true, func(*db.RecurrenceRule) error { return nil })
}

// AddException 记录例外日期，并删除该规则在此本地日期上的所有日程。重复添加不会报错。
func (s *RecurrenceService) AddException(ctx context.Context, id, dateKey string) (*AddExceptionResult, error) {
	key := strings.TrimSpace(dateKey)
	if !datetime.IsDateKey(key) {
		return nil, &recurrence.ValidationError{Field: "date", Reason: fmt.Sprintf("%q is not a yyyy-MM-dd date", dateKey)}
	}

	result := &AddExceptionResult{}
	var deletedIDs []string
	var petID string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findRule(tx, id)
		if err != nil {
			return err
		}
		petID = row.PetID

		result.AlreadyExcepted = slices.Contains(row.ExceptionDates, key)
		if !result.AlreadyExcepted {
			dates := recurrence.NormalizeDateKeys(append(slices.Clone([]string(row.ExceptionDates)), key))
			if err := tx.Model(row).Update("exception_dates", datatypes.JSONSlice[string](dates)).Error; err != nil {
				return fmt.Errorf("update exception dates: %w", err)
			}
		}

		deletedIDs, err = deleteEventsOnLocalDate(tx, row, key)
		return err
	})
	if err != nil {
		return nil, err
	}

	result.EventsDeleted = len(deletedIDs)
	if result.AlreadyExcepted {
		result.Message = "exception already recorded"
	} else {
		result.Message = "exception added"
	}

	metrics.TrackEventsDeleted(metrics.ReasonException, len(deletedIDs))
	s.cancelReminders(ctx, deletedIDs)
	s.cache.invalidatePet(petID)

	return result, nil
}

// RemoveException 移除例外日期并重建，使未来的该日期重新出现
func (s *RecurrenceService) RemoveException(ctx context.Context, id, dateKey string) (*UpdateRuleResult, error) {
	key := strings.TrimSpace(dateKey)
	if !datetime.IsDateKey(key) {
		return nil, &recurrence.ValidationError{Field: "date", Reason: fmt.Sprintf("%q is not a yyyy-MM-dd date", dateKey)}
	}

	return s.applyChange(ctx, id, false, func(row *db.RecurrenceRule) error {
		row.ExceptionDates = datatypes.JSONSlice[string](slices.DeleteFunc(slices.Clone([]string(row.ExceptionDates)), func(d string) bool {
			return d == key
		}))
		return nil
	})
}

// DeleteRule 删除规则及其全部日程（包括过去的）
func (s *RecurrenceService) DeleteRule(ctx context.Context, id string) (*DeleteRuleResult, error) {
	var ids []string
	var petID string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findRule(tx, id)
		if err != nil {
			return err
		}
		petID = row.PetID

		if err := tx.Model(&db.Event{}).Where("recurrence_rule_id = ?", row.ID).Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("list rule events: %w", err)
		}
		if err := tx.Where("recurrence_rule_id = ?", row.ID).Delete(&db.Event{}).Error; err != nil {
			return fmt.Errorf("delete rule events: %w", err)
		}
		if err := tx.Delete(row).Error; err != nil {
			return fmt.Errorf("delete rule: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TrackEventsDeleted(metrics.ReasonRuleDelete, len(ids))
	s.cancelReminders(ctx, ids)
	s.cache.invalidatePet(petID)

	return &DeleteRuleResult{EventsDeleted: len(ids)}, nil
}

// GetRuleByID 根据 ID 获取规则
func (s *RecurrenceService) GetRuleByID(ctx context.Context, id string) (*db.RecurrenceRule, error) {
	return findRule(s.db.WithContext(ctx), id)
}

// ListRulesByPet 返回宠物的全部规则，按创建时间升序
func (s *RecurrenceService) ListRulesByPet(ctx context.Context, petID string) ([]db.RecurrenceRule, error) {
	var rules []db.RecurrenceRule
	if err := s.db.WithContext(ctx).
		Where("pet_id = ?", strings.TrimSpace(petID)).
		Order("created_at ASC").
		Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return rules, nil
}

// GetEventsByRuleID 返回规则的日程。默认只包含尚未开始的。
func (s *RecurrenceService) GetEventsByRuleID(ctx context.Context, id string, query EventQuery) ([]db.Event, error) {
	gdb := s.db.WithContext(ctx)
	if _, err := findRule(gdb, id); err != nil {
		return nil, err
	}

	q := gdb.Where("recurrence_rule_id = ?", id)
	if !query.IncludePast {
		q = q.Where("start_time >= ?", datetime.FormatISO(s.now()))
	}

	var events []db.Event
	if err := q.Order("start_time ASC").Order("series_index ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list rule events: %w", err)
	}
	return events, nil
}

// SetEventStatus 修改单个日程的状态，进入终态时取消其提醒
func (s *RecurrenceService) SetEventStatus(ctx context.Context, eventID, status string) (*db.Event, error) {
	next, ok := db.ParseEventStatus(strings.ToLower(strings.TrimSpace(status)))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEventStatus, status)
	}

	var event db.Event
	if err := s.db.WithContext(ctx).First(&event, "id = ?", eventID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(&event).Update("status", next).Error; err != nil {
		return nil, fmt.Errorf("update event status: %w", err)
	}
	event.Status = next

	if next.IsTerminal() {
		s.cancelReminders(ctx, []string{event.ID})
	} else {
		s.scheduleReminders(ctx, []db.Event{event}, s.now())
	}
	s.cache.invalidatePet(event.PetID)

	return &event, nil
}

// PreviewRule 展开规则但不落库
func (s *RecurrenceService) PreviewRule(input RuleInput) ([]recurrence.Occurrence, error) {
	row := newRuleRow(input)
	rule, err := prepareRow(row)
	if err != nil {
		return nil, err
	}
	return s.gen.Expand(rule, recurrence.Window{Anchor: datetime.LocalDateKey(s.now(), row.Timezone)})
}

// applyChange 在一个事务内修改规则，并在需要时重建未来日程
func (s *RecurrenceService) applyChange(ctx context.Context, id string, force bool, mutate func(*db.RecurrenceRule) error) (*UpdateRuleResult, error) {
	now := s.now()
	result := &UpdateRuleResult{}
	var outcome syncOutcome

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := findRule(tx, id)
		if err != nil {
			return err
		}
		before := *row

		if err := mutate(row); err != nil {
			return err
		}
		rule, err := prepareRow(row)
		if err != nil {
			return err
		}

		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("update rule: %w", err)
		}
		result.Rule = row

		if !force && sameGeneration(&before, row) {
			if sameDisplay(&before, row) {
				return nil
			}
			updated, err := syncDisplay(tx, row, now)
			result.EventsUpdated = int(updated)
			return err
		}

		timer := metrics.TrackRegeneration()
		defer timer.ObserveDuration()

		outcome, err = s.resync(tx, row, rule, now)
		if err != nil {
			return err
		}
		result.Regenerated = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Regenerated {
		result.EventsUpdated = len(outcome.created)
		result.EventsDeleted = len(outcome.deletedIDs)
	}

	metrics.TrackEventsDeleted(metrics.ReasonRegenerate, result.EventsDeleted)
	metrics.TrackEventsGenerated(result.EventsUpdated)
	s.cancelReminders(ctx, outcome.deletedIDs)
	s.scheduleReminders(ctx, outcome.created, now)
	s.cache.invalidatePet(result.Rule.PetID)

	return result, nil
}

func findRule(tx *gorm.DB, id string) (*db.RecurrenceRule, error) {
	var row db.RecurrenceRule
	if err := tx.First(&row, "id = ?", strings.TrimSpace(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &row, nil
}

func newRuleRow(input RuleInput) *db.RecurrenceRule {
	row := &db.RecurrenceRule{
		PetID:           strings.TrimSpace(input.PetID),
		Title:           strings.TrimSpace(input.Title),
		Type:            strings.TrimSpace(input.Type),
		Notes:           strings.TrimSpace(input.Notes),
		ReminderEnabled: input.ReminderEnabled,
		ReminderPreset:  normalizePreset(input.ReminderPreset),
		Frequency:       strings.ToLower(strings.TrimSpace(input.Frequency)),
		Interval:        input.Interval,
		DailyTimes:      datatypes.JSONSlice[string](recurrence.NormalizeTimes(input.DailyTimes)),
		DaysOfWeek:      datatypes.JSONSlice[int](slices.Clone(input.DaysOfWeek)),
		DayOfMonth:      input.DayOfMonth,
		MonthOfYear:     input.MonthOfYear,
		CustomDates:     datatypes.JSONSlice[string](slices.Clone(input.CustomDates)),
		Timezone:        strings.TrimSpace(input.Timezone),
		StartDate:       strings.TrimSpace(input.StartDate),
		OccurrenceCount: input.Count,
		ExceptionDates:  datatypes.JSONSlice[string](recurrence.NormalizeDateKeys(input.ExceptionDates)),
		IsActive:        true,
	}
	if input.IsActive != nil {
		row.IsActive = *input.IsActive
	}
	if end := strings.TrimSpace(input.EndDate); end != "" {
		row.EndDate = &end
	}
	return row
}

// prepareRow 校验并规范化规则行，返回引擎规则
func prepareRow(row *db.RecurrenceRule) (recurrence.Rule, error) {
	if row.PetID == "" {
		return recurrence.Rule{}, &recurrence.ValidationError{Field: "petId", Reason: "is required"}
	}

	rule, err := row.ToRule()
	if err != nil {
		return recurrence.Rule{}, err
	}

	row.ApplyPattern(rule.Pattern)
	if tz, ok := datetime.NormalizeTimezone(row.Timezone); ok {
		row.Timezone = tz
	}
	return rule, nil
}

func normalizePreset(preset string) string {
	preset = strings.ToLower(strings.TrimSpace(preset))
	if preset == "" {
		return "at_time"
	}
	return preset
}

func (p RulePatch) apply(row *db.RecurrenceRule) {
	if p.Title != nil {
		row.Title = strings.TrimSpace(*p.Title)
	}
	if p.Type != nil {
		row.Type = strings.TrimSpace(*p.Type)
	}
	if p.Notes != nil {
		row.Notes = strings.TrimSpace(*p.Notes)
	}
	if p.ReminderEnabled != nil {
		row.ReminderEnabled = *p.ReminderEnabled
	}
	if p.ReminderPreset != nil {
		row.ReminderPreset = normalizePreset(*p.ReminderPreset)
	}
	if p.Frequency != nil {
		row.Frequency = strings.ToLower(strings.TrimSpace(*p.Frequency))
	}
	if p.Interval != nil {
		row.Interval = *p.Interval
	}
	if p.DailyTimes != nil {
		row.DailyTimes = datatypes.JSONSlice[string](recurrence.NormalizeTimes(*p.DailyTimes))
	}
	if p.DaysOfWeek != nil {
		row.DaysOfWeek = datatypes.JSONSlice[int](slices.Clone(*p.DaysOfWeek))
	}
	if p.DayOfMonth != nil {
		row.DayOfMonth = *p.DayOfMonth
	}
	if p.MonthOfYear != nil {
		row.MonthOfYear = *p.MonthOfYear
	}
	if p.CustomDates != nil {
		row.CustomDates = datatypes.JSONSlice[string](slices.Clone(*p.CustomDates))
	}
	if p.Timezone != nil {
		row.Timezone = strings.TrimSpace(*p.Timezone)
	}
	if p.StartDate != nil {
		row.StartDate = strings.TrimSpace(*p.StartDate)
	}
	if p.EndDate != nil {
		if end := strings.TrimSpace(*p.EndDate); end != "" {
			row.EndDate = &end
		} else {
			row.EndDate = nil
		}
	}
	if p.Count != nil {
		row.OccurrenceCount = *p.Count
	}
	if p.ExceptionDates != nil {
		row.ExceptionDates = datatypes.JSONSlice[string](recurrence.NormalizeDateKeys(*p.ExceptionDates))
	}
	if p.IsActive != nil {
		row.IsActive = *p.IsActive
	}
}

// sameGeneration 比较所有影响展开结果的字段
func sameGeneration(a, b *db.RecurrenceRule) bool {
	return a.Frequency == b.Frequency &&
		a.Interval == b.Interval &&
		slices.Equal(a.DailyTimes, b.DailyTimes) &&
		slices.Equal(a.DaysOfWeek, b.DaysOfWeek) &&
		a.DayOfMonth == b.DayOfMonth &&
		a.MonthOfYear == b.MonthOfYear &&
		slices.Equal(a.CustomDates, b.CustomDates) &&
		a.Timezone == b.Timezone &&
		a.StartDate == b.StartDate &&
		equalDatePtr(a.EndDate, b.EndDate) &&
		a.OccurrenceCount == b.OccurrenceCount &&
		slices.Equal(a.ExceptionDates, b.ExceptionDates) &&
		a.IsActive == b.IsActive
}

func sameDisplay(a, b *db.RecurrenceRule) bool {
	return a.Title == b.Title &&
		a.Type == b.Type &&
		a.Notes == b.Notes &&
		a.ReminderEnabled == b.ReminderEnabled &&
		a.ReminderPreset == b.ReminderPreset
}

// syncDisplay 把展示字段同步到尚未开始且未完成的日程
func syncDisplay(tx *gorm.DB, row *db.RecurrenceRule, now time.Time) (int64, error) {
	res := tx.Model(&db.Event{}).
		Where("recurrence_rule_id = ? AND start_time >= ? AND status <> ?", row.ID, datetime.FormatISO(now), db.EventStatusCompleted).
		Updates(map[string]any{
			"title":            row.Title,
			"type":             row.Type,
			"notes":            row.Notes,
			"reminder_enabled": row.ReminderEnabled,
			"reminder_preset":  row.ReminderPreset,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("sync event display fields: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func equalDatePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *RecurrenceService) scheduleReminders(ctx context.Context, events []db.Event, now time.Time) {
	for i := range events {
		event := &events[i]
		if !event.ReminderEnabled || event.Status.IsTerminal() {
			continue
		}
		start, err := event.Start()
		if err != nil || !start.After(now) {
			continue
		}
		reminder := notify.Reminder{
			EventID:        event.ID,
			PetID:          event.PetID,
			Title:          event.Title,
			StartTime:      start,
			OffsetsMinutes: notify.OffsetsForPreset(event.ReminderPreset),
		}
		if err := s.scheduler.Schedule(ctx, reminder); err != nil {
			log.Printf("[recurrence] schedule reminder for event %s failed: %v", event.ID, err)
		}
	}
}

func (s *RecurrenceService) cancelReminders(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.scheduler.Cancel(ctx, ids); err != nil {
		log.Printf("[recurrence] cancel %d reminders failed: %v", len(ids), err)
	}
}
