package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pawtrack/internal/db"
	"github.com/pawtrack/internal/notify"
	"github.com/pawtrack/internal/recurrence"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recurrenceFixture struct {
	svc      *RecurrenceService
	gdb      *gorm.DB
	recorder *notify.Recorder
	clock    *testClock
}

func setupRecurrenceTest(t *testing.T, now time.Time, opts ...Option) *recurrenceFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := db.Open(dsn, logger.Silent)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	clock := &testClock{now: now}
	recorder := notify.NewRecorder()
	opts = append([]Option{WithClock(clock.Now), WithScheduler(recorder)}, opts...)

	return &recurrenceFixture{
		svc:      NewRecurrenceService(gdb, opts...),
		gdb:      gdb,
		recorder: recorder,
		clock:    clock,
	}
}

func dailyInput() RuleInput {
	return RuleInput{
		PetID:           "pet-1",
		Title:           "喂药",
		Type:            "medication",
		ReminderEnabled: true,
		ReminderPreset:  "standard",
		Frequency:       "daily",
		Interval:        1,
		DailyTimes:      []string{"09:00"},
		Timezone:        "UTC",
		StartDate:       "2099-01-01",
		EndDate:         "2099-01-03",
	}
}

func ptr[T any](v T) *T {
	return &v
}

func (f *recurrenceFixture) countEvents(t *testing.T, ruleID string) int64 {
	t.Helper()
	var n int64
	if err := f.gdb.Model(&db.Event{}).Where("recurrence_rule_id = ?", ruleID).Count(&n).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}

func (f *recurrenceFixture) allEvents(t *testing.T, ruleID string) []db.Event {
	t.Helper()
	events, err := f.svc.GetEventsByRuleID(context.Background(), ruleID, EventQuery{IncludePast: true})
	if err != nil {
		t.Fatalf("GetEventsByRuleID returned error: %v", err)
	}
	return events
}

func startTimes(events []db.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.StartTime
	}
	return out
}

var beforeSeries = time.Date(2098, 12, 31, 0, 0, 0, 0, time.UTC)

func TestCreateRuleGeneratesSeries(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	res, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	if res.EventsCreated != 3 {
		t.Fatalf("expected 3 events, got %d", res.EventsCreated)
	}
	if res.Rule.ID == "" {
		t.Fatal("expected rule to have ID")
	}
	if res.Rule.LastGeneratedDate == nil || *res.Rule.LastGeneratedDate != "2099-01-03" {
		t.Fatalf("unexpected last generated date %v", res.Rule.LastGeneratedDate)
	}

	events := f.allEvents(t, res.Rule.ID)
	want := []string{"2099-01-01T09:00:00.000Z", "2099-01-02T09:00:00.000Z", "2099-01-03T09:00:00.000Z"}
	if got := startTimes(events); !slices.Equal(got, want) {
		t.Fatalf("unexpected start times %v", got)
	}
	for i, e := range events {
		if e.SeriesIndex == nil || *e.SeriesIndex != i {
			t.Fatalf("event %d has series index %v", i, e.SeriesIndex)
		}
		if e.RecurrenceRuleID == nil || *e.RecurrenceRuleID != res.Rule.ID {
			t.Fatalf("event %d not linked to rule", i)
		}
		if e.Status != db.EventStatusUpcoming {
			t.Fatalf("unexpected status %s", e.Status)
		}
	}

	scheduled := f.recorder.Scheduled()
	if len(scheduled) != 3 {
		t.Fatalf("expected 3 reminders, got %d", len(scheduled))
	}
	for _, r := range scheduled {
		if !slices.Equal(r.OffsetsMinutes, []int{0, 60}) {
			t.Fatalf("unexpected offsets %v", r.OffsetsMinutes)
		}
	}
}

func TestCreateRuleInactiveStoresWithoutEvents(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)

	input := dailyInput()
	input.IsActive = ptr(false)

	res, err := f.svc.CreateRule(context.Background(), input)
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	if res.EventsCreated != 0 || f.countEvents(t, res.Rule.ID) != 0 {
		t.Fatal("inactive rule must not generate events")
	}
}

func TestCreateRuleValidationWritesNothing(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)

	cases := map[string]func(*RuleInput){
		"bad time":      func(in *RuleInput) { in.DailyTimes = []string{"25:00"} },
		"bad timezone":  func(in *RuleInput) { in.Timezone = "Mars/Olympus" },
		"bad frequency": func(in *RuleInput) { in.Frequency = "hourly" },
		"missing pet":   func(in *RuleInput) { in.PetID = " " },
		"end before":    func(in *RuleInput) { in.EndDate = "2098-12-01" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			input := dailyInput()
			mutate(&input)

			_, err := f.svc.CreateRule(context.Background(), input)
			if !errors.Is(err, recurrence.ErrInvalidRule) {
				t.Fatalf("expected ErrInvalidRule, got %v", err)
			}
			var verr *recurrence.ValidationError
			if !errors.As(err, &verr) || verr.Field == "" {
				t.Fatalf("expected a field-level validation error, got %v", err)
			}
		})
	}

	var rules int64
	f.gdb.Model(&db.RecurrenceRule{}).Count(&rules)
	var events int64
	f.gdb.Model(&db.Event{}).Count(&events)
	if rules != 0 || events != 0 {
		t.Fatalf("expected no writes, got %d rules and %d events", rules, events)
	}
}

func TestUpdateRulePauseRemovesFutureEvents(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	res, err := f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{IsActive: ptr(false)})
	if err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}
	if res.EventsUpdated != 0 {
		t.Fatalf("pausing must not create events, got %d", res.EventsUpdated)
	}
	if res.EventsDeleted != 3 {
		t.Fatalf("expected 3 deleted events, got %d", res.EventsDeleted)
	}
	if n := f.countEvents(t, created.Rule.ID); n != 0 {
		t.Fatalf("expected no events left, got %d", n)
	}
	if len(f.recorder.Cancelled()) != 3 || len(f.recorder.Scheduled()) != 0 {
		t.Fatal("expected every reminder to be cancelled")
	}

	stored, err := f.svc.GetRuleByID(ctx, created.Rule.ID)
	if err != nil {
		t.Fatalf("GetRuleByID returned error: %v", err)
	}
	if stored.IsActive {
		t.Fatal("expected rule to be paused")
	}

	// 暂停状态下修改定义只保存不生成
	res, err = f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{DailyTimes: ptr([]string{"10:00"})})
	if err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}
	if res.EventsUpdated != 0 || f.countEvents(t, created.Rule.ID) != 0 {
		t.Fatal("paused rule must not generate events")
	}

	// 重新启用会按当前定义补齐
	res, err = f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{IsActive: ptr(true)})
	if err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}
	if res.EventsUpdated != 3 {
		t.Fatalf("expected reactivation to regenerate 3 events, got %d", res.EventsUpdated)
	}
	want := []string{"2099-01-01T10:00:00.000Z", "2099-01-02T10:00:00.000Z", "2099-01-03T10:00:00.000Z"}
	if got := startTimes(f.allEvents(t, created.Rule.ID)); !slices.Equal(got, want) {
		t.Fatalf("unexpected start times %v", got)
	}
}

func TestUpdateRuleRegeneratesOnTimeChange(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	res, err := f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{DailyTimes: ptr([]string{"08:00", "20:00"})})
	if err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}
	if !res.Regenerated || res.EventsDeleted != 3 || res.EventsUpdated != 6 {
		t.Fatalf("unexpected result %+v", res)
	}

	events := f.allEvents(t, created.Rule.ID)
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[0].StartTime != "2099-01-01T08:00:00.000Z" || events[5].StartTime != "2099-01-03T20:00:00.000Z" {
		t.Fatalf("unexpected series bounds %s .. %s", events[0].StartTime, events[5].StartTime)
	}
}

func TestUpdateRuleKeepsHistoryAndCompletedEvents(t *testing.T) {
	f := setupRecurrenceTest(t, time.Date(2099, 1, 2, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	if created.EventsCreated != 3 {
		t.Fatalf("expected history import of 3 events, got %d", created.EventsCreated)
	}

	events := f.allEvents(t, created.Rule.ID)
	if _, err := f.svc.SetEventStatus(ctx, events[2].ID, "completed"); err != nil {
		t.Fatalf("SetEventStatus returned error: %v", err)
	}

	res, err := f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{DailyTimes: ptr([]string{"09:00", "18:00"})})
	if err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}
	if res.EventsDeleted != 0 || res.EventsUpdated != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	events = f.allEvents(t, created.Rule.ID)
	want := []string{
		"2099-01-01T09:00:00.000Z",
		"2099-01-02T09:00:00.000Z",
		"2099-01-02T18:00:00.000Z",
		"2099-01-03T09:00:00.000Z",
		"2099-01-03T18:00:00.000Z",
	}
	if got := startTimes(events); !slices.Equal(got, want) {
		t.Fatalf("unexpected start times %v", got)
	}
	if events[3].Status != db.EventStatusCompleted {
		t.Fatalf("completed event was not retained: %s", events[3].Status)
	}
	if *events[2].SeriesIndex != 3 || *events[4].SeriesIndex != 5 {
		t.Fatalf("new events should carry their position in the expansion, got %d and %d", *events[2].SeriesIndex, *events[4].SeriesIndex)
	}
	if *events[3].SeriesIndex != 4 {
		t.Fatalf("retained event should take its slot in the new series, got %d", *events[3].SeriesIndex)
	}
}

func TestRegenerationKeepsSeriesIndexUnique(t *testing.T) {
	f := setupRecurrenceTest(t, time.Date(2099, 1, 6, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	input := dailyInput()
	input.EndDate = "2099-01-10"
	created, err := f.svc.CreateRule(ctx, input)
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	if _, err := f.svc.AddException(ctx, created.Rule.ID, "2099-01-02"); err != nil {
		t.Fatalf("AddException returned error: %v", err)
	}
	if _, err := f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{DailyTimes: ptr([]string{"10:00"})}); err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}

	events := f.allEvents(t, created.Rule.ID)
	if len(events) != 9 {
		t.Fatalf("expected 9 events, got %d", len(events))
	}
	if events[5].StartTime != "2099-01-07T10:00:00.000Z" {
		t.Fatalf("unexpected first regenerated event %s", events[5].StartTime)
	}
	for i := 1; i < len(events); i++ {
		if *events[i].SeriesIndex <= *events[i-1].SeriesIndex {
			t.Fatalf("series index not increasing at %s: %d after %d", events[i].StartTime, *events[i].SeriesIndex, *events[i-1].SeriesIndex)
		}
	}
	if *events[5].SeriesIndex != 6 {
		t.Fatalf("expected regenerated series to continue at 6, got %d", *events[5].SeriesIndex)
	}

	if _, err := f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{DailyTimes: ptr([]string{"08:00", "20:00"})}); err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}
	events = f.allEvents(t, created.Rule.ID)
	seen := make(map[int]string, len(events))
	for i, e := range events {
		if prev, dup := seen[*e.SeriesIndex]; dup {
			t.Fatalf("series index %d shared by %s and %s", *e.SeriesIndex, prev, e.StartTime)
		}
		seen[*e.SeriesIndex] = e.StartTime
		if i > 0 && *e.SeriesIndex <= *events[i-1].SeriesIndex {
			t.Fatalf("series index not increasing at %s", e.StartTime)
		}
	}
}

func TestCreateBoundedRuleBeyondOccurrenceCap(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	input := dailyInput()
	input.EndDate = "2101-12-31"
	created, err := f.svc.CreateRule(ctx, input)
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	if created.EventsCreated != 1095 {
		t.Fatalf("expected 1095 events, got %d", created.EventsCreated)
	}
	if got := *created.Rule.LastGeneratedDate; got != "2101-12-31" {
		t.Fatalf("expected generation through end date, got %s", got)
	}
	if n := f.countEvents(t, created.Rule.ID); n != 1095 {
		t.Fatalf("expected 1095 stored events, got %d", n)
	}
}

func TestCreateRuleWithLongHistoryKeepsUpcomingEvents(t *testing.T) {
	now := time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC)
	f := setupRecurrenceTest(t, now)
	ctx := context.Background()

	input := dailyInput()
	input.Frequency = "times_per_day"
	input.DailyTimes = []string{"08:00", "13:00", "20:00"}
	input.StartDate = "2023-01-01"
	input.EndDate = ""

	created, err := f.svc.CreateRule(ctx, input)
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	future, err := f.svc.GetEventsByRuleID(ctx, created.Rule.ID, EventQuery{})
	if err != nil {
		t.Fatalf("GetEventsByRuleID returned error: %v", err)
	}
	if len(future) != 1000 {
		t.Fatalf("expected 1000 upcoming events, got %d", len(future))
	}
	if future[0].StartTime != "2026-10-14T08:00:00.000Z" {
		t.Fatalf("unexpected first upcoming event %s", future[0].StartTime)
	}
	if created.EventsCreated != 1382*3+1000 {
		t.Fatalf("expected history plus capped future, got %d", created.EventsCreated)
	}
	if got := *created.Rule.LastGeneratedDate; got <= "2026-10-14" {
		t.Fatalf("last generated date should be in the future, got %s", got)
	}
}

func TestUpdateRuleDisplayOnlyAndIdenticalPatch(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	before := f.allEvents(t, created.Rule.ID)

	res, err := f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{Frequency: ptr("daily"), Timezone: ptr("UTC")})
	if err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}
	if res.Regenerated || res.EventsUpdated != 0 || res.EventsDeleted != 0 {
		t.Fatalf("identical patch should be a no-op, got %+v", res)
	}

	res, err = f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{Title: ptr("驱虫")})
	if err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}
	if res.Regenerated || res.EventsUpdated != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	after := f.allEvents(t, created.Rule.ID)
	for i := range after {
		if after[i].ID != before[i].ID {
			t.Fatal("display-only patch must keep event identity")
		}
		if after[i].Title != "驱虫" {
			t.Fatalf("expected title to be synced, got %q", after[i].Title)
		}
	}
}

func TestUpdateRuleValidationRollsBack(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	_, err = f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{Title: ptr("changed"), Timezone: ptr("Mars/Olympus")})
	var verr *recurrence.ValidationError
	if !errors.As(err, &verr) || verr.Field != "timezone" {
		t.Fatalf("expected timezone validation error, got %v", err)
	}

	stored, err := f.svc.GetRuleByID(ctx, created.Rule.ID)
	if err != nil {
		t.Fatalf("GetRuleByID returned error: %v", err)
	}
	if stored.Title != "喂药" || stored.Timezone != "UTC" {
		t.Fatalf("rule was modified: %+v", stored)
	}
	if n := f.countEvents(t, created.Rule.ID); n != 3 {
		t.Fatalf("expected events untouched, got %d", n)
	}
	if cancelled := f.recorder.Cancelled(); len(cancelled) != 0 {
		t.Fatalf("failed update must not cancel reminders, got %v", cancelled)
	}
	if scheduled := f.recorder.Scheduled(); len(scheduled) != 3 {
		t.Fatalf("expected 3 reminders to stay scheduled, got %d", len(scheduled))
	}
}

func TestRegenerationSwapsReminders(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	old := f.allEvents(t, created.Rule.ID)

	if _, err := f.svc.UpdateRule(ctx, created.Rule.ID, RulePatch{DailyTimes: ptr([]string{"10:00"})}); err != nil {
		t.Fatalf("UpdateRule returned error: %v", err)
	}

	if cancelled := f.recorder.Cancelled(); len(cancelled) != len(old) {
		t.Fatalf("expected %d cancelled reminders, got %v", len(old), cancelled)
	}
	scheduled := f.recorder.Scheduled()
	if len(scheduled) != 3 {
		t.Fatalf("expected 3 scheduled reminders, got %d", len(scheduled))
	}
	for _, e := range old {
		if _, still := scheduled[e.ID]; still {
			t.Fatalf("reminder for replaced event %s still scheduled", e.ID)
		}
	}
	for _, e := range f.allEvents(t, created.Rule.ID) {
		if _, ok := scheduled[e.ID]; !ok {
			t.Fatalf("missing reminder for regenerated event %s", e.ID)
		}
	}
}

func TestUpdateRuleUnknownID(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)

	if _, err := f.svc.UpdateRule(context.Background(), "missing", RulePatch{Title: ptr("x")}); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if _, err := f.svc.AddException(context.Background(), "missing", "2099-01-02"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if _, err := f.svc.GetEventsByRuleID(context.Background(), "missing", EventQuery{}); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestRegenerateRuleReplacesFutureEvents(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	before := f.allEvents(t, created.Rule.ID)

	res, err := f.svc.RegenerateRule(ctx, created.Rule.ID)
	if err != nil {
		t.Fatalf("RegenerateRule returned error: %v", err)
	}
	if res.EventsDeleted != 3 || res.EventsUpdated != 3 {
		t.Fatalf("unexpected result %+v", res)
	}

	after := f.allEvents(t, created.Rule.ID)
	if !slices.Equal(startTimes(after), startTimes(before)) {
		t.Fatal("regeneration should reproduce the same instants")
	}
	if after[0].ID == before[0].ID {
		t.Fatal("expected fresh event rows")
	}
}

func TestAddExceptionIsIdempotent(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	first, err := f.svc.AddException(ctx, created.Rule.ID, "2099-01-02")
	if err != nil {
		t.Fatalf("AddException returned error: %v", err)
	}
	if first.EventsDeleted != 1 || first.AlreadyExcepted || first.Message == "" {
		t.Fatalf("unexpected first result %+v", first)
	}

	second, err := f.svc.AddException(ctx, created.Rule.ID, "2099-01-02")
	if err != nil {
		t.Fatalf("AddException returned error: %v", err)
	}
	if second.EventsDeleted != 0 || !second.AlreadyExcepted {
		t.Fatalf("unexpected second result %+v", second)
	}

	stored, _ := f.svc.GetRuleByID(ctx, created.Rule.ID)
	if !slices.Equal([]string(stored.ExceptionDates), []string{"2099-01-02"}) {
		t.Fatalf("unexpected exception dates %v", stored.ExceptionDates)
	}
	if n := f.countEvents(t, created.Rule.ID); n != 2 {
		t.Fatalf("expected 2 events left, got %d", n)
	}

	if _, err := f.svc.AddException(ctx, created.Rule.ID, "2099-1-2"); !errors.Is(err, recurrence.ErrInvalidRule) {
		t.Fatalf("expected validation error for malformed date, got %v", err)
	}
}

func TestAddExceptionUsesRuleLocalDate(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	input := dailyInput()
	input.Timezone = "Asia/Tokyo"
	input.DailyTimes = []string{"08:00"}

	created, err := f.svc.CreateRule(ctx, input)
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	// 东京 2099-01-02 08:00 对应 UTC 2099-01-01T23:00
	res, err := f.svc.AddException(ctx, created.Rule.ID, "2099-01-02")
	if err != nil {
		t.Fatalf("AddException returned error: %v", err)
	}
	if res.EventsDeleted != 1 {
		t.Fatalf("expected 1 deleted event, got %d", res.EventsDeleted)
	}

	want := []string{"2098-12-31T23:00:00.000Z", "2099-01-02T23:00:00.000Z"}
	if got := startTimes(f.allEvents(t, created.Rule.ID)); !slices.Equal(got, want) {
		t.Fatalf("unexpected start times %v", got)
	}
}

func TestRemoveExceptionRestoresOccurrence(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	if _, err := f.svc.AddException(ctx, created.Rule.ID, "2099-01-02"); err != nil {
		t.Fatalf("AddException returned error: %v", err)
	}

	res, err := f.svc.RemoveException(ctx, created.Rule.ID, "2099-01-02")
	if err != nil {
		t.Fatalf("RemoveException returned error: %v", err)
	}
	if !res.Regenerated || len(res.Rule.ExceptionDates) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := f.countEvents(t, created.Rule.ID); n != 3 {
		t.Fatalf("expected 3 events, got %d", n)
	}

	// 不存在的例外不会触发重建
	res, err = f.svc.RemoveException(ctx, created.Rule.ID, "2099-01-02")
	if err != nil {
		t.Fatalf("RemoveException returned error: %v", err)
	}
	if res.Regenerated {
		t.Fatal("removing an absent exception should be a no-op")
	}
}

func TestDeleteRuleRemovesAllEvents(t *testing.T) {
	f := setupRecurrenceTest(t, time.Date(2099, 1, 2, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	res, err := f.svc.DeleteRule(ctx, created.Rule.ID)
	if err != nil {
		t.Fatalf("DeleteRule returned error: %v", err)
	}
	if res.EventsDeleted != created.EventsCreated {
		t.Fatalf("expected %d deleted events, got %d", created.EventsCreated, res.EventsDeleted)
	}
	if n := f.countEvents(t, created.Rule.ID); n != 0 {
		t.Fatalf("expected no events left, got %d", n)
	}

	if _, err := f.svc.GetRuleByID(ctx, created.Rule.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
	if _, err := f.svc.DeleteRule(ctx, created.Rule.ID); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound on second delete, got %v", err)
	}
}

func TestGetEventsByRuleIDDefaultsToFuture(t *testing.T) {
	f := setupRecurrenceTest(t, time.Date(2099, 1, 2, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	future, err := f.svc.GetEventsByRuleID(ctx, created.Rule.ID, EventQuery{})
	if err != nil {
		t.Fatalf("GetEventsByRuleID returned error: %v", err)
	}
	if len(future) != 1 || future[0].StartTime != "2099-01-03T09:00:00.000Z" {
		t.Fatalf("unexpected future events %v", startTimes(future))
	}
	if len(f.allEvents(t, created.Rule.ID)) != 3 {
		t.Fatal("expected include_past to return the full series")
	}

	// 过去的日程不安排提醒
	if len(f.recorder.Scheduled()) != 1 {
		t.Fatalf("expected 1 reminder, got %d", len(f.recorder.Scheduled()))
	}
}

func TestListRulesByPet(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	for _, pet := range []string{"pet-1", "pet-1", "pet-2"} {
		input := dailyInput()
		input.PetID = pet
		if _, err := f.svc.CreateRule(ctx, input); err != nil {
			t.Fatalf("CreateRule returned error: %v", err)
		}
	}

	rules, err := f.svc.ListRulesByPet(ctx, "pet-1")
	if err != nil {
		t.Fatalf("ListRulesByPet returned error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
}

func TestSetEventStatus(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	events := f.allEvents(t, created.Rule.ID)

	updated, err := f.svc.SetEventStatus(ctx, events[0].ID, "Cancelled")
	if err != nil {
		t.Fatalf("SetEventStatus returned error: %v", err)
	}
	if updated.Status != db.EventStatusCancelled {
		t.Fatalf("unexpected status %s", updated.Status)
	}
	if _, ok := f.recorder.Scheduled()[events[0].ID]; ok {
		t.Fatal("cancelled event should not keep a reminder")
	}

	if _, err := f.svc.SetEventStatus(ctx, events[0].ID, "snoozed"); !errors.Is(err, ErrInvalidEventStatus) {
		t.Fatalf("expected ErrInvalidEventStatus, got %v", err)
	}
	if _, err := f.svc.SetEventStatus(ctx, "missing", "completed"); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestPreviewRuleDoesNotPersist(t *testing.T) {
	f := setupRecurrenceTest(t, beforeSeries)

	occurrences, err := f.svc.PreviewRule(dailyInput())
	if err != nil {
		t.Fatalf("PreviewRule returned error: %v", err)
	}
	if len(occurrences) != 3 {
		t.Fatalf("expected 3 occurrences, got %d", len(occurrences))
	}

	var rules int64
	f.gdb.Model(&db.RecurrenceRule{}).Count(&rules)
	if rules != 0 {
		t.Fatal("preview must not write")
	}
}

func TestExtendHorizonsContinuesSeries(t *testing.T) {
	start := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	f := setupRecurrenceTest(t, start, WithGenerator(recurrence.Generator{HorizonDays: 10, MaxOccurrences: 1000}))
	ctx := context.Background()

	input := dailyInput()
	input.EndDate = ""

	created, err := f.svc.CreateRule(ctx, input)
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}
	initial := created.EventsCreated
	lastBefore := *created.Rule.LastGeneratedDate

	f.clock.Set(start.AddDate(0, 0, 5))

	added, err := f.svc.ExtendHorizons(ctx)
	if err != nil {
		t.Fatalf("ExtendHorizons returned error: %v", err)
	}
	if added != 5 {
		t.Fatalf("expected 5 new events, got %d", added)
	}

	events := f.allEvents(t, created.Rule.ID)
	if len(events) != initial+5 {
		t.Fatalf("expected %d events, got %d", initial+5, len(events))
	}
	for i, e := range events {
		if *e.SeriesIndex != i {
			t.Fatalf("event %d has series index %d", i, *e.SeriesIndex)
		}
	}
	if events[initial].StartTime[:10] <= lastBefore {
		t.Fatalf("extension overlapped previous horizon: %s <= %s", events[initial].StartTime, lastBefore)
	}

	again, err := f.svc.ExtendHorizons(ctx)
	if err != nil {
		t.Fatalf("ExtendHorizons returned error: %v", err)
	}
	if again != 0 {
		t.Fatalf("second extension should add nothing, got %d", again)
	}
}

func TestMarkMissed(t *testing.T) {
	f := setupRecurrenceTest(t, time.Date(2099, 1, 2, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	created, err := f.svc.CreateRule(ctx, dailyInput())
	if err != nil {
		t.Fatalf("CreateRule returned error: %v", err)
	}

	n, err := f.svc.MarkMissed(ctx, time.Hour)
	if err != nil {
		t.Fatalf("MarkMissed returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 missed events, got %d", n)
	}

	events := f.allEvents(t, created.Rule.ID)
	got := []db.EventStatus{events[0].Status, events[1].Status, events[2].Status}
	want := []db.EventStatus{db.EventStatusMissed, db.EventStatusMissed, db.EventStatusUpcoming}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected statuses %v", got)
	}
}
