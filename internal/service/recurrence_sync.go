package service

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/pawtrack/internal/datetime"
	"github.com/pawtrack/internal/db"
	"github.com/pawtrack/internal/metrics"
	"github.com/pawtrack/internal/recurrence"
	"gorm.io/gorm"
)

type syncOutcome struct {
	created    []db.Event
	deletedIDs []string
}

// resync 删除规则尚未开始且未完成的日程，若规则启用则按当前定义补齐。
// 已过去或已完成的日程保持不动，重建时跳过它们占用的时刻。
// 新序号总是大于此前已有日程的最大序号。
func (s *RecurrenceService) resync(tx *gorm.DB, row *db.RecurrenceRule, rule recurrence.Rule, now time.Time) (syncOutcome, error) {
	var out syncOutcome
	nowISO := datetime.FormatISO(now)

	if err := tx.Model(&db.Event{}).
		Where("recurrence_rule_id = ? AND start_time >= ? AND status <> ?", row.ID, nowISO, db.EventStatusCompleted).
		Pluck("id", &out.deletedIDs).Error; err != nil {
		return out, fmt.Errorf("list future events: %w", err)
	}
	if len(out.deletedIDs) > 0 {
		if err := tx.Where("id IN ?", out.deletedIDs).Delete(&db.Event{}).Error; err != nil {
			return out, fmt.Errorf("delete future events: %w", err)
		}
	}

	if !row.IsActive {
		return out, nil
	}

	occupied, err := occupiedStarts(tx, row.ID, nowISO)
	if err != nil {
		return out, err
	}

	today := datetime.LocalDateKey(now, row.Timezone)
	occurrences, err := s.gen.Expand(rule, recurrence.Window{From: shiftDateKey(today, -1), Anchor: today})
	if err != nil {
		return out, err
	}

	future := make([]recurrence.Occurrence, 0, len(occurrences))
	for _, occ := range occurrences {
		if !occ.Start.Before(now) {
			future = append(future, occ)
		}
	}
	if len(future) == 0 {
		return out, markGenerated(tx, row, occurrences)
	}

	offset, err := indexOffset(tx, row.ID, nowISO, future[0].Index)
	if err != nil {
		return out, err
	}

	for _, occ := range future {
		index := occ.Index + offset
		if kept, taken := occupied[datetime.FormatISO(occ.Start)]; taken {
			if err := kept.reindex(tx, index); err != nil {
				return out, err
			}
			continue
		}
		out.created = append(out.created, db.NewSeriesEvent(row, index, occ.Start))
	}
	if len(out.created) > 0 {
		if err := tx.CreateInBatches(&out.created, insertBatchSize).Error; err != nil {
			return out, fmt.Errorf("insert events: %w", err)
		}
	}

	return out, markGenerated(tx, row, occurrences)
}

// ExtendHorizons 为没有结束条件的启用规则补齐视野内的新日程，返回新建数量
func (s *RecurrenceService) ExtendHorizons(ctx context.Context) (int, error) {
	var rows []db.RecurrenceRule
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND end_date IS NULL AND occurrence_count = 0", true).
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("list open-ended rules: %w", err)
	}

	now := s.now()
	total := 0
	for i := range rows {
		created, err := s.extendRule(ctx, &rows[i], now)
		if err != nil {
			log.Printf("[recurrence] extend rule %s failed: %v", rows[i].ID, err)
			continue
		}
		total += created
	}

	if total > 0 {
		log.Printf("[recurrence] extended %d rules with %d new events", len(rows), total)
	}
	return total, nil
}

func (s *RecurrenceService) extendRule(ctx context.Context, row *db.RecurrenceRule, now time.Time) (int, error) {
	rule, err := row.ToRule()
	if err != nil {
		return 0, err
	}

	today := datetime.LocalDateKey(now, row.Timezone)
	from := shiftDateKey(today, -1)
	if row.LastGeneratedDate != nil && *row.LastGeneratedDate > from {
		from = *row.LastGeneratedDate
	}

	occurrences, err := s.gen.Expand(rule, recurrence.Window{From: from, Anchor: today})
	if err != nil {
		return 0, err
	}

	fresh := make([]recurrence.Occurrence, 0, len(occurrences))
	for _, occ := range occurrences {
		if occ.Start.Before(now) {
			continue
		}
		if row.LastGeneratedDate != nil && occ.DateKey <= *row.LastGeneratedDate {
			continue
		}
		fresh = append(fresh, occ)
	}

	var created []db.Event
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(fresh) == 0 {
			return nil
		}
		nowISO := datetime.FormatISO(now)
		occupied, err := occupiedStarts(tx, row.ID, nowISO)
		if err != nil {
			return err
		}
		offset, err := indexOffset(tx, row.ID, datetime.FormatISO(fresh[0].Start), fresh[0].Index)
		if err != nil {
			return err
		}

		for _, occ := range fresh {
			if _, taken := occupied[datetime.FormatISO(occ.Start)]; taken {
				continue
			}
			created = append(created, db.NewSeriesEvent(row, occ.Index+offset, occ.Start))
		}
		if len(created) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(&created, insertBatchSize).Error; err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
		if last := occurrences[len(occurrences)-1].DateKey; row.LastGeneratedDate != nil && *row.LastGeneratedDate >= last {
			return nil
		}
		return markGenerated(tx, row, occurrences)
	})
	if err != nil {
		return 0, err
	}

	metrics.TrackEventsGenerated(len(created))
	s.scheduleReminders(ctx, created, now)
	if len(created) > 0 {
		s.cache.invalidatePet(row.PetID)
	}
	return len(created), nil
}

// MarkMissed 把开始时间早于 now-grace 且仍为 upcoming 的日程标记为 missed
func (s *RecurrenceService) MarkMissed(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := datetime.FormatISO(s.now().Add(-grace))

	res := s.db.WithContext(ctx).
		Model(&db.Event{}).
		Where("status = ? AND start_time < ?", db.EventStatusUpcoming, cutoff).
		Update("status", db.EventStatusMissed)
	if res.Error != nil {
		return 0, fmt.Errorf("mark missed events: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		log.Printf("[recurrence] marked %d events as missed", res.RowsAffected)
		s.cache.reset()
	}
	return res.RowsAffected, nil
}

// deleteEventsOnLocalDate 删除规则在 dateKey 这一本地日期上的全部日程，返回被删除的 ID
func deleteEventsOnLocalDate(tx *gorm.DB, row *db.RecurrenceRule, dateKey string) ([]string, error) {
	day, err := datetime.ParseDateKey(dateKey)
	if err != nil {
		return nil, err
	}

	// 时区偏移不超过 ±14h，先按 UTC 粗筛再精确比较本地日期
	lower := datetime.FormatISO(day.Add(-24 * time.Hour))
	upper := datetime.FormatISO(day.Add(48 * time.Hour))

	var candidates []db.Event
	if err := tx.Where("recurrence_rule_id = ? AND start_time >= ? AND start_time < ?", row.ID, lower, upper).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("list events near %s: %w", dateKey, err)
	}

	var ids []string
	for i := range candidates {
		start, err := candidates[i].Start()
		if err != nil {
			continue
		}
		if datetime.LocalDateKey(start, row.Timezone) == dateKey {
			ids = append(ids, candidates[i].ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	if err := tx.Where("id IN ?", ids).Delete(&db.Event{}).Error; err != nil {
		return nil, fmt.Errorf("delete events on %s: %w", dateKey, err)
	}
	return ids, nil
}

// retainedEvent 是重建时保留下来的未来日程（已完成）
type retainedEvent struct {
	ID          string
	SeriesIndex *int
}

// reindex 让保留的日程使用它在新序列中的位置
func (e retainedEvent) reindex(tx *gorm.DB, index int) error {
	if e.SeriesIndex != nil && *e.SeriesIndex == index {
		return nil
	}
	if err := tx.Model(&db.Event{}).Where("id = ?", e.ID).Update("series_index", index).Error; err != nil {
		return fmt.Errorf("reindex event %s: %w", e.ID, err)
	}
	return nil
}

func occupiedStarts(tx *gorm.DB, ruleID, fromISO string) (map[string]retainedEvent, error) {
	var rows []db.Event
	if err := tx.Select("id", "series_index", "start_time").
		Where("recurrence_rule_id = ? AND start_time >= ?", ruleID, fromISO).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list retained events: %w", err)
	}

	occupied := make(map[string]retainedEvent, len(rows))
	for _, row := range rows {
		occupied[row.StartTime] = retainedEvent{ID: row.ID, SeriesIndex: row.SeriesIndex}
	}
	return occupied, nil
}

// indexOffset 返回新日程序号的偏移量，使其大于规则在 beforeISO 之前已有日程的最大序号
func indexOffset(tx *gorm.DB, ruleID, beforeISO string, firstIndex int) (int, error) {
	var highest sql.NullInt64
	if err := tx.Model(&db.Event{}).
		Select("MAX(series_index)").
		Where("recurrence_rule_id = ? AND start_time < ?", ruleID, beforeISO).
		Row().Scan(&highest); err != nil {
		return 0, fmt.Errorf("find highest series index: %w", err)
	}
	if !highest.Valid || int(highest.Int64) < firstIndex {
		return 0, nil
	}
	return int(highest.Int64) + 1 - firstIndex, nil
}

// markGenerated 记录已生成到的最后一个日期
func markGenerated(tx *gorm.DB, row *db.RecurrenceRule, occurrences []recurrence.Occurrence) error {
	if len(occurrences) == 0 {
		return nil
	}
	last := occurrences[len(occurrences)-1].DateKey
	if err := tx.Model(row).Update("last_generated_date", last).Error; err != nil {
		return fmt.Errorf("update last generated date: %w", err)
	}
	row.LastGeneratedDate = &last
	return nil
}

func shiftDateKey(key string, days int) string {
	day, err := datetime.ParseDateKey(key)
	if err != nil {
		return key
	}
	return day.AddDate(0, 0, days).Format(datetime.DateLayout)
}
