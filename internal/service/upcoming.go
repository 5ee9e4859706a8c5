package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pawtrack/internal/datetime"
	"github.com/pawtrack/internal/db"
)

const (
	defaultCacheTTL     = 30 * time.Second
	defaultUpcomingDays = 7
	maxUpcomingDays     = 366
)

// UpcomingQuery 描述即将到来日程的查询范围
type UpcomingQuery struct {
	// Timezone 用于按本地日期分组，非法或为空时回退到设备时区
	Timezone string
	Days     int
	// Limit 为 0 表示不限制条数
	Limit int
}

// UpcomingDay 是同一本地日期下的日程
type UpcomingDay struct {
	DateKey string
	Events  []db.Event
}

// UpcomingCacheKey 返回缓存键。等价的时区输入（包括非法时区回退后）得到同一个键。
func UpcomingCacheKey(petID, tz string) string {
	return strings.TrimSpace(petID) + "|" + datetime.ResolveEffectiveTimezone(tz)
}

// ListUpcomingByPet 返回从现在起 Days 天内未进入终态的日程，按本地日期分组。
// 返回值可能来自缓存，调用方不应修改。
func (s *RecurrenceService) ListUpcomingByPet(ctx context.Context, petID string, query UpcomingQuery) ([]UpcomingDay, error) {
	days := query.Days
	if days <= 0 {
		days = defaultUpcomingDays
	}
	if days > maxUpcomingDays {
		days = maxUpcomingDays
	}
	limit := max(query.Limit, 0)

	tz := datetime.ResolveEffectiveTimezone(query.Timezone)
	key := UpcomingCacheKey(petID, tz)
	now := s.now()

	if cached, ok := s.cache.get(key, days, limit, now); ok {
		return cached, nil
	}

	q := s.db.WithContext(ctx).
		Where("pet_id = ? AND status = ?", strings.TrimSpace(petID), db.EventStatusUpcoming).
		Where("start_time >= ? AND start_time < ?", datetime.FormatISO(now), datetime.FormatISO(now.AddDate(0, 0, days))).
		Order("start_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var events []db.Event
	if err := q.Find(&events).Error; err != nil {
		return nil, fmt.Errorf("list upcoming events: %w", err)
	}

	grouped := groupByLocalDate(events, tz)
	s.cache.put(key, days, limit, now, grouped)
	return grouped, nil
}

func groupByLocalDate(events []db.Event, tz string) []UpcomingDay {
	groups := make([]UpcomingDay, 0)
	for _, event := range events {
		start, err := event.Start()
		if err != nil {
			continue
		}
		key := datetime.LocalDateKey(start, tz)
		if n := len(groups); n > 0 && groups[n-1].DateKey == key {
			groups[n-1].Events = append(groups[n-1].Events, event)
			continue
		}
		groups = append(groups, UpcomingDay{DateKey: key, Events: []db.Event{event}})
	}
	return groups
}

type upcomingEntry struct {
	days     int
	limit    int
	storedAt time.Time
	result   []UpcomingDay
}

// upcomingCache 是进程内的短时缓存，任何写操作都会按宠物失效
type upcomingCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]upcomingEntry
}

func newUpcomingCache(ttl time.Duration) *upcomingCache {
	return &upcomingCache{ttl: ttl, entries: make(map[string]upcomingEntry)}
}

func (c *upcomingCache) get(key string, days, limit int, now time.Time) ([]UpcomingDay, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.days != days || entry.limit != limit {
		return nil, false
	}
	if c.ttl <= 0 || now.Sub(entry.storedAt) >= c.ttl || now.Before(entry.storedAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result, true
}

func (c *upcomingCache) put(key string, days, limit int, now time.Time, result []UpcomingDay) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = upcomingEntry{days: days, limit: limit, storedAt: now, result: result}
}

func (c *upcomingCache) invalidatePet(petID string) {
	prefix := strings.TrimSpace(petID) + "|"
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

func (c *upcomingCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}
