package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pawtrack/internal/config"
	"github.com/pawtrack/internal/datetime"
	"github.com/pawtrack/internal/db"
	"github.com/pawtrack/internal/recurrence"
	"github.com/pawtrack/internal/service"
	"gorm.io/gorm"
)

// 测试数据生成器
func main() {
	cfg := config.Load()
	datetime.SetDeviceTimezone(cfg.DeviceTimezone)

	// 初始化数据库
	if err := db.Init(cfg.DatabasePath); err != nil {
		log.Fatal("数据库初始化失败:", err)
	}
	defer db.Close()

	fmt.Println("开始生成测试数据...")

	rules := service.NewRecurrenceService(db.DB, service.WithGenerator(recurrence.Generator{
		HorizonDays:    cfg.HorizonDays,
		MaxOccurrences: cfg.MaxOccurrences,
	}))

	created, events, err := createTestRules(context.Background(), db.DB, rules, time.Now())
	if err != nil {
		log.Fatal("生成测试规则失败:", err)
	}

	fmt.Println("测试数据生成完成！")
	fmt.Printf("规则: %d 条，日程: %d 个\n", created, events)
	fmt.Println("宠物: pet-mochi、pet-taro")
}

// testRuleInputs 返回以 today 为起点的示例规则
func testRuleInputs(today string) []service.RuleInput {
	tz := datetime.DeviceTimezone()
	return []service.RuleInput{
		{
			PetID:           "pet-mochi",
			Title:           "早晚喂食",
			Type:            "feeding",
			Notes:           "每次 **40g** 干粮",
			ReminderEnabled: true,
			ReminderPreset:  "15m",
			Frequency:       "times_per_day",
			Interval:        1,
			DailyTimes:      []string{"08:00", "19:30"},
			Timezone:        tz,
			StartDate:       today,
		},
		{
			PetID:           "pet-mochi",
			Title:           "驱虫药",
			Type:            "medication",
			ReminderEnabled: true,
			ReminderPreset:  "standard",
			Frequency:       "monthly",
			Interval:        1,
			DayOfMonth:      1,
			DailyTimes:      []string{"09:00"},
			Timezone:        tz,
			StartDate:       today,
			Count:           6,
		},
		{
			PetID:      "pet-taro",
			Title:      "散步",
			Type:       "walk",
			Frequency:  "weekly",
			Interval:   1,
			DaysOfWeek: []int{1, 3, 5},
			DailyTimes: []string{"18:00"},
			Timezone:   tz,
			StartDate:  today,
		},
		{
			PetID:           "pet-taro",
			Title:           "疫苗加强针",
			Type:            "vet",
			Notes:           "带上疫苗本",
			ReminderEnabled: true,
			ReminderPreset:  "1d",
			Frequency:       "yearly",
			Interval:        1,
			Timezone:        tz,
			StartDate:       today,
		},
	}
}

// createTestRules 写入示例规则，已有规则时跳过
func createTestRules(ctx context.Context, gdb *gorm.DB, rules *service.RecurrenceService, now time.Time) (int, int, error) {
	var count int64
	if err := gdb.WithContext(ctx).Model(&db.RecurrenceRule{}).Count(&count).Error; err != nil {
		return 0, 0, err
	}
	if count > 0 {
		fmt.Println("规则已存在，跳过创建")
		return 0, 0, nil
	}

	today := datetime.FormatDateInTimeZone(now, datetime.DeviceTimezone())
	created, events := 0, 0
	for _, input := range testRuleInputs(today) {
		result, err := rules.CreateRule(ctx, input)
		if err != nil {
			return created, events, fmt.Errorf("create rule %q: %w", input.Title, err)
		}
		created++
		events += result.EventsCreated
	}

	fmt.Println("✅ 测试规则创建完成")
	return created, events, nil
}
