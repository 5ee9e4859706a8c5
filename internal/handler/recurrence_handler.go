package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pawtrack/internal/datetime"
	"github.com/pawtrack/internal/db"
	"github.com/pawtrack/internal/locale"
	"github.com/pawtrack/internal/recurrence"
	"github.com/pawtrack/internal/service"
)

type rulePayload struct {
	PetID           string   `json:"petId" binding:"required"`
	Title           string   `json:"title" binding:"max=200"`
	Type            string   `json:"type" binding:"max=64"`
	Notes           string   `json:"notes"`
	ReminderEnabled bool     `json:"reminderEnabled"`
	ReminderPreset  string   `json:"reminderPreset" binding:"omitempty,oneof=at_time 5m 15m 30m 1h 1d standard"`
	Frequency       string   `json:"frequency" binding:"required,oneof=daily weekly monthly yearly custom times_per_day"`
	Interval        *int     `json:"interval" binding:"omitempty,min=1,max=1000"`
	DailyTimes      []string `json:"dailyTimes" binding:"omitempty,dive,hhmm"`
	DaysOfWeek      []int    `json:"daysOfWeek" binding:"omitempty,dive,min=0,max=6"`
	DayOfMonth      int      `json:"dayOfMonth" binding:"omitempty,min=-1,max=31"`
	MonthOfYear     int      `json:"monthOfYear" binding:"omitempty,min=1,max=12"`
	CustomDates     []string `json:"customDates" binding:"omitempty,dive,datekey"`
	Timezone        string   `json:"timezone" binding:"required,iana"`
	StartDate       string   `json:"startDate" binding:"required,datekey"`
	EndDate         string   `json:"endDate" binding:"omitempty,datekey"`
	Count           int      `json:"count" binding:"omitempty,min=0"`
	ExceptionDates  []string `json:"exceptionDates" binding:"omitempty,dive,datekey"`
	IsActive        *bool    `json:"isActive"`
}

type rulePatchPayload struct {
	Title           *string   `json:"title" binding:"omitempty,max=200"`
	Type            *string   `json:"type" binding:"omitempty,max=64"`
	Notes           *string   `json:"notes"`
	ReminderEnabled *bool     `json:"reminderEnabled"`
	ReminderPreset  *string   `json:"reminderPreset" binding:"omitempty,oneof=at_time 5m 15m 30m 1h 1d standard"`
	Frequency       *string   `json:"frequency" binding:"omitempty,oneof=daily weekly monthly yearly custom times_per_day"`
	Interval        *int      `json:"interval" binding:"omitempty,min=1,max=1000"`
	DailyTimes      *[]string `json:"dailyTimes" binding:"omitempty,dive,hhmm"`
	DaysOfWeek      *[]int    `json:"daysOfWeek" binding:"omitempty,dive,min=0,max=6"`
	DayOfMonth      *int      `json:"dayOfMonth" binding:"omitempty,min=-1,max=31"`
	MonthOfYear     *int      `json:"monthOfYear" binding:"omitempty,min=0,max=12"`
	CustomDates     *[]string `json:"customDates" binding:"omitempty,dive,datekey"`
	Timezone        *string   `json:"timezone" binding:"omitempty,iana"`
	StartDate       *string   `json:"startDate" binding:"omitempty,datekey"`
	EndDate         *string   `json:"endDate"`
	Count           *int      `json:"count" binding:"omitempty,min=0"`
	ExceptionDates  *[]string `json:"exceptionDates" binding:"omitempty,dive,datekey"`
	IsActive        *bool     `json:"isActive"`
}

type exceptionPayload struct {
	Date string `json:"date" binding:"required,datekey"`
}

type statusPayload struct {
	Status string `json:"status" binding:"required"`
}

type ruleJSON struct {
	ID                string   `json:"id"`
	PetID             string   `json:"petId"`
	Title             string   `json:"title"`
	Type              string   `json:"type"`
	Notes             string   `json:"notes"`
	NotesHTML         string   `json:"notesHtml,omitempty"`
	ReminderEnabled   bool     `json:"reminderEnabled"`
	ReminderPreset    string   `json:"reminderPreset"`
	Frequency         string   `json:"frequency"`
	Interval          int      `json:"interval"`
	DailyTimes        []string `json:"dailyTimes"`
	DaysOfWeek        []int    `json:"daysOfWeek,omitempty"`
	DayOfMonth        int      `json:"dayOfMonth,omitempty"`
	MonthOfYear       int      `json:"monthOfYear,omitempty"`
	CustomDates       []string `json:"customDates,omitempty"`
	Timezone          string   `json:"timezone"`
	StartDate         string   `json:"startDate"`
	EndDate           *string  `json:"endDate"`
	Count             int      `json:"count"`
	ExceptionDates    []string `json:"exceptionDates"`
	IsActive          bool     `json:"isActive"`
	LastGeneratedDate *string  `json:"lastGeneratedDate"`
	CreatedAt         string   `json:"createdAt"`
	UpdatedAt         string   `json:"updatedAt"`
}

type eventJSON struct {
	ID               string  `json:"id"`
	PetID            string  `json:"petId"`
	RecurrenceRuleID *string `json:"recurrenceRuleId"`
	SeriesIndex      *int    `json:"seriesIndex"`
	Title            string  `json:"title"`
	Type             string  `json:"type"`
	Notes            string  `json:"notes"`
	ReminderEnabled  bool    `json:"reminderEnabled"`
	ReminderPreset   string  `json:"reminderPreset"`
	StartTime        string  `json:"startTime"`
	LocalDate        string  `json:"localDate,omitempty"`
	LocalTime        string  `json:"localTime,omitempty"`
	Status           string  `json:"status"`
}

type occurrenceJSON struct {
	Index     int    `json:"index"`
	Date      string `json:"date"`
	Time      string `json:"time"`
	StartTime string `json:"startTime"`
}

// CreateRule 创建规则并生成日程
func (a *API) CreateRule(c *gin.Context) {
	var payload rulePayload
	if !bindJSON(c, &payload) {
		return
	}

	result, err := a.rules.CreateRule(c.Request.Context(), payload.toInput())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"rule":          serializeRule(result.Rule),
		"eventsCreated": result.EventsCreated,
	})
}

// PreviewRule 返回规则展开后的时刻，不落库
func (a *API) PreviewRule(c *gin.Context) {
	var payload rulePayload
	if !bindJSON(c, &payload) {
		return
	}

	occurrences, err := a.rules.PreviewRule(payload.toInput())
	if err != nil {
		respondServiceError(c, err)
		return
	}

	items := make([]occurrenceJSON, 0, len(occurrences))
	for _, occ := range occurrences {
		items = append(items, occurrenceJSON{
			Index:     occ.Index,
			Date:      occ.DateKey,
			Time:      occ.WallTime,
			StartTime: datetime.FormatISO(occ.Start),
		})
	}
	c.JSON(http.StatusOK, gin.H{"occurrences": items})
}

// GetRule 返回单条规则
func (a *API) GetRule(c *gin.Context) {
	rule, err := a.rules.GetRuleByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rule": serializeRule(rule)})
}

// UpdateRule 部分更新规则
func (a *API) UpdateRule(c *gin.Context) {
	var payload rulePatchPayload
	if !bindJSON(c, &payload) {
		return
	}

	result, err := a.rules.UpdateRule(c.Request.Context(), c.Param("id"), payload.toPatch())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondUpdate(c, result)
}

// RegenerateRule 强制重建未来日程
func (a *API) RegenerateRule(c *gin.Context) {
	result, err := a.rules.RegenerateRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondUpdate(c, result)
}

// DeleteRule 删除规则及其全部日程
func (a *API) DeleteRule(c *gin.Context) {
	result, err := a.rules.DeleteRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       locale.Message(requestLanguage(c), locale.MsgRuleDeleted),
		"eventsDeleted": result.EventsDeleted,
	})
}

// AddException 为规则添加例外日期
func (a *API) AddException(c *gin.Context) {
	var payload exceptionPayload
	if !bindJSON(c, &payload) {
		return
	}

	result, err := a.rules.AddException(c.Request.Context(), c.Param("id"), payload.Date)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	key := locale.MsgExceptionAdded
	if result.AlreadyExcepted {
		key = locale.MsgExceptionExists
	}
	c.JSON(http.StatusOK, gin.H{
		"message":         locale.Message(requestLanguage(c), key),
		"eventsDeleted":   result.EventsDeleted,
		"alreadyExcepted": result.AlreadyExcepted,
	})
}

// RemoveException 移除例外日期
func (a *API) RemoveException(c *gin.Context) {
	result, err := a.rules.RemoveException(c.Request.Context(), c.Param("id"), c.Param("date"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondUpdate(c, result)
}

// ListRuleEvents 返回规则的日程，include_past=true 时包含已过去的
func (a *API) ListRuleEvents(c *gin.Context) {
	query := service.EventQuery{IncludePast: queryBool(c, "include_past")}
	events, err := a.rules.GetEventsByRuleID(c.Request.Context(), c.Param("id"), query)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	items := make([]eventJSON, 0, len(events))
	for _, event := range events {
		items = append(items, serializeEvent(event, ""))
	}
	c.JSON(http.StatusOK, gin.H{"events": items})
}

// ListPetRules 返回宠物的全部规则
func (a *API) ListPetRules(c *gin.Context) {
	rules, err := a.rules.ListRulesByPet(c.Request.Context(), c.Param("petId"))
	if err != nil {
		respondServiceError(c, err)
		return
	}

	items := make([]ruleJSON, 0, len(rules))
	for i := range rules {
		items = append(items, serializeRule(&rules[i]))
	}
	c.JSON(http.StatusOK, gin.H{"rules": items})
}

// ListPetUpcoming 返回宠物即将到来的日程，按本地日期分组
func (a *API) ListPetUpcoming(c *gin.Context) {
	tz := datetime.ResolveEffectiveTimezone(c.Query("timezone"))
	query := service.UpcomingQuery{
		Timezone: tz,
		Days:     queryInt(c, "days"),
		Limit:    queryInt(c, "limit"),
	}

	days, err := a.rules.ListUpcomingByPet(c.Request.Context(), c.Param("petId"), query)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	groups := make([]gin.H, 0, len(days))
	for _, day := range days {
		events := make([]eventJSON, 0, len(day.Events))
		for _, event := range day.Events {
			events = append(events, serializeEvent(event, tz))
		}
		groups = append(groups, gin.H{"date": day.DateKey, "events": events})
	}

	c.JSON(http.StatusOK, gin.H{"timezone": tz, "days": groups})
}

// SetEventStatus 修改单个日程的状态
func (a *API) SetEventStatus(c *gin.Context) {
	var payload statusPayload
	if !bindJSON(c, &payload) {
		return
	}

	event, err := a.rules.SetEventStatus(c.Request.Context(), c.Param("id"), payload.Status)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": serializeEvent(*event, "")})
}

func respondUpdate(c *gin.Context, result *service.UpdateRuleResult) {
	c.JSON(http.StatusOK, gin.H{
		"rule":          serializeRule(result.Rule),
		"eventsUpdated": result.EventsUpdated,
		"eventsDeleted": result.EventsDeleted,
		"regenerated":   result.Regenerated,
	})
}

func (p rulePayload) toInput() service.RuleInput {
	interval := 1
	if p.Interval != nil {
		interval = *p.Interval
	}
	return service.RuleInput{
		PetID:           p.PetID,
		Title:           p.Title,
		Type:            p.Type,
		Notes:           p.Notes,
		ReminderEnabled: p.ReminderEnabled,
		ReminderPreset:  p.ReminderPreset,
		Frequency:       p.Frequency,
		Interval:        interval,
		DailyTimes:      p.DailyTimes,
		DaysOfWeek:      p.DaysOfWeek,
		DayOfMonth:      p.DayOfMonth,
		MonthOfYear:     p.MonthOfYear,
		CustomDates:     p.CustomDates,
		Timezone:        p.Timezone,
		StartDate:       p.StartDate,
		EndDate:         p.EndDate,
		Count:           p.Count,
		ExceptionDates:  p.ExceptionDates,
		IsActive:        p.IsActive,
	}
}

func (p rulePatchPayload) toPatch() service.RulePatch {
	return service.RulePatch{
		Title:           p.Title,
		Type:            p.Type,
		Notes:           p.Notes,
		ReminderEnabled: p.ReminderEnabled,
		ReminderPreset:  p.ReminderPreset,
		Frequency:       p.Frequency,
		Interval:        p.Interval,
		DailyTimes:      p.DailyTimes,
		DaysOfWeek:      p.DaysOfWeek,
		DayOfMonth:      p.DayOfMonth,
		MonthOfYear:     p.MonthOfYear,
		CustomDates:     p.CustomDates,
		Timezone:        p.Timezone,
		StartDate:       p.StartDate,
		EndDate:         p.EndDate,
		Count:           p.Count,
		ExceptionDates:  p.ExceptionDates,
		IsActive:        p.IsActive,
	}
}

func serializeRule(rule *db.RecurrenceRule) ruleJSON {
	times := []string(rule.DailyTimes)
	if len(times) == 0 {
		times = []string{recurrence.DefaultTime}
	}
	return ruleJSON{
		ID:                rule.ID,
		PetID:             rule.PetID,
		Title:             rule.Title,
		Type:              rule.Type,
		Notes:             rule.Notes,
		NotesHTML:         renderNotes(rule.Notes),
		ReminderEnabled:   rule.ReminderEnabled,
		ReminderPreset:    rule.ReminderPreset,
		Frequency:         rule.Frequency,
		Interval:          rule.Interval,
		DailyTimes:        times,
		DaysOfWeek:        []int(rule.DaysOfWeek),
		DayOfMonth:        rule.DayOfMonth,
		MonthOfYear:       rule.MonthOfYear,
		CustomDates:       []string(rule.CustomDates),
		Timezone:          rule.Timezone,
		StartDate:         rule.StartDate,
		EndDate:           rule.EndDate,
		Count:             rule.OccurrenceCount,
		ExceptionDates:    nonNilStrings([]string(rule.ExceptionDates)),
		IsActive:          rule.IsActive,
		LastGeneratedDate: rule.LastGeneratedDate,
		CreatedAt:         datetime.FormatISO(rule.CreatedAt),
		UpdatedAt:         datetime.FormatISO(rule.UpdatedAt),
	}
}

// serializeEvent 在 tz 非空时附带本地日期与时间
func serializeEvent(event db.Event, tz string) eventJSON {
	out := eventJSON{
		ID:               event.ID,
		PetID:            event.PetID,
		RecurrenceRuleID: event.RecurrenceRuleID,
		SeriesIndex:      event.SeriesIndex,
		Title:            event.Title,
		Type:             event.Type,
		Notes:            event.Notes,
		ReminderEnabled:  event.ReminderEnabled,
		ReminderPreset:   event.ReminderPreset,
		StartTime:        event.StartTime,
		Status:           string(event.Status),
	}
	if strings.TrimSpace(tz) == "" {
		return out
	}
	if start, err := event.Start(); err == nil {
		out.LocalDate = datetime.FormatDateInTimeZone(start, tz)
		out.LocalTime = datetime.FormatTimeInTimeZone(start, tz)
	}
	return out
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
