package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 事件删除原因
const (
	ReasonRegenerate = "regenerate"
	ReasonException  = "exception"
	ReasonRuleDelete = "rule_delete"
)

var (
	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	// 规则与日程
	RulesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rules_created_total",
			Help: "Total number of recurrence rules created",
		},
	)

	EventsGeneratedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_generated_total",
			Help: "Total number of events materialized from recurrence rules",
		},
	)

	EventsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_deleted_total",
			Help: "Total number of events deleted by reason",
		},
		[]string{"reason"}, // regenerate, exception, rule_delete
	)

	RegenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "regeneration_duration_seconds",
			Help:    "Duration of rule regeneration transactions",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)
)

// Middleware 记录请求数与耗时，路径使用路由模板避免高基数
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler 暴露 /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// TrackRuleCreated 记录一次规则创建及其生成的日程数
func TrackRuleCreated(events int) {
	RulesCreatedTotal.Inc()
	TrackEventsGenerated(events)
}

// TrackEventsGenerated 累加生成的日程数
func TrackEventsGenerated(n int) {
	if n > 0 {
		EventsGeneratedTotal.Add(float64(n))
	}
}

// TrackEventsDeleted 按原因累加删除的日程数
func TrackEventsDeleted(reason string, n int) {
	if n > 0 {
		EventsDeletedTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// TrackRegeneration 返回计时器，调用方在结束时 ObserveDuration
func TrackRegeneration() *prometheus.Timer {
	return prometheus.NewTimer(RegenerationDuration)
}
