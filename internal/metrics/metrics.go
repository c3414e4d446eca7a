package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// 交易所 REST 指标
	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_api_latency_seconds",
			Help:    "交易所 REST 请求延迟",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"endpoint", "status"},
	)

	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_error_count_total",
			Help: "错误计数（按错误类型）",
		},
		[]string{"kind", "endpoint"},
	)

	// 查询指标
	QueryCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_query_total",
			Help: "查询次数（按数据来源）",
		},
		[]string{"query", "source"},
	)

	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_query_duration_seconds",
			Help:    "查询耗时（含降级）",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	CacheEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_events_total",
			Help: "缓存命中/未命中/降级读取",
		},
		[]string{"event"},
	)

	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_cache_entries",
			Help: "缓存条目数",
		},
	)

	// 限流指标
	LimiterThrottled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_limiter_throttled",
			Help: "限流状态 (0=开放, 1=限流)",
		},
	)

	LimiterBackoff = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_limiter_backoff_seconds",
			Help: "当前退避时长",
		},
	)

	LimiterRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_limiter_remaining",
			Help: "交易所返回的剩余配额",
		},
	)

	// 订阅通道指标
	StreamState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_stream_state",
			Help: "订阅通道状态 (0=断开, 1=连接中, 2=已连接, 3=重连中, 4=终止)",
		},
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_stream_reconnects_total",
			Help: "订阅通道重连次数",
		},
	)

	StreamMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_messages_total",
			Help: "订阅消息数（known=false 表示未订阅主题）",
		},
		[]string{"topic", "known"},
	)

	// 健康检查
	HealthUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_exchange_up",
			Help: "交易所连通性 (1=正常, 0=异常)",
		},
	)

	ClockOffset = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_clock_offset_seconds",
			Help: "本地与交易所时钟偏移",
		},
	)

	OrderCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_orders_total",
			Help: "写操作次数",
		},
		[]string{"action", "result"},
	)
)

func init() {
	// 注册所有指标
	prometheus.MustRegister(
		APILatency,
		ErrorCount,
		QueryCount,
		QueryLatency,
		CacheEvents,
		CacheEntries,
		LimiterThrottled,
		LimiterBackoff,
		LimiterRemaining,
		StreamState,
		StreamReconnects,
		StreamMessages,
		HealthUp,
		ClockOffset,
		OrderCount,
	)
}

// StartMetricsServer 启动Prometheus监控服务器，并返回实际监听端口
func StartMetricsServer(port int) (int, error) {
	if port < 0 {
		port = 0
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s failed: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port

	log.Info().Int("port", actualPort).Msg("启动Prometheus监控服务器")

	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Prometheus服务器启动失败")
		}
	}()

	return actualPort, nil
}

// RecordAPICall 记录一次 REST 调用
func RecordAPICall(endpoint string, status int, seconds float64, errKind string) {
	label := "error"
	if status > 0 {
		label = fmt.Sprintf("%d", status)
	}
	APILatency.WithLabelValues(endpoint, label).Observe(seconds)
	if errKind != "" {
		ErrorCount.WithLabelValues(errKind, endpoint).Inc()
	}
}

// RecordQuery 记录查询结果来源
func RecordQuery(query, source string, seconds float64) {
	QueryCount.WithLabelValues(query, source).Inc()
	QueryLatency.WithLabelValues(query).Observe(seconds)
}

// RecordCacheEvent hit / miss / stale
func RecordCacheEvent(event string) {
	CacheEvents.WithLabelValues(event).Inc()
}

// UpdateCacheEntries 更新缓存条目数
func UpdateCacheEntries(n int) {
	CacheEntries.Set(float64(n))
}

// UpdateLimiterMetrics 更新限流指标
func UpdateLimiterMetrics(throttled bool, backoffSeconds float64, remaining int) {
	v := 0.0
	if throttled {
		v = 1.0
	}
	LimiterThrottled.Set(v)
	LimiterBackoff.Set(backoffSeconds)
	if remaining >= 0 {
		LimiterRemaining.Set(float64(remaining))
	}
}

// RecordStreamState 订阅通道状态变化
func RecordStreamState(state int) {
	StreamState.Set(float64(state))
}

// RecordStreamReconnect 重连
func RecordStreamReconnect() {
	StreamReconnects.Inc()
}

// RecordStreamMessage 记录订阅消息
func RecordStreamMessage(topic string, known bool) {
	k := "true"
	if !known {
		k = "false"
		topic = "unknown"
	}
	StreamMessages.WithLabelValues(topic, k).Inc()
}

// RecordHealth 更新连通性
func RecordHealth(up bool, offsetSeconds float64) {
	v := 0.0
	if up {
		v = 1.0
	}
	HealthUp.Set(v)
	ClockOffset.Set(offsetSeconds)
}

// RecordOrder 记录下单/撤单
func RecordOrder(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OrderCount.WithLabelValues(action, result).Inc()
}
