package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "result"}, // result: ok, error, panic
	)

	// 投递 RPC 调用延迟（毫秒）
	RPCCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_rpc_call_latency_ms",
			Help:    "SendNotification client call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "status"},
	)

	// 服务端处理计数
	RPCServerHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_rpc_server_handled_total",
			Help: "Total number of SendNotification calls handled by the delivery service",
		},
		[]string{"result"}, // result: success, declined, rejected
	)

	// 服务端正在处理的请求数
	RPCServerInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_rpc_server_in_flight",
			Help: "Number of SendNotification calls currently being handled",
		},
	)

	// 投递结果计数
	DeliveryOutcomeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_delivery_outcome_total",
			Help: "Total number of delivery attempts by outcome",
		},
		[]string{"outcome"}, // sent, channel_error, already_processed, not_found, store_error
	)

	// 任务处理计数
	JobProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatcher_job_processed_total",
			Help: "Total number of dispatcher jobs processed",
		},
		[]string{"lane", "job", "result"}, // result: ok, error, retry, dead_letter, panic, duplicate
	)

	// 任务处理耗时（秒）
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatcher_job_duration_seconds",
			Help:    "Dispatcher job handling duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"lane", "job"},
	)

	// 本地队列长度
	LaneDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_lane_depth",
			Help: "Number of jobs buffered in an in-process lane",
		},
		[]string{"lane"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"sql"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, result string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, result).Observe(float64(duration.Milliseconds()))
}

// RecordRPCCallLatency 记录投递 RPC 调用延迟
func RecordRPCCallLatency(method, status string, duration time.Duration) {
	RPCCallLatency.WithLabelValues(method, status).Observe(float64(duration.Milliseconds()))
}

// IncrementRPCServerHandled 增加服务端处理计数
func IncrementRPCServerHandled(result string) {
	RPCServerHandled.WithLabelValues(result).Inc()
}

// IncrementDeliveryOutcome 增加投递结果计数
func IncrementDeliveryOutcome(outcome string) {
	DeliveryOutcomeCount.WithLabelValues(outcome).Inc()
}

// RecordJob 记录任务处理结果和耗时
func RecordJob(lane, job, result string, duration time.Duration) {
	JobProcessedCount.WithLabelValues(lane, job, result).Inc()
	JobDuration.WithLabelValues(lane, job).Observe(duration.Seconds())
}

// SetLaneDepth 设置本地队列长度
func SetLaneDepth(lane string, depth int) {
	LaneDepth.WithLabelValues(lane).Set(float64(depth))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 增加慢查询计数
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
	DBQueryDuration.WithLabelValues("slow", "unknown").Observe(duration.Seconds())
}
