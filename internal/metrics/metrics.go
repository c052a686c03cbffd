package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the event server. Scraped at /metrics when
// the prometheus sink is configured; the terminal sink logs a periodic
// summary instead.
var (
	// Per-operation timings emitted by Measurement guards.
	// status is "ok" for completed spans and "early_exit" for guards
	// dropped on an error path.
	OperationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "limit_operation_duration_seconds",
		Help:    "Duration of named service operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"name", "status"})

	// Store statement timings.
	StoreDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "limit_store_execution_seconds",
		Help:    "Duration of credential store statements",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"statement"})

	// Credential cache effectiveness during DoAuth.
	DoAuthCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_do_auth_cache_hit_total",
		Help: "DoAuth credential lookups served from cache",
	})
	DoAuthCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_do_auth_cache_miss_total",
		Help: "DoAuth credential lookups that fell through to the store",
	})

	// Subscription-list cache effectiveness during ReceiveEvents.
	ReceiveEventsCacheHit = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_receive_events_cache_hit_total",
		Help: "Subscription lists served from cache",
	})
	ReceiveEventsCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_receive_events_cache_miss_total",
		Help: "Subscription lists loaded from the store",
	})

	// Background queue
	BackgroundTaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "limit_background_task_duration_seconds",
		Help:    "Duration of background tasks by task name",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
	BackgroundTaskFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "limit_background_task_failures_total",
		Help: "Background tasks that returned an error or panicked",
	}, []string{"task"})
	BackgroundQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "limit_background_queue_depth",
		Help: "Tasks currently waiting in the background queue",
	})

	// Streaming
	StreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "limit_streams_active",
		Help: "Currently open ReceiveEvents streams",
	})
	StreamsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_streams_total",
		Help: "ReceiveEvents streams opened since start",
	})
	EventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_events_published_total",
		Help: "Events published to the pub/sub fabric",
	})
	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_events_delivered_total",
		Help: "Events written to receiver streams",
	})
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "limit_events_dropped_total",
		Help: "Events dropped before reaching a receiver, by reason",
	}, []string{"reason"})
	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_slow_clients_disconnected_total",
		Help: "Receivers disconnected for repeatedly full send buffers",
	})

	// Auth
	TokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_tokens_issued_total",
		Help: "Session tokens minted by DoAuth",
	})
	AuthThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limit_auth_throttled_total",
		Help: "RequestAuth calls rejected by the per-id rate limiter",
	})

	// Admission control
	AdmissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "limit_admission_rejections_total",
		Help: "Stream admissions rejected, by reason",
	}, []string{"reason"})
)

// Event drop reasons.
const (
	DropReasonBufferFull   = "buffer_full"
	DropReasonBadPayload   = "bad_payload"
	DropReasonStreamClosed = "stream_closed"
)

func init() {
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(StoreDuration)

	prometheus.MustRegister(DoAuthCacheHit)
	prometheus.MustRegister(DoAuthCacheMiss)
	prometheus.MustRegister(ReceiveEventsCacheHit)
	prometheus.MustRegister(ReceiveEventsCacheMiss)

	prometheus.MustRegister(BackgroundTaskDuration)
	prometheus.MustRegister(BackgroundTaskFailures)
	prometheus.MustRegister(BackgroundQueueDepth)

	prometheus.MustRegister(StreamsActive)
	prometheus.MustRegister(StreamsTotal)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDelivered)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(SlowClientsDisconnected)

	prometheus.MustRegister(TokensIssued)
	prometheus.MustRegister(AuthThrottled)

	prometheus.MustRegister(AdmissionRejections)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
