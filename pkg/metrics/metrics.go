package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var latencyBucketsMs = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
}

func histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
}

// Broker
var (
	MessagesPublishedTotal = counter("broker_messages_published_total",
		"Total number of events published to the exchange (count)", "service", "routing_key", "status")
	MessagesConsumedTotal = counter("broker_messages_consumed_total",
		"Total number of deliveries handled by subscribers (count)", "service", "routing_key", "outcome")
	HandlerDuration = histogram("broker_handler_duration_ms",
		"Event handler duration in milliseconds", latencyBucketsMs, "service", "routing_key")
	MessageSizeBytes = histogram("broker_message_size_bytes",
		"Size of broker messages in bytes", []float64{100, 500, 1000, 5000, 10000, 50000, 100000}, "service", "direction")
	RetryAttemptsTotal = counter("retry_attempts_total",
		"Total number of retry attempts (count)", "service", "routing_key")
	DLQMessagesTotal = counter("dlq_messages_total",
		"Total number of messages dead-lettered (count)", "service", "routing_key", "reason")
	BrokerReconnectsTotal = counter("broker_reconnects_total",
		"Total number of broker connection re-establishments (count)", "service")
)

// Cache and circuit breaker
var (
	CacheRequestsTotal = counter("cache_requests_total",
		"Total number of cache lookups by result (count)", "result")
	CacheInvalidationsTotal = counter("cache_invalidations_total",
		"Total number of cache keys removed by invalidation (count)", "kind")

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
	}, []string{"name"})
	CircuitBreakerRequests = counter("circuit_breaker_requests_total",
		"Total number of requests through circuit breaker (count)", "name", "state")
	CircuitBreakerFailures = counter("circuit_breaker_failures_total",
		"Total number of failures through circuit breaker (count)", "name")
)

var (
	OutboxPendingEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending_events",
		Help: "Unsent events seen by the last outbox poll (count)",
	})
	OutboxRelayedTotal = counter("outbox_relayed_total",
		"Total number of outbox rows relayed to the broker (count)", "status")

	MediaDeletionsTotal = counter("media_deletions_total",
		"Total number of media cascade deletions (count)", "status")
	SearchIndexOpsTotal = counter("search_index_operations_total",
		"Total number of search index writes (count)", "operation", "status")

	RateLimitRequestsTotal = counter("rate_limit_requests_total",
		"Total number of requests checked against rate limit (count)", "status")
	DatabaseQueriesTotal = counter("database_queries_total",
		"Total number of database queries (count)", "database", "operation", "status")
	DatabaseQueryDuration = histogram("database_query_duration_ms",
		"Duration of database queries in milliseconds", latencyBucketsMs, "database", "operation")
)

// group registers its collectors with the default registry at most once.
type group struct {
	once       sync.Once
	collectors []prometheus.Collector
}

func (g *group) register() {
	g.once.Do(func() { prometheus.MustRegister(g.collectors...) })
}

var (
	brokerGroup = &group{collectors: []prometheus.Collector{
		MessagesPublishedTotal, MessagesConsumedTotal, HandlerDuration, MessageSizeBytes,
		RetryAttemptsTotal, DLQMessagesTotal, BrokerReconnectsTotal,
	}}
	cacheGroup          = &group{collectors: []prometheus.Collector{CacheRequestsTotal, CacheInvalidationsTotal}}
	circuitBreakerGroup = &group{collectors: []prometheus.Collector{CircuitBreakerState, CircuitBreakerRequests, CircuitBreakerFailures}}
	httpGroup           = &group{collectors: []prometheus.Collector{RateLimitRequestsTotal, DatabaseQueriesTotal, DatabaseQueryDuration}}
	outboxGroup         = &group{collectors: []prometheus.Collector{OutboxPendingEvents, OutboxRelayedTotal}}
	mediaGroup          = &group{collectors: []prometheus.Collector{MediaDeletionsTotal}}
	searchGroup         = &group{collectors: []prometheus.Collector{SearchIndexOpsTotal}}
)

func RegisterBrokerMetrics()         { brokerGroup.register() }
func RegisterCacheMetrics()          { cacheGroup.register() }
func RegisterCircuitBreakerMetrics() { circuitBreakerGroup.register() }
func RegisterHTTPMetrics()           { httpGroup.register() }
func RegisterOutboxMetrics()         { outboxGroup.register() }
func RegisterMediaMetrics()          { mediaGroup.register() }
func RegisterSearchMetrics()         { searchGroup.register() }

func IncPublished(service, routingKey, status string) {
	MessagesPublishedTotal.WithLabelValues(service, routingKey, status).Inc()
}

// IncConsumed counts one delivery by its processing outcome (ack, skip,
// requeue or reject).
func IncConsumed(service, routingKey, outcome string) {
	MessagesConsumedTotal.WithLabelValues(service, routingKey, outcome).Inc()
}

func ObserveHandlerDuration(service, routingKey string, d time.Duration) {
	HandlerDuration.WithLabelValues(service, routingKey).Observe(float64(d.Milliseconds()))
}

// ObserveMessageSize records a payload size; direction is "in" or "out".
func ObserveMessageSize(service, direction string, sizeBytes int) {
	MessageSizeBytes.WithLabelValues(service, direction).Observe(float64(sizeBytes))
}

func IncCacheHit()   { CacheRequestsTotal.WithLabelValues("hit").Inc() }
func IncCacheMiss()  { CacheRequestsTotal.WithLabelValues("miss").Inc() }
func IncCacheError() { CacheRequestsTotal.WithLabelValues("error").Inc() }

func AddCacheInvalidations(kind string, n int) {
	CacheInvalidationsTotal.WithLabelValues(kind).Add(float64(n))
}

func IncDatabaseQuery(database, operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(database, operation, status).Inc()
}

func ObserveDatabaseQueryDuration(database, operation string, d time.Duration) {
	DatabaseQueryDuration.WithLabelValues(database, operation).Observe(float64(d.Milliseconds()))
}

func IncSearchIndexOp(operation, status string) {
	SearchIndexOpsTotal.WithLabelValues(operation, status).Inc()
}

func IncMediaDeletion(status string) {
	MediaDeletionsTotal.WithLabelValues(status).Inc()
}
