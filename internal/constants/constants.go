package constants

import "time"

const (
	DefaultExchange            = "post_events"
	DefaultPrefetchCount       = 10
	DefaultDedupCacheSize      = 4096
	BrokerConnectTimeout       = 10 * time.Second
	BrokerReconnectMaxInterval = 30 * time.Second
	BrokerPublishTimeout       = 5 * time.Second
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	MemoryRedeliveryDelay = 50 * time.Millisecond
	MemoryQueueSize       = 256
)

const (
	CacheKeyPrefixPost     = "post:"
	CacheKeyPrefixPosts    = "posts:"
	DefaultCacheTTLSeconds = 300
	DefaultScanCount       = 100
)

const (
	OutboxPollInterval = time.Second
	OutboxBatchSize    = 100
)

const (
	MaxPostContentLength = 5000
	DefaultPageLimit     = 10
	MaxPageLimit         = 100
)

const (
	DefaultMongoDBName = "postmesh"
	SearchCollection   = "search_posts"
	SearchResultLimit  = 10
	MediaCollection    = "media"
	MediaBucket        = "media_objects"
	MaxUploadBytes     = 5 << 20
)

const (
	ServicePost   = "post-service"
	ServiceSearch = "search-service"
	ServiceMedia  = "media-service"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	HeaderUserID    = "X-User-ID"
	HeaderRequestID = "X-Request-ID"
)
