package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"postmesh/internal/constants"
)

var defaults = map[string]any{
	"server.port":                  8080,
	"server.read_timeout_seconds":  15,
	"server.write_timeout_seconds": 15,

	"broker.type":                            "rabbitmq",
	"broker.exchange.name":                   constants.DefaultExchange,
	"broker.exchange.durable":                false,
	"broker.rabbitmq.prefetch_count":         constants.DefaultPrefetchCount,
	"broker.rabbitmq.connect_timeout":        constants.BrokerConnectTimeout,
	"broker.rabbitmq.reconnect_max_interval": constants.BrokerReconnectMaxInterval,
	"broker.memory.redelivery_delay":         constants.MemoryRedeliveryDelay,
	"broker.memory.queue_size":               constants.MemoryQueueSize,
	"broker.retry.max_attempts":              3,
	"broker.retry.initial_interval":          "100ms",
	"broker.retry.max_interval":              "5s",
	"broker.retry.multiplier":                2.0,
	"broker.subscription.dedup_cache_size":   constants.DefaultDedupCacheSize,

	"cache.store":          "redis",
	"cache.ttl_seconds":    constants.DefaultCacheTTLSeconds,
	"cache.scan_count":     constants.DefaultScanCount,
	"cache.listing_prefix": constants.CacheKeyPrefixPosts,

	"outbox.poll_interval": constants.OutboxPollInterval,
	"outbox.batch_size":    constants.OutboxBatchSize,

	"posts.max_content_length": constants.MaxPostContentLength,
	"posts.default_limit":      constants.DefaultPageLimit,
	"posts.max_limit":          constants.MaxPageLimit,

	"search.collection":   constants.SearchCollection,
	"search.result_limit": constants.SearchResultLimit,

	"media.collection":       constants.MediaCollection,
	"media.bucket":           constants.MediaBucket,
	"media.max_upload_bytes": constants.MaxUploadBytes,

	"logging.level":  "info",
	"logging.format": "json",
}

// envKeys may be overridden from the environment. The variable name is the
// upper-cased key with dots replaced by underscores, e.g. BROKER_KAFKA_BROKERS.
var envKeys = []string{
	"server.port",

	"broker.type",
	"broker.exchange.name",
	"broker.rabbitmq.url",
	"broker.rabbitmq.host",
	"broker.rabbitmq.port",
	"broker.rabbitmq.user",
	"broker.rabbitmq.password",
	"broker.rabbitmq.dead_letter_exchange",
	"broker.kafka.brokers",
	"broker.kafka.dlq_topic",
	"broker.subscription.queue",

	"database.postgres.host",
	"database.postgres.port",
	"database.postgres.user",
	"database.postgres.password",
	"database.postgres.dbname",
	"database.postgres.sslmode",
	"database.redis.host",
	"database.redis.port",
	"database.redis.password",
	"database.redis.db",
	"database.mongodb.uri",
	"database.mongodb.database",

	"cache.store",
	"outbox.enabled",

	"logging.level",
	"logging.format",

	"tracing.enabled",
	"tracing.service_name",
	"tracing.otlp.endpoint",
	"tracing.otlp.insecure",
}

// Load reads configFile, layers defaults and environment variables over it
// and validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(configFile)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// A comma separated env value arrives as one string; split it here so
	// surrounding spaces do not end up in broker addresses.
	if raw, ok := v.Get("broker.kafka.brokers").(string); ok && raw != "" {
		cfg.Broker.Kafka.Brokers = splitList(raw)
	}

	if err := ValidateStatic(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
