package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"postmesh/pkg/cel"
)

var sslModes = []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func checkPort(field string, port int) error {
	if port < 1 || port > 65535 {
		return invalid(field, "port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateStatic checks cfg without contacting any backing service. Every
// section is checked; the returned error joins one failure per section.
func ValidateStatic(cfg *Config) error {
	return errors.Join(
		validateServer(cfg.Server),
		validateBroker(cfg.Broker),
		validateDatabase(cfg.Database),
		validateCache(cfg.Cache),
		validateOutbox(cfg.Outbox),
		validatePosts(cfg.Posts),
	)
}

func validateServer(cfg ServerConfig) error {
	if err := checkPort("server.port", cfg.Port); err != nil {
		return err
	}
	if cfg.ReadTimeoutSeconds <= 0 {
		return invalid("server.read_timeout_seconds", "read timeout must be positive")
	}
	if cfg.WriteTimeoutSeconds <= 0 {
		return invalid("server.write_timeout_seconds", "write timeout must be positive")
	}
	return nil
}

func validateBroker(cfg BrokerConfig) error {
	if cfg.Type == "" {
		return invalid("broker.type", "broker type is required")
	}
	if cfg.Exchange.Name == "" {
		return invalid("broker.exchange.name", "exchange name is required")
	}
	if err := validateRetry(cfg.Retry); err != nil {
		return err
	}
	if cfg.Subscription.DedupCacheSize < 0 {
		return invalid("broker.subscription.dedup_cache_size", "dedup_cache_size must be non-negative")
	}
	if cfg.Subscription.Filter != "" {
		eval, err := cel.NewEvaluator()
		if err != nil {
			return err
		}
		if err := eval.ValidateFilterExpression(cfg.Subscription.Filter); err != nil {
			return invalid("broker.subscription.filter", "%v", err)
		}
	}

	switch cfg.Type {
	case "kafka":
		return validateKafka(cfg.Kafka)
	case "rabbitmq":
		return validateRabbitMQ(cfg.RabbitMQ)
	case "memory":
		return nil
	default:
		return invalid("broker.type", "unknown broker type: %s (supported: rabbitmq, kafka, memory)", cfg.Type)
	}
}

func validateRetry(cfg RetryConfig) error {
	switch {
	case cfg.MaxAttempts < 0:
		return invalid("broker.retry.max_attempts", "max_attempts must be non-negative")
	case cfg.InitialInterval < 0:
		return invalid("broker.retry.initial_interval", "initial_interval must be non-negative")
	case cfg.MaxInterval < 0:
		return invalid("broker.retry.max_interval", "max_interval must be non-negative")
	case cfg.MaxInterval > 0 && cfg.InitialInterval > 0 && cfg.MaxInterval < cfg.InitialInterval:
		return invalid("broker.retry.max_interval", "max_interval must be greater than or equal to initial_interval")
	case cfg.Multiplier <= 0:
		return invalid("broker.retry.multiplier", "multiplier must be positive")
	}
	return nil
}

func validateKafka(cfg KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return invalid("broker.kafka.brokers", "at least one Kafka broker is required")
	}
	for i, addr := range cfg.Brokers {
		if addr == "" {
			return invalid(fmt.Sprintf("broker.kafka.brokers[%d]", i), "broker address cannot be empty")
		}
	}
	return nil
}

func validateRabbitMQ(cfg RabbitMQConfig) error {
	if cfg.URL != "" {
		if !strings.HasPrefix(cfg.URL, "amqp://") && !strings.HasPrefix(cfg.URL, "amqps://") {
			return invalid("broker.rabbitmq.url", "RabbitMQ URL must start with amqp:// or amqps://")
		}
		return nil
	}
	if cfg.Host == "" {
		return invalid("broker.rabbitmq.host", "RabbitMQ host or url is required")
	}
	if err := checkPort("broker.rabbitmq.port", cfg.Port); err != nil {
		return err
	}
	if cfg.PrefetchCount < 0 {
		return invalid("broker.rabbitmq.prefetch_count", "prefetch_count must be non-negative")
	}
	return nil
}

// validateDatabase only checks the stores that are configured; each service
// uses a different subset.
func validateDatabase(cfg DatabaseConfig) error {
	if cfg.Postgres.Host != "" || cfg.Postgres.Port > 0 {
		if err := validatePostgres(cfg.Postgres); err != nil {
			return err
		}
	}
	if cfg.Redis.Host != "" || cfg.Redis.Port > 0 {
		if err := validateRedis(cfg.Redis); err != nil {
			return err
		}
	}
	if cfg.MongoDB.URI != "" {
		return validateMongoDB(cfg.MongoDB)
	}
	return nil
}

func validatePostgres(cfg PostgresConfig) error {
	if cfg.Host == "" {
		return invalid("database.postgres.host", "PostgreSQL host is required")
	}
	if err := checkPort("database.postgres.port", cfg.Port); err != nil {
		return err
	}
	if cfg.User == "" {
		return invalid("database.postgres.user", "PostgreSQL user is required")
	}
	if cfg.DBName == "" {
		return invalid("database.postgres.dbname", "PostgreSQL database name is required")
	}
	if cfg.SSLMode != "" && !slices.Contains(sslModes, strings.ToLower(cfg.SSLMode)) {
		return invalid("database.postgres.sslmode", "invalid SSL mode: %s (valid: %s)", cfg.SSLMode, strings.Join(sslModes, ", "))
	}
	return nil
}

func validateRedis(cfg RedisConfig) error {
	if cfg.Host == "" {
		return invalid("database.redis.host", "Redis host is required")
	}
	return checkPort("database.redis.port", cfg.Port)
}

func validateMongoDB(cfg MongoDBConfig) error {
	if !strings.HasPrefix(cfg.URI, "mongodb://") && !strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		return invalid("database.mongodb.uri", "MongoDB URI must start with mongodb:// or mongodb+srv://")
	}
	if cfg.Database == "" {
		return invalid("database.mongodb.database", "MongoDB database name is required")
	}
	return nil
}

func validateCache(cfg CacheConfig) error {
	switch cfg.Store {
	case "", "redis", "memory":
	default:
		return invalid("cache.store", "unknown cache store: %s (supported: redis, memory)", cfg.Store)
	}
	if cfg.TTLSeconds < 0 {
		return invalid("cache.ttl_seconds", "TTL must be non-negative")
	}
	if cfg.ListingPrefix == "" {
		return invalid("cache.listing_prefix", "listing prefix is required")
	}
	return nil
}

func validateOutbox(cfg OutboxConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if cfg.PollInterval <= 0 {
		return invalid("outbox.poll_interval", "poll interval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return invalid("outbox.batch_size", "batch size must be positive")
	}
	return nil
}

func validatePosts(cfg PostsConfig) error {
	if cfg.DefaultLimit <= 0 {
		return invalid("posts.default_limit", "default limit must be positive")
	}
	if cfg.MaxLimit < cfg.DefaultLimit {
		return invalid("posts.max_limit", "max limit must be greater than or equal to default limit")
	}
	return nil
}
