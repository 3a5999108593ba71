package config

import (
	"time"
)

type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Broker         BrokerConfig         `mapstructure:"broker"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Outbox         OutboxConfig         `mapstructure:"outbox"`
	Posts          PostsConfig          `mapstructure:"posts"`
	Search         SearchConfig         `mapstructure:"search"`
	Media          MediaConfig          `mapstructure:"media"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	RateLimit      RateLimitConfig      `mapstructure:"rate_limit"`
	Tracing        TracingConfig        `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port                int `mapstructure:"port"`
	ReadTimeoutSeconds  int `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
}

func (c ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis"`
	MongoDB       MongoDBConfig  `mapstructure:"mongodb"`
	RunMigrations bool           `mapstructure:"run_migrations"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MongoDBConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type BrokerConfig struct {
	Type         string             `mapstructure:"type"` // "rabbitmq", "kafka" or "memory"
	Exchange     ExchangeConfig     `mapstructure:"exchange"`
	RabbitMQ     RabbitMQConfig     `mapstructure:"rabbitmq"`
	Kafka        KafkaConfig        `mapstructure:"kafka"`
	Memory       MemoryConfig       `mapstructure:"memory"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
}

type ExchangeConfig struct {
	Name    string `mapstructure:"name"`
	Durable bool   `mapstructure:"durable"`
}

type RabbitMQConfig struct {
	URL                  string        `mapstructure:"url"`
	Host                 string        `mapstructure:"host"`
	Port                 int           `mapstructure:"port"`
	User                 string        `mapstructure:"user"`
	Password             string        `mapstructure:"password"`
	VHost                string        `mapstructure:"vhost"`
	PrefetchCount        int           `mapstructure:"prefetch_count"`
	DeadLetterExchange   string        `mapstructure:"dead_letter_exchange"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
	ReconnectMaxInterval time.Duration `mapstructure:"reconnect_max_interval"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	DLQTopic string   `mapstructure:"dlq_topic"`
}

type MemoryConfig struct {
	RedeliveryDelay time.Duration `mapstructure:"redelivery_delay"`
	QueueSize       int           `mapstructure:"queue_size"`
	DeadLetter      bool          `mapstructure:"dead_letter"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxElapsedTime  time.Duration `mapstructure:"max_elapsed_time"`
}

// SubscriptionConfig applies to every binding a service declares.
// An empty Queue keeps the exclusive, server-named queue per process.
type SubscriptionConfig struct {
	Queue          string `mapstructure:"queue"`
	Filter         string `mapstructure:"filter"`
	DedupCacheSize int    `mapstructure:"dedup_cache_size"`
}

type CacheConfig struct {
	Store         string `mapstructure:"store"` // "redis" or "memory"
	TTLSeconds    int    `mapstructure:"ttl_seconds"`
	ScanCount     int64  `mapstructure:"scan_count"`
	ListingPrefix string `mapstructure:"listing_prefix"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

type OutboxConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type PostsConfig struct {
	MaxContentLength int `mapstructure:"max_content_length"`
	DefaultLimit     int `mapstructure:"default_limit"`
	MaxLimit         int `mapstructure:"max_limit"`
}

type SearchConfig struct {
	Collection  string `mapstructure:"collection"`
	ResultLimit int64  `mapstructure:"result_limit"`
}

type MediaConfig struct {
	Collection     string `mapstructure:"collection"`
	Bucket         string `mapstructure:"bucket"`
	MaxUploadBytes int64  `mapstructure:"max_upload_bytes"`
	PublicURL      string `mapstructure:"public_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	RPS             float64 `mapstructure:"rps"`
	Burst           int     `mapstructure:"burst"`
	CleanupInterval int     `mapstructure:"cleanup_interval"`
	MaxAge          int     `mapstructure:"max_age"`
}

type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
	MinRequests  uint32        `mapstructure:"min_requests"`
}

type TracingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	ServiceName string        `mapstructure:"service_name"`
	OTLP        OTLPConfig    `mapstructure:"otlp"`
	Sampler     SamplerConfig `mapstructure:"sampler"`
}

type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type SamplerConfig struct {
	Type  string  `mapstructure:"type"`
	Param float64 `mapstructure:"param"`
}
