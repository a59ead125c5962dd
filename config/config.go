package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/orchestrator"
	"github.com/Ramsey-B/thistle/pkg/redis"
	"github.com/Ramsey-B/thistle/pkg/retry"
	"github.com/Ramsey-B/thistle/pkg/source"
	"github.com/Ramsey-B/thistle/pkg/tracing"
	"github.com/Ramsey-B/thistle/pkg/tracing/exporters"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"thistle"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"120"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	DatabaseDriver              string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName            string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword            string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                string        `env:"DB_NAME" env-default:"thistle"`
	DatabaseSSLMode             string        `env:"DB_SQL_MODE" env-default:"disable"`
	DatabaseReconnectRetryCount int           `env:"DB_RECONNECT_RETRY_COUNT" env-default:"3"`
	DatabaseMaxOpenConns        int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns        int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime     time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath   string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int    `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int    `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool   `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	RedisHost     string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int    `env:"REDIS_DB" env-default:"0"`
	// Redis key prefix for run locks and cancel flags
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" env-default:"thistle"`

	// Kafka brokers (comma-separated)
	KafkaBrokers    string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaIssueTopic string `env:"KAFKA_ISSUE_TOPIC" env-default:"integrity-issues"`
	KafkaRunTopic   string `env:"KAFKA_RUN_TOPIC" env-default:"integrity-runs"`
	KafkaEnabled    bool   `env:"KAFKA_ENABLED" env-default:"true"`

	// Compression codec (snappy, gzip, lz4, zstd or none)
	KafkaCompression  string        `env:"KAFKA_COMPRESSION" env-default:"snappy"`
	KafkaBatchSize    int           `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout time.Duration `env:"KAFKA_BATCH_TIMEOUT" env-default:"1s"`
	KafkaRequiredAcks int           `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`

	// Table API the records are fetched from
	SourceBaseURL string `env:"SOURCE_BASE_URL" env-default:"http://localhost:8080"`
	SourceToken   string `env:"SOURCE_TOKEN" env-default:""`
	// JMESPath expressions applied to each page response
	SourceRecordsPath    string        `env:"SOURCE_RECORDS_PATH" env-default:"data"`
	SourceNextCursorPath string        `env:"SOURCE_NEXT_CURSOR_PATH" env-default:"next_cursor"`
	SourcePageSize       int           `env:"SOURCE_PAGE_SIZE" env-default:"500"`
	SourceRequestTimeout time.Duration `env:"SOURCE_REQUEST_TIMEOUT" env-default:"15s"`
	SourceRateLimit      float64       `env:"SOURCE_RATE_LIMIT" env-default:"10"`
	SourceRateBurst      int           `env:"SOURCE_RATE_BURST" env-default:"5"`

	RunTimeout        time.Duration `env:"RUN_TIMEOUT" env-default:"30m"`
	RunMaxParallelism int           `env:"RUN_MAX_PARALLELISM" env-default:"4"`
	RunPersistTimeout time.Duration `env:"RUN_PERSIST_TIMEOUT" env-default:"30s"`
	// Lock TTL is refreshed while a run is active
	RunLockTTL            time.Duration `env:"RUN_LOCK_TTL" env-default:"1m"`
	RunCancelPollInterval time.Duration `env:"RUN_CANCEL_POLL_INTERVAL" env-default:"2s"`

	RetryMaxAttempts  int           `env:"RETRY_MAX_ATTEMPTS" env-default:"4"`
	RetryInitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" env-default:"500ms"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" env-default:"10s"`
	RetryDeadline     time.Duration `env:"RETRY_DEADLINE" env-default:"2m"`

	WritebackBatchSize int `env:"WRITEBACK_BATCH_SIZE" env-default:"100"`

	// Empty uses the embedded defaults document
	RulesFilePath      string `env:"RULES_FILE_PATH" env-default:""`
	DefaultPhoneRegion string `env:"DEFAULT_PHONE_REGION" env-default:"US"`

	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if c.RunTimeout <= 0 {
		problems = append(problems, "RUN_TIMEOUT must be positive")
	}
	if c.RunMaxParallelism < 1 {
		problems = append(problems, "RUN_MAX_PARALLELISM must be at least 1")
	}
	if c.WritebackBatchSize < 1 {
		problems = append(problems, "WRITEBACK_BATCH_SIZE must be at least 1")
	}
	if c.RetryMaxAttempts < 1 {
		problems = append(problems, "RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.SourcePageSize < 1 {
		problems = append(problems, "SOURCE_PAGE_SIZE must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) Database() database.ConnectionConfig {
	return database.ConnectionConfig{
		Driver:          c.DatabaseDriver,
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		UserName:        c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		RetryCount:      c.DatabaseReconnectRetryCount,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration() *database.MigrationConfig {
	return &database.MigrationConfig{
		MigrationFolderPath: c.DatabaseMigrationFolderPath,
		Version:             uint(c.DatabaseMigrationVersion),
		Force:               c.DatabaseMigrationForce,
		AutoRollback:        c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) Tracing() tracing.Config {
	return tracing.Config{
		ServiceName: c.AppName,
		Enabled:     c.OTLPEnabled,
		OTLP: exporters.OTLPConfig{
			Endpoint: c.OTLPEndpoint,
			Protocol: c.OTLPProtocol,
			Insecure: c.OTLPInsecure,
		},
	}
}

func (c *Config) KafkaBrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

func (c *Config) Kafka() kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers:      c.KafkaBrokerList(),
		IssueTopic:   c.KafkaIssueTopic,
		RunTopic:     c.KafkaRunTopic,
		BatchSize:    c.KafkaBatchSize,
		BatchTimeout: c.KafkaBatchTimeout,
		RequiredAcks: c.KafkaRequiredAcks,
		Compression:  c.KafkaCompression,
	}
}

func (c *Config) Source() source.Config {
	return source.Config{
		BaseURL:        c.SourceBaseURL,
		Token:          c.SourceToken,
		RecordsPath:    c.SourceRecordsPath,
		NextCursorPath: c.SourceNextCursorPath,
		PageSize:       c.SourcePageSize,
		RequestTimeout: c.SourceRequestTimeout,
		RateLimit:      c.SourceRateLimit,
		RateBurst:      c.SourceRateBurst,
	}
}

// RetryPolicy is the budget shared by table fetches, issue writes and the terminal run write.
func (c *Config) RetryPolicy() retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = c.RetryMaxAttempts
	policy.InitialDelay = c.RetryInitialDelay
	policy.MaxDelay = c.RetryMaxDelay
	policy.Deadline = c.RetryDeadline
	return policy
}

func (c *Config) Orchestrator() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.Timeout = c.RunTimeout
	cfg.PersistTimeout = c.RunPersistTimeout
	cfg.CancelPollInterval = c.RunCancelPollInterval
	cfg.MaxParallelism = c.RunMaxParallelism
	cfg.PersistPolicy = c.RetryPolicy()
	return cfg
}
