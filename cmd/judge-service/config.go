package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/db"
	"judgecore/internal/common/http/middleware"
	"judgecore/internal/common/mq"
	"judgecore/internal/common/storage"
	"judgecore/internal/judge/queue"
	"judgecore/internal/judge/sandbox"
	"judgecore/pkg/utils/logger"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultGRPCAddr        = "0.0.0.0:9085"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second

	queueBackendRedis = "redis"
	queueBackendSQS   = "sqs"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	WatchInterval   time.Duration `yaml:"watchInterval"`
	Release         bool          `yaml:"release"`
}

// GRPCConfig holds the health server settings.
type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// KafkaConfig holds Kafka settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	ClientID     string        `yaml:"clientID"`
	MinBytes     int           `yaml:"minBytes"`
	MaxBytes     int           `yaml:"maxBytes"`
	MaxWait      time.Duration `yaml:"maxWait"`
	BatchSize    int           `yaml:"batchSize"`
	BatchTimeout time.Duration `yaml:"batchTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	RequiredAcks int           `yaml:"requiredAcks"`
	Compression  string        `yaml:"compression"`

	SubmissionTopic string        `yaml:"submissionTopic"`
	ConsumerGroup   string        `yaml:"consumerGroup"`
	PrefetchCount   int           `yaml:"prefetchCount"`
	Concurrency     int           `yaml:"concurrency"`
	MaxRetries      int           `yaml:"maxRetries"`
	RetryDelay      time.Duration `yaml:"retryDelay"`
	DeadLetter      string        `yaml:"deadLetterTopic"`
	MessageTTL      time.Duration `yaml:"messageTTL"`
}

// QueueConfig selects and configures the dispatch queue backend.
type QueueConfig struct {
	Backend    string            `yaml:"backend"` // redis | sqs
	Visibility time.Duration     `yaml:"visibility"`
	Redis      queue.RedisConfig `yaml:"redis"`
	SQS        queue.SQSConfig   `yaml:"sqs"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	ID           string        `yaml:"id"`
	PoolSize     int           `yaml:"poolSize"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// JudgeConfig holds process execution settings.
type JudgeConfig struct {
	LeaseDuration   time.Duration `yaml:"leaseDuration"`
	ProcessTimeout  time.Duration `yaml:"processTimeout"`
	CaseParallelism int           `yaml:"caseParallelism"`
	MaxAttempts     int           `yaml:"maxAttempts"`
	RetryBaseDelay  time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay   time.Duration `yaml:"retryMaxDelay"`
	StoreTimeout    time.Duration `yaml:"storeTimeout"`
	StaleAfter      time.Duration `yaml:"staleAfter"`
	SolvedThreshold float64       `yaml:"solvedThreshold"`
}

// SandboxConfig holds executor settings.
type SandboxConfig struct {
	GoJudge sandbox.GoJudgeConfig `yaml:"goJudge"`
	// Retries is how often a faulting sandbox call is repeated before IE.
	Retries        int           `yaml:"retries"`
	RetryBaseDelay time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  time.Duration `yaml:"retryMaxDelay"`
	PreviewBytes   int           `yaml:"previewBytes"`
}

// ArtifactConfig holds output archive settings.
type ArtifactConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
}

// ProblemConfig holds judge case cache settings.
type ProblemConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
	EmptyTTL time.Duration `yaml:"emptyTTL"`
}

// StatusConfig holds status snapshot and event settings.
type StatusConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	FinalTopic string        `yaml:"finalTopic"`
}

// MaintenanceConfig holds reconciler settings.
type MaintenanceConfig struct {
	Interval time.Duration `yaml:"interval"`
	// Retention enables automatic purging when positive.
	Retention time.Duration `yaml:"retention"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server      ServerConfig                  `yaml:"server"`
	GRPC        GRPCConfig                    `yaml:"grpc"`
	Logger      logger.Config                 `yaml:"logger"`
	Database    db.Config                     `yaml:"database"`
	Redis       cache.RedisConfig             `yaml:"redis"`
	Kafka       KafkaConfig                   `yaml:"kafka"`
	MinIO       storage.MinIOConfig           `yaml:"minio"`
	Artifacts   ArtifactConfig                `yaml:"artifacts"`
	Queue       QueueConfig                   `yaml:"queue"`
	Worker      WorkerConfig                  `yaml:"worker"`
	Judge       JudgeConfig                   `yaml:"judge"`
	Sandbox     SandboxConfig                 `yaml:"sandbox"`
	Problem     ProblemConfig                 `yaml:"problem"`
	Status      StatusConfig                  `yaml:"status"`
	Maintenance MaintenanceConfig             `yaml:"maintenance"`
	Auth        middleware.OperatorAuthConfig `yaml:"auth"`
	RateLimit   middleware.RateLimitConfig    `yaml:"rateLimit"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Sandbox.GoJudge.Endpoint == "" {
		return nil, fmt.Errorf("sandbox endpoint is required")
	}
	if cfg.Database.Driver == "" || cfg.Database.Driver == db.DriverMySQL {
		dsn, err := normalizeMySQLDSN(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		cfg.Database.DSN = dsn
	}
	cfg.Redis.ApplyDefaults()
	applyServerDefaults(&cfg.Server)
	if cfg.GRPC.Addr == "" {
		cfg.GRPC.Addr = defaultGRPCAddr
	}

	switch cfg.Queue.Backend {
	case "":
		cfg.Queue.Backend = queueBackendRedis
	case queueBackendRedis:
	case queueBackendSQS:
		if cfg.Queue.SQS.QueueURL == "" {
			return nil, fmt.Errorf("sqs queue url is required")
		}
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}

	if cfg.Kafka.SubmissionTopic == "" {
		cfg.Kafka.SubmissionTopic = "submission.created"
	}
	if cfg.Kafka.DeadLetter == "" {
		cfg.Kafka.DeadLetter = cfg.Kafka.SubmissionTopic + ".dlq"
	}
	if cfg.Kafka.ConsumerGroup == "" {
		cfg.Kafka.ConsumerGroup = "judge-service"
	}
	if cfg.Status.FinalTopic == "" {
		cfg.Status.FinalTopic = "judge.status.final"
	}
	if cfg.Status.TTL == 0 {
		cfg.Status.TTL = 24 * time.Hour
	}
	if cfg.Artifacts.Bucket == "" {
		cfg.Artifacts.Bucket = cfg.MinIO.Bucket
	}
	if cfg.Problem.CacheTTL == 0 {
		cfg.Problem.CacheTTL = 5 * time.Minute
	}
	if cfg.Problem.EmptyTTL == 0 {
		cfg.Problem.EmptyTTL = 30 * time.Second
	}
	if cfg.Worker.PoolSize <= 0 {
		cfg.Worker.PoolSize = 4
	}
	if cfg.Sandbox.Retries == 0 {
		cfg.Sandbox.Retries = 2
	}
	if cfg.Sandbox.RetryBaseDelay == 0 {
		cfg.Sandbox.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.Sandbox.RetryMaxDelay == 0 {
		cfg.Sandbox.RetryMaxDelay = 2 * time.Second
	}
	return &cfg, nil
}

// applyEnvOverrides lets secrets and endpoints come from JUDGE_* variables.
func applyEnvOverrides(cfg *AppConfig) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("JUDGE_DATABASE_DSN", &cfg.Database.DSN)
	setString("JUDGE_DATABASE_DRIVER", &cfg.Database.Driver)
	setString("JUDGE_REDIS_ADDR", &cfg.Redis.Addr)
	setString("JUDGE_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("JUDGE_SANDBOX_ENDPOINT", &cfg.Sandbox.GoJudge.Endpoint)
	setString("JUDGE_SANDBOX_TOKEN", &cfg.Sandbox.GoJudge.AuthToken)
	setString("JUDGE_JWT_SECRET", &cfg.Auth.Secret)
	setString("JUDGE_MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	setString("JUDGE_MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	setString("JUDGE_SQS_QUEUE_URL", &cfg.Queue.SQS.QueueURL)
	if v, ok := os.LookupEnv("JUDGE_KAFKA_BROKERS"); ok && v != "" {
		brokers := make([]string, 0, 3)
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Kafka.Brokers = brokers
	}
}

// normalizeMySQLDSN forces the options the repositories rely on: parsed
// DATETIME columns, and matched rather than changed rows from UPDATE.
func normalizeMySQLDSN(dsn string) (string, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn failed: %w", err)
	}
	parsed.ParseTime = true
	parsed.ClientFoundRows = true
	return parsed.FormatDSN(), nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
}

func (k KafkaConfig) enabled() bool {
	return len(k.Brokers) > 0
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		MinBytes:     k.MinBytes,
		MaxBytes:     k.MaxBytes,
		MaxWait:      k.MaxWait,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		Compression:  parseCompression(k.Compression),
	}
}

func (k KafkaConfig) subscribeOptions() *mq.SubscribeOptions {
	return &mq.SubscribeOptions{
		ConsumerGroup:   k.ConsumerGroup,
		PrefetchCount:   k.PrefetchCount,
		Concurrency:     k.Concurrency,
		MaxRetries:      k.MaxRetries,
		RetryDelay:      k.RetryDelay,
		DeadLetterTopic: k.DeadLetter,
		MessageTTL:      k.MessageTTL,
	}
}

func parseCompression(raw string) kafka.Compression {
	switch strings.ToLower(raw) {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}
