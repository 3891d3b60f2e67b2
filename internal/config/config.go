package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Queue backends.
const (
	QueueSQS   = "sqs"
	QueueKafka = "kafka"
	QueueRedis = "redis"
)

// Storage backends.
const (
	StorageMinio = "minio"
	StorageS3    = "s3"
	StorageLocal = "local"
)

// Config holds the main configuration for the worker.
type Config struct {
	Queue     Queue     `mapstructure:"queue"`
	Storage   Storage   `mapstructure:"storage"`
	Staging   Staging   `mapstructure:"staging"`
	Fetch     Fetch     `mapstructure:"fetch"`
	Thumbnail Thumbnail `mapstructure:"thumbnail"`
	Retry     Retry     `mapstructure:"retry"`
	Server    Server    `mapstructure:"server"`
	Sentry    Sentry    `mapstructure:"sentry"`
}

// Queue holds configuration of the job queue.
type Queue struct {
	Backend           string        `mapstructure:"backend"`            // sqs, kafka or redis
	Name              string        `mapstructure:"name"`               // queue name, topic or stream
	DeadLetterName    string        `mapstructure:"dead_letter_name"`   // dead-letter queue, topic or stream
	WaitTime          time.Duration `mapstructure:"wait_time"`          // long-poll window of one receive
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"` // time before an unacknowledged message is redelivered
	MaxAttempts       int           `mapstructure:"max_attempts"`       // dead-letter after this many deliveries, 0 disables

	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`

	Kafka Kafka `mapstructure:"kafka"`
	Redis Redis `mapstructure:"redis"`
}

// Kafka holds configuration for the Kafka backend.
type Kafka struct {
	GroupID string   `mapstructure:"group_id"` // Consumer group ID
	Brokers []string `mapstructure:"brokers"`  // List of Kafka broker addresses
}

// Redis holds configuration for the Redis Streams backend.
type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// Storage holds configuration for the object storage backend.
type Storage struct {
	Backend    string `mapstructure:"backend"` // minio, s3 or local
	BucketName string `mapstructure:"bucket_name"`
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	Region     string `mapstructure:"region"`
	LocalDir   string `mapstructure:"local_dir"` // target directory of the local backend
}

// Staging holds configuration of local scratch space.
type Staging struct {
	Root string `mapstructure:"root"`
}

// Fetch holds configuration of source image downloads.
type Fetch struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Thumbnail holds the bounding box and optional label of thumbnails.
type Thumbnail struct {
	MaxWidth  int    `mapstructure:"max_width"`
	MaxHeight int    `mapstructure:"max_height"`
	Label     string `mapstructure:"label"`
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Server holds the ops HTTP server configuration.
type Server struct {
	HTTPPort string `mapstructure:"http_port"` // address to listen on, empty disables the server
}

// Sentry holds error reporting configuration.
type Sentry struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

// envBindings maps viper keys to the environment variables that override them.
var envBindings = map[string]string{
	"storage.bucket_name":  "S3_BUCKET_NAME",
	"storage.access_key":   "STORAGE_ACCESS_KEY",
	"storage.secret_key":   "STORAGE_SECRET_KEY",
	"queue.name":           "QUEUE_NAME",
	"queue.backend":        "QUEUE_BACKEND",
	"queue.redis.password": "REDIS_PASSWORD",
	"sentry.dsn":           "SENTRY_DSN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.backend", QueueSQS)
	v.SetDefault("queue.wait_time", 10*time.Second)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("storage.backend", StorageS3)
	v.SetDefault("staging.root", "/tmp/thumbnailer")
	v.SetDefault("fetch.timeout", time.Minute)
	v.SetDefault("thumbnail.max_width", 128)
	v.SetDefault("thumbnail.max_height", 128)
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 100*time.Millisecond)
	v.SetDefault("retry.backoff", 2.0)
}

// Load reads the configuration file at path, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration cannot be loaded or is invalid.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	return cfg
}

// Validate reports missing required settings and unknown backends.
func (c *Config) Validate() error {
	var errs []error

	if c.Storage.BucketName == "" {
		errs = append(errs, errors.New("storage bucket is required (S3_BUCKET_NAME)"))
	}
	if c.Queue.Name == "" {
		errs = append(errs, errors.New("queue name is required (QUEUE_NAME)"))
	}

	switch c.Queue.Backend {
	case QueueSQS:
	case QueueKafka:
		if len(c.Queue.Kafka.Brokers) == 0 || c.Queue.Kafka.GroupID == "" {
			errs = append(errs, errors.New("kafka queue needs brokers and group_id"))
		}
	case QueueRedis:
		if c.Queue.Redis.Addr == "" || c.Queue.Redis.Group == "" {
			errs = append(errs, errors.New("redis queue needs addr and group"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue backend %q", c.Queue.Backend))
	}

	switch c.Storage.Backend {
	case StorageS3:
	case StorageMinio:
		if c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("minio storage needs an endpoint"))
		}
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("local storage needs local_dir"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.Queue.MaxAttempts < 0 {
		errs = append(errs, errors.New("queue max_attempts must not be negative"))
	}
	if c.Thumbnail.MaxWidth < 0 || c.Thumbnail.MaxHeight < 0 {
		errs = append(errs, errors.New("thumbnail bounds must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}

	return nil
}
