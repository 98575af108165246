package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"sqs-buffer/src/queue"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendSQS    = "sqs"
)

var ErrUnknownBackend = errors.New("unknown backend")

type Config struct {
	Backend string `yaml:"backend"`
	DBPath  string `yaml:"dbPath"`

	AWSRegion          string `yaml:"awsRegion"`
	SQSEndpoint        string `yaml:"sqsEndpoint"`
	AWSAccessKeyID     string `yaml:"awsAccessKeyId"`
	AWSSecretAccessKey string `yaml:"awsSecretAccessKey"`

	QueuePrefix       string        `yaml:"queuePrefix"`
	FlushInterval     time.Duration `yaml:"flushInterval"`
	DisableBuffering  bool          `yaml:"disableBuffering"`
	VisibilityTimeout int           `yaml:"visibilityTimeout"`
	ReceiveWaitTime   int           `yaml:"receiveWaitTime"`
	ReceiveBatchSize  int           `yaml:"receiveBatchSize"`
	MaxReceiveCount   int           `yaml:"maxReceiveCount"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
	LogFile   string `yaml:"logFile"`

	MetricsAddr string `yaml:"metricsAddr"`
	WorkerQueue string `yaml:"workerQueue"`
}

func Default() *Config {
	return &Config{
		Backend:           BackendMemory,
		DBPath:            "./sqs.db",
		AWSRegion:         "us-east-1",
		FlushInterval:     time.Second,
		VisibilityTimeout: queue.DefaultVisibilityTimeout,
		ReceiveBatchSize:  queue.DefaultReceiveBatchSize,
		MaxReceiveCount:   5,
		LogLevel:          "info",
		LogFormat:         "json",
		MetricsAddr:       ":9090",
		WorkerQueue:       "mq:Work.inq",
	}
}

// Load reads the configuration from the environment on top of defaults.
func Load() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file and then applies environment overrides.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backend = getEnv("BACKEND", c.Backend)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.AWSRegion = getEnv("AWS_REGION", c.AWSRegion)
	c.SQSEndpoint = getEnv("SQS_ENDPOINT", c.SQSEndpoint)
	c.AWSAccessKeyID = getEnv("AWS_ACCESS_KEY_ID", c.AWSAccessKeyID)
	c.AWSSecretAccessKey = getEnv("AWS_SECRET_ACCESS_KEY", c.AWSSecretAccessKey)
	c.QueuePrefix = getEnv("QUEUE_PREFIX", c.QueuePrefix)
	c.FlushInterval = getEnvDuration("FLUSH_INTERVAL", c.FlushInterval)
	c.DisableBuffering = getEnvBool("DISABLE_BUFFERING", c.DisableBuffering)
	c.VisibilityTimeout = getEnvInt("VISIBILITY_TIMEOUT", c.VisibilityTimeout)
	c.ReceiveWaitTime = getEnvInt("RECEIVE_WAIT_TIME", c.ReceiveWaitTime)
	c.ReceiveBatchSize = getEnvInt("RECEIVE_BATCH_SIZE", c.ReceiveBatchSize)
	c.MaxReceiveCount = getEnvInt("MAX_RECEIVE_COUNT", c.MaxReceiveCount)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.WorkerQueue = getEnv("WORKER_QUEUE", c.WorkerQueue)
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQS:
	case BackendSQLite:
		if c.DBPath == "" {
			return errors.New("sqlite backend needs DB_PATH")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}
	if _, err := queue.ClampVisibilityTimeout(c.VisibilityTimeout); err != nil {
		return err
	}
	if _, err := queue.ClampWaitTime(c.ReceiveWaitTime); err != nil {
		return err
	}
	if _, err := queue.ClampReceiveBatchSize(c.ReceiveBatchSize); err != nil {
		return err
	}
	if c.MaxReceiveCount < 0 {
		return fmt.Errorf("max receive count %d: %w", c.MaxReceiveCount, queue.ErrOutOfRange)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("flush interval %s: %w", c.FlushInterval, queue.ErrOutOfRange)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations and plain seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
