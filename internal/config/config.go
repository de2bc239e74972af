// Copyright 2025 Piyush Sharma
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Queue struct {
	URL               string        `mapstructure:"url"`
	Name              string        `mapstructure:"name"`
	MaxSize           int64         `mapstructure:"max_size"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PopTimeout        time.Duration `mapstructure:"pop_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	PoolSize          int           `mapstructure:"pool_size"`
}

type Metadata struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type Blob struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Endpoint  string `mapstructure:"endpoint"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type Worker struct {
	Count       int           `mapstructure:"count"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	Backoff     Backoff       `mapstructure:"backoff"`
}

type Models struct {
	VehicleEndpoint         string        `mapstructure:"vehicle_endpoint"`
	FaceEndpoint            string        `mapstructure:"face_endpoint"`
	CarConfidenceThreshold  float64       `mapstructure:"car_confidence_threshold"`
	FaceConfidenceThreshold float64       `mapstructure:"face_confidence_threshold"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
}

type Admission struct {
	InlinePayloadMaxBytes int64 `mapstructure:"inline_payload_max_bytes"`
	MaxPayloadBytes       int64 `mapstructure:"max_payload_bytes"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
	Pause            time.Duration `mapstructure:"pause"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

type API struct {
	Port int `mapstructure:"port"`
}

type Config struct {
	Queue          Queue          `mapstructure:"queue"`
	Metadata       Metadata       `mapstructure:"metadata"`
	Blob           Blob           `mapstructure:"blob"`
	Worker         Worker         `mapstructure:"worker"`
	Models         Models         `mapstructure:"models"`
	Admission      Admission      `mapstructure:"admission"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Observability  Observability  `mapstructure:"observability"`
	API            API            `mapstructure:"api"`
}

func defaultConfig() *Config {
	return &Config{
		Queue: Queue{
			URL:               "redis://localhost:6379/0",
			Name:              "imageproc:jobs",
			MaxSize:           1000,
			VisibilityTimeout: 120 * time.Second,
			PopTimeout:        1 * time.Second,
			DialTimeout:       5 * time.Second,
			ReadTimeout:       3 * time.Second,
			WriteTimeout:      3 * time.Second,
			PoolSize:          0,
		},
		Metadata: Metadata{
			MaxOpenConns:    20,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Worker: Worker{
			Count:       5,
			MaxAttempts: 5,
			StepTimeout: 300 * time.Second,
			Backoff:     Backoff{Base: 1 * time.Second, Max: 60 * time.Second},
		},
		Models: Models{
			CarConfidenceThreshold:  0.8,
			FaceConfidenceThreshold: 0.8,
			RequestTimeout:          30 * time.Second,
		},
		Admission: Admission{
			InlinePayloadMaxBytes: 262144,
			MaxPayloadBytes:       32 << 20,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
			Pause:            100 * time.Millisecond,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			QueueSampleInterval: 2 * time.Second,
		},
		API: API{Port: 8080},
	}
}

// envAliases maps the flat deployment variables onto viper keys so that
// QUEUE_URL et al. work without a config file.
var envAliases = map[string]string{
	"queue.url":                          "QUEUE_URL",
	"metadata.url":                       "METADATA_URL",
	"blob.bucket":                        "BLOB_BUCKET",
	"blob.region":                        "BLOB_REGION",
	"blob.access_key":                    "BLOB_ACCESS_KEY",
	"blob.secret_key":                    "BLOB_SECRET_KEY",
	"blob.endpoint":                      "BLOB_ENDPOINT",
	"worker.count":                       "NUM_WORKERS",
	"worker.max_attempts":                "MAX_ATTEMPTS",
	"worker.step_timeout":                "WORKER_TIMEOUT",
	"queue.max_size":                     "MAX_QUEUE_SIZE",
	"queue.visibility_timeout":           "VISIBILITY_TIMEOUT",
	"models.car_confidence_threshold":    "CAR_CONFIDENCE_THRESHOLD",
	"models.face_confidence_threshold":   "FACE_CONFIDENCE_THRESHOLD",
	"admission.inline_payload_max_bytes": "INLINE_PAYLOAD_MAX_BYTES",
}

// Load reads configuration from a YAML file plus env overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		_ = v.BindEnv(key, env)
	}

	def := defaultConfig()
	v.SetDefault("queue.url", def.Queue.URL)
	v.SetDefault("queue.name", def.Queue.Name)
	v.SetDefault("queue.max_size", def.Queue.MaxSize)
	v.SetDefault("queue.visibility_timeout", def.Queue.VisibilityTimeout)
	v.SetDefault("queue.pop_timeout", def.Queue.PopTimeout)
	v.SetDefault("queue.dial_timeout", def.Queue.DialTimeout)
	v.SetDefault("queue.read_timeout", def.Queue.ReadTimeout)
	v.SetDefault("queue.write_timeout", def.Queue.WriteTimeout)
	v.SetDefault("queue.pool_size", def.Queue.PoolSize)

	v.SetDefault("metadata.max_open_conns", def.Metadata.MaxOpenConns)
	v.SetDefault("metadata.max_idle_conns", def.Metadata.MaxIdleConns)
	v.SetDefault("metadata.conn_max_lifetime", def.Metadata.ConnMaxLifetime)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.max_attempts", def.Worker.MaxAttempts)
	v.SetDefault("worker.step_timeout", def.Worker.StepTimeout)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)

	v.SetDefault("models.car_confidence_threshold", def.Models.CarConfidenceThreshold)
	v.SetDefault("models.face_confidence_threshold", def.Models.FaceConfidenceThreshold)
	v.SetDefault("models.request_timeout", def.Models.RequestTimeout)

	v.SetDefault("admission.inline_payload_max_bytes", def.Admission.InlinePayloadMaxBytes)
	v.SetDefault("admission.max_payload_bytes", def.Admission.MaxPayloadBytes)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)
	v.SetDefault("circuit_breaker.pause", def.CircuitBreaker.Pause)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("api.port", def.API.Port)

	// Optional file read
	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Queue.URL == "" {
		return fmt.Errorf("queue.url is required")
	}
	if cfg.Queue.MaxSize < 1 {
		return fmt.Errorf("queue.max_size must be >= 1")
	}
	if cfg.Queue.VisibilityTimeout < time.Second {
		return fmt.Errorf("queue.visibility_timeout must be >= 1s")
	}
	if cfg.Queue.PopTimeout <= 0 || cfg.Queue.PopTimeout > cfg.Queue.VisibilityTimeout/2 {
		return fmt.Errorf("queue.pop_timeout must be >0 and <= visibility_timeout/2")
	}
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be >= 1")
	}
	if cfg.Worker.StepTimeout <= 0 {
		return fmt.Errorf("worker.step_timeout must be > 0")
	}
	if cfg.Models.CarConfidenceThreshold < 0 || cfg.Models.CarConfidenceThreshold > 1 {
		return fmt.Errorf("models.car_confidence_threshold must be in [0,1]")
	}
	if cfg.Models.FaceConfidenceThreshold < 0 || cfg.Models.FaceConfidenceThreshold > 1 {
		return fmt.Errorf("models.face_confidence_threshold must be in [0,1]")
	}
	if cfg.Admission.InlinePayloadMaxBytes < 0 {
		return fmt.Errorf("admission.inline_payload_max_bytes must be >= 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
		return fmt.Errorf("api.port must be 1..65535")
	}
	return nil
}
