package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"autograder/internal/auth"
	"autograder/internal/common/cache"
	"autograder/internal/common/db"
	commonmw "autograder/internal/common/http/middleware"
	"autograder/internal/common/mq"
	"autograder/internal/common/storage"
	"autograder/internal/script"
	"autograder/internal/submission/dispatch"
	"autograder/internal/submission/service"
	"autograder/pkg/utils/logger"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second

	artifactBackendLocal = "local"
	artifactBackendMinIO = "minio"

	envMySQLDSN      = "AUTOGRADER_MYSQL_DSN"
	envJWTSecret     = "AUTOGRADER_JWT_SECRET"
	envInternalToken = "AUTOGRADER_INTERNAL_TOKEN"
	envWorkerURL     = "AUTOGRADER_WORKER_URL"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// ArtifactConfig selects where uploaded archives are kept.
type ArtifactConfig struct {
	Backend string `yaml:"backend"`
	Root    string `yaml:"root"`
	Prefix  string `yaml:"prefix"`
}

// WorkerConfig locates the grading worker.
type WorkerConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EventsConfig configures terminal status events.
type EventsConfig struct {
	Topic string `yaml:"topic"`
}

// SubmissionConfig holds intake settings.
type SubmissionConfig struct {
	MaxArchiveBytes    int64                   `yaml:"maxArchiveBytes"`
	IdempotencyTTL     time.Duration           `yaml:"idempotencyTTL"`
	ListLimit          int                     `yaml:"listLimit"`
	FailureMarker      string                  `yaml:"failureMarker"`
	SubmissionCacheTTL time.Duration           `yaml:"submissionCacheTTL"`
	SubmissionEmptyTTL time.Duration           `yaml:"submissionEmptyTTL"`
	RateLimit          service.RateLimitConfig `yaml:"rateLimit"`
	Timeouts           service.TimeoutConfig   `yaml:"timeouts"`
}

// AppConfig holds grading-service configuration.
type AppConfig struct {
	EnvFile    string              `yaml:"envFile"`
	Server     ServerConfig        `yaml:"server"`
	CORS       commonmw.CORSConfig `yaml:"cors"`
	Logger     logger.Config       `yaml:"logger"`
	MySQL      db.MySQLConfig      `yaml:"mysql"`
	Redis      cache.RedisConfig   `yaml:"redis"`
	MinIO      storage.MinIOConfig `yaml:"minio"`
	Kafka      mq.KafkaConfig      `yaml:"kafka"`
	Events     EventsConfig        `yaml:"events"`
	Auth       auth.Config         `yaml:"auth"`
	Artifact   ArtifactConfig      `yaml:"artifact"`
	Script     script.Config       `yaml:"script"`
	Worker     WorkerConfig        `yaml:"worker"`
	Dispatch   dispatch.Config     `yaml:"dispatch"`
	Submission SubmissionConfig    `yaml:"submission"`
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
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.EnvFile != "" {
		// Variables already set in the process environment win over the file.
		if err := godotenv.Load(cfg.EnvFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file failed: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv(envMySQLDSN); v != "" {
		cfg.MySQL.DSN = v
	}
	if v := os.Getenv(envJWTSecret); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv(envInternalToken); v != "" {
		cfg.Auth.InternalToken = v
	}
	if v := os.Getenv(envWorkerURL); v != "" {
		cfg.Worker.URL = v
	}
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaultShutdownTimeout
	}

	cfg.Redis.ApplyDefaults()
	cfg.Dispatch.ApplyDefaults()

	cfg.Artifact.Backend = strings.ToLower(strings.TrimSpace(cfg.Artifact.Backend))
	if cfg.Artifact.Backend == "" {
		cfg.Artifact.Backend = artifactBackendLocal
	}
	if cfg.Artifact.Root == "" {
		cfg.Artifact.Root = "data/submissions"
	}
	if cfg.Script.ActivePath == "" {
		cfg.Script.ActivePath = "data/grading_script.py"
	}
	if cfg.Worker.Timeout == 0 {
		cfg.Worker.Timeout = 10 * time.Second
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = "submission.status.final"
	}

	if cfg.Submission.MaxArchiveBytes == 0 {
		cfg.Submission.MaxArchiveBytes = 50 << 20
	}
	if cfg.Submission.IdempotencyTTL == 0 {
		cfg.Submission.IdempotencyTTL = 10 * time.Minute
	}
	if cfg.Submission.ListLimit == 0 {
		cfg.Submission.ListLimit = 50
	}
	if cfg.Submission.SubmissionCacheTTL == 0 {
		cfg.Submission.SubmissionCacheTTL = 10 * time.Minute
	}
	if cfg.Submission.SubmissionEmptyTTL == 0 {
		cfg.Submission.SubmissionEmptyTTL = time.Minute
	}
	if cfg.Submission.RateLimit.Window == 0 {
		cfg.Submission.RateLimit.Window = time.Minute
	}
	if cfg.Submission.RateLimit.OwnerMax == 0 {
		cfg.Submission.RateLimit.OwnerMax = 10
	}
	if cfg.Submission.Timeouts.DB == 0 {
		cfg.Submission.Timeouts.DB = 3 * time.Second
	}
	if cfg.Submission.Timeouts.Cache == 0 {
		cfg.Submission.Timeouts.Cache = time.Second
	}
	if cfg.Submission.Timeouts.Storage == 0 {
		cfg.Submission.Timeouts.Storage = 30 * time.Second
	}
	if cfg.Submission.Timeouts.Event == 0 {
		cfg.Submission.Timeouts.Event = 3 * time.Second
	}
}

func (c *AppConfig) validate() error {
	if c.MySQL.DSN == "" {
		return fmt.Errorf("mysql dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwtSecret is required")
	}
	if c.Auth.InternalToken == "" {
		return fmt.Errorf("auth internalToken is required")
	}
	if c.Worker.URL == "" {
		return fmt.Errorf("worker url is required")
	}
	switch c.Artifact.Backend {
	case artifactBackendLocal:
	case artifactBackendMinIO:
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return fmt.Errorf("minio endpoint and bucket are required for the minio artifact backend")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q", c.Artifact.Backend)
	}
	return nil
}
