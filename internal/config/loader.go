package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "mediabroker.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path may be overridden with MEDIABROKER_CONFIG; a missing file
// is not an error.
func Load() (*Config, error) {
	path := DefaultConfigFile
	if v := os.Getenv("MEDIABROKER_CONFIG"); v != "" {
		path = v
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)
	normalize(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "MEDIABROKER_PORT")
	setString(&cfg.Server.CORSOrigin, "MEDIABROKER_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "MEDIABROKER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "MEDIABROKER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "MEDIABROKER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "MEDIABROKER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "MEDIABROKER_PG_HEALTH_CHECK")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Redis.KeyPrefix, "MEDIABROKER_REDIS_PREFIX")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "MEDIABROKER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "MEDIABROKER_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "MEDIABROKER_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "MEDIABROKER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "MEDIABROKER_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "MEDIABROKER_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "MEDIABROKER_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "MEDIABROKER_CACHE_L2_TTL")
	setString(&cfg.Cache.IdempotencyBucket, "MEDIABROKER_IDEMPOTENCY_BUCKET")
	setDuration(&cfg.Cache.IdempotencyTTL, "MEDIABROKER_IDEMPOTENCY_TTL")

	// Telemetry
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Telemetry.Insecure, "OTEL_EXPORTER_OTLP_INSECURE")

	// Backends
	setString(&cfg.Backends.Store, "MEDIABROKER_STORE")
	setString(&cfg.Backends.TaskQueue, "MEDIABROKER_TASK_QUEUE")
	setString(&cfg.Backends.Bus, "MEDIABROKER_BUS")

	// Broker
	setInt(&cfg.Broker.MaxTaskRetries, "MEDIABROKER_MAX_TASK_RETRIES")
	setInt(&cfg.Broker.StatusPartitions, "MEDIABROKER_STATUS_PARTITIONS")
	setInt(&cfg.Broker.ConflictRetries, "MEDIABROKER_CONFLICT_RETRIES")
	setString(&cfg.Broker.ReconcileSchedule, "MEDIABROKER_RECONCILE_SCHEDULE")
	setInt(&cfg.Broker.ReconcileBatch, "MEDIABROKER_RECONCILE_BATCH")
	setBool(&cfg.Broker.EnforceGroupOwner, "MEDIABROKER_ENFORCE_GROUP_OWNER")
	setString(&cfg.Broker.DefaultListener, "MEDIABROKER_DEFAULT_LISTENER")
}

// normalize clamps values that have a fixed legal range instead of failing.
func normalize(cfg *Config) {
	if cfg.Broker.MaxTaskRetries < 0 {
		cfg.Broker.MaxTaskRetries = 0
	}
	if cfg.Broker.MaxTaskRetries > 10 {
		cfg.Broker.MaxTaskRetries = 10
	}
	if cfg.Broker.ConflictRetries < 1 {
		cfg.Broker.ConflictRetries = 1
	}
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}

	switch cfg.Backends.Store {
	case BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("backends.store: unknown backend %q", cfg.Backends.Store)
	}

	switch cfg.Backends.TaskQueue {
	case BackendRedis:
		if cfg.Redis.URL == "" {
			return errors.New("redis.url is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("backends.task_queue: unknown backend %q", cfg.Backends.TaskQueue)
	}

	switch cfg.Backends.Bus {
	case BackendNATS:
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("backends.bus: unknown backend %q", cfg.Backends.Bus)
	}

	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Broker.StatusPartitions < 1 {
		return errors.New("broker.status_partitions must be >= 1")
	}
	if cfg.Broker.ReconcileBatch < 1 {
		return errors.New("broker.reconcile_batch must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
