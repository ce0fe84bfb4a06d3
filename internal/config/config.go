package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	sharedEvents "github.com/davicafu/fieldflow/internal/shared/events"
)

// Backends de almacenamiento soportados para el outbox.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type Config struct {
	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`

	// Almacenamiento
	OutboxBackend string `yaml:"outbox_backend"` // sqlite | postgres
	SQLitePath    string `yaml:"sqlite_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	RecordBackend string `yaml:"record_backend"` // sqlite | mongo
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`

	// Caché de grafos y bus
	RedisAddr        string        `yaml:"redis_addr"`
	GraphCacheTTL    time.Duration `yaml:"graph_cache_ttl"`
	UseKafka         bool          `yaml:"use_kafka"`
	KafkaBrokers     []string      `yaml:"kafka_brokers"`
	KafkaTaskTopic   string        `yaml:"kafka_task_topic"`
	KafkaChangeTopic string        `yaml:"kafka_change_topic"`
	KafkaGroupID     string        `yaml:"kafka_group_id"`

	// Analítica (opcional)
	ClickHouseAddr string `yaml:"clickhouse_addr"`
	ClickHouseDB   string `yaml:"clickhouse_db"`

	// Worker
	WorkerID       string        `yaml:"worker_id"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchLimit     int           `yaml:"batch_limit"`
	LeaseTimeout   time.Duration `yaml:"lease_timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	BackoffJitter  float64       `yaml:"backoff_jitter"`

	// Planner: umbrales de degradación a plan grueso
	MaxRecordsPerStep int `yaml:"max_records_per_step"`
	MaxPlanRecords    int `yaml:"max_plan_records"`
}

// Valores por defecto documentados.
const (
	DefaultLeaseTimeout      = 60 * time.Second
	DefaultMaxAttempts       = 3
	DefaultMaxRecordsPerStep = 5000
	DefaultMaxPlanRecords    = 50000
)

// LoadConfig lee la configuración del entorno. Si FIELDFLOW_CONFIG apunta a un
// fichero YAML, sus valores se aplican encima del entorno.
func LoadConfig() (*Config, error) {
	cfg := fromEnv(os.Getenv)

	if path := os.Getenv("FIELDFLOW_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv(lookup func(string) string) *Config {
	getEnv := func(key, fallback string) string {
		if v := lookup(key); v != "" {
			return v
		}
		return fallback
	}
	getInt := func(key string, fallback int) int {
		if v, err := strconv.Atoi(lookup(key)); err == nil {
			return v
		}
		return fallback
	}
	getFloat := func(key string, fallback float64) float64 {
		if v, err := strconv.ParseFloat(lookup(key), 64); err == nil {
			return v
		}
		return fallback
	}
	getDuration := func(key string, fallback time.Duration) time.Duration {
		if v, err := time.ParseDuration(lookup(key)); err == nil {
			return v
		}
		return fallback
	}

	hostname, _ := os.Hostname()

	return &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		OutboxBackend: getEnv("OUTBOX_BACKEND", BackendSQLite),
		SQLitePath:    getEnv("SQLITE_PATH", "./fieldflow.db"),
		PostgresDSN:   getEnv("DATABASE_URL", ""),
		RecordBackend: getEnv("RECORD_BACKEND", BackendSQLite),
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "fieldflow"),

		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		GraphCacheTTL:    getDuration("GRAPH_CACHE_TTL", 10*time.Minute),
		UseKafka:         getEnv("USE_KAFKA", "false") == "true",
		KafkaBrokers:     strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
		KafkaTaskTopic:   getEnv("KAFKA_TASK_TOPIC", sharedEvents.TaskTopic),
		KafkaChangeTopic: getEnv("KAFKA_CHANGE_TOPIC", sharedEvents.ChangeTopic),
		KafkaGroupID:     getEnv("KAFKA_GROUP_ID", "fieldflow-planner"),

		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "fieldflow"),

		WorkerID:      getEnv("WORKER_ID", "worker-"+hostname),
		PollInterval:  getDuration("OUTBOX_POLL_INTERVAL", time.Second),
		BatchLimit:    getInt("OUTBOX_BATCH_LIMIT", 10),
		LeaseTimeout:  getDuration("OUTBOX_LEASE_TIMEOUT", DefaultLeaseTimeout),
		MaxAttempts:   getInt("OUTBOX_MAX_ATTEMPTS", DefaultMaxAttempts),
		BackoffBase:   getDuration("OUTBOX_BACKOFF_BASE", time.Second),
		BackoffMax:    getDuration("OUTBOX_BACKOFF_MAX", 5*time.Minute),
		BackoffJitter: getFloat("OUTBOX_BACKOFF_JITTER", 0.2),

		MaxRecordsPerStep: getInt("PLANNER_MAX_RECORDS_PER_STEP", DefaultMaxRecordsPerStep),
		MaxPlanRecords:    getInt("PLANNER_MAX_PLAN_RECORDS", DefaultMaxPlanRecords),
	}
}

// Validate comprueba combinaciones imposibles antes de arrancar nada.
func (c *Config) Validate() error {
	switch c.OutboxBackend {
	case BackendSQLite:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres outbox backend")
		}
	default:
		return fmt.Errorf("config: unknown outbox backend %q", c.OutboxBackend)
	}
	if c.RecordBackend != BackendSQLite && c.RecordBackend != "mongo" {
		return fmt.Errorf("config: unknown record backend %q", c.RecordBackend)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: max attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.LeaseTimeout <= 0 {
		return fmt.Errorf("config: lease timeout must be positive")
	}
	if c.BackoffJitter < 0 || c.BackoffJitter > 1 {
		return fmt.Errorf("config: backoff jitter must be within [0,1], got %v", c.BackoffJitter)
	}
	if c.MaxRecordsPerStep <= 0 || c.MaxPlanRecords <= 0 {
		return fmt.Errorf("config: planner limits must be positive")
	}
	return nil
}
