package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config holds the service configuration read from the environment.
type Config struct {
	// Server
	HTTPPort       int    `env:"HTTP_PORT" envDefault:"5200"`
	Environment    string `env:"ENVIRONMENT" envDefault:"dev"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT" envDefault:"text"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`

	// Gateway / service-to-service auth
	GameServiceToken string `env:"GAME_SERVICE_TOKEN"`
	AuthServiceURL   string `env:"AUTH_SERVICE_URL"`

	// Storage
	DatabaseURL      string `env:"DATABASE_URL"`
	StorageDriver    string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	DBConnectRetries uint64 `env:"DB_CONNECT_RETRIES" envDefault:"5"`

	// Redis leaderboard cache (disabled when empty)
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Domain events (log publisher when empty)
	NatsURL            string `env:"NATS_URL"`
	EventSubjectPrefix string `env:"EVENT_SUBJECT_PREFIX" envDefault:"tournament"`

	// Metrics
	MetricsPort     int    `env:"METRICS_PORT" envDefault:"8080"`
	MetricsEndpoint string `env:"METRICS_ENDPOINT" envDefault:"/metrics"`

	// Static tables (embedded defaults when empty)
	TablesPath string `env:"TABLES_PATH"`

	// Collaborators (in-process implementations when empty)
	GameModuleURL       string        `env:"GAME_MODULE_URL"`
	CollaboratorTimeout time.Duration `env:"COLLABORATOR_TIMEOUT" envDefault:"10s"`

	// Player rating sync (disabled when empty)
	ProfileServiceURL  string        `env:"PROFILE_SERVICE_URL"`
	PlayerSyncInterval time.Duration `env:"PLAYER_SYNC_INTERVAL" envDefault:"5m"`

	// Scheduler
	SweepInterval          time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	SweepBatchSize         int           `env:"SWEEP_BATCH_SIZE" envDefault:"50"`
	SweepMaxProcessingTime time.Duration `env:"SWEEP_MAX_PROCESSING_TIME" envDefault:"30s"`
	CleanupInterval        time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5m"`
	QueueEntryTTL          time.Duration `env:"QUEUE_ENTRY_TTL" envDefault:"30m"`

	LeaderboardSyncInterval time.Duration `env:"LEADERBOARD_SYNC_INTERVAL" envDefault:"10m"`

	// A settlement that has not ended its game within this lease may be resumed
	SettlementLease time.Duration `env:"SETTLEMENT_LEASE" envDefault:"2m"`

	// Best-effort task pool
	BestEffortWorkers   int `env:"BEST_EFFORT_WORKERS" envDefault:"4"`
	BestEffortQueueSize int `env:"BEST_EFFORT_QUEUE_SIZE" envDefault:"256"`

	TournamentCacheMB int `env:"TOURNAMENT_CACHE_MB" envDefault:"16"`
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Warnf("no .env file loaded: %v (reading environment directly)", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse config from environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return eris.Errorf("invalid HTTP_PORT: %d (must be 1-65535)", c.HTTPPort)
	}
	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return eris.Errorf("invalid METRICS_PORT: %d (must be 1-65535)", c.MetricsPort)
	}
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			return eris.New("DATABASE_URL is required for the postgres storage driver")
		}
	case StorageDriverMemory:
	default:
		return eris.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return eris.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	if c.BestEffortWorkers < 1 {
		return eris.Errorf("BEST_EFFORT_WORKERS must be positive, got %d", c.BestEffortWorkers)
	}
	if c.BestEffortQueueSize < 1 {
		return eris.Errorf("BEST_EFFORT_QUEUE_SIZE must be positive, got %d", c.BestEffortQueueSize)
	}
	if c.SweepBatchSize < 0 {
		return eris.Errorf("SWEEP_BATCH_SIZE must not be negative, got %d", c.SweepBatchSize)
	}
	if c.TournamentCacheMB < 1 {
		return eris.Errorf("TOURNAMENT_CACHE_MB must be positive, got %d", c.TournamentCacheMB)
	}
	return nil
}

// ConfigureLogging applies level and formatter to the standard logrus logger.
func (c *Config) ConfigureLogging() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logrus.Warnf("invalid LOG_LEVEL %q, falling back to info", c.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if c.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
