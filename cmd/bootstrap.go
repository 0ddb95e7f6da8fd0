package cmd

import (
	"context"
	"time"

	"tournament-engine/config"
	"tournament-engine/events"
	"tournament-engine/metrics"
	"tournament-engine/services"
	"tournament-engine/workers"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const leaderboardCacheTTL = 24 * time.Hour

// engine is the wired service graph shared by every subcommand.
type engine struct {
	cfg    *config.Config
	tables *config.Tables

	db    *gorm.DB
	store services.Store
	redis *redis.Client

	publisher events.Publisher
	registry  *prometheus.Registry
	metrics   *metrics.Collection
	pool      *workers.Pool

	lifecycle   *services.LifecycleController
	matchmaking *services.MatchmakingService
	settlement  *services.SettlementService
	segments    *services.SegmentService
	tournaments *services.TournamentService
	scheduler   *services.SchedulerService
	rewards     *services.RewardService
	players     *services.PlayerService
	auth        *services.AuthServiceClient
}

func retry(ctx context.Context, what string, attempts uint64, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), attempts), ctx)
	return backoff.Retry(func() error {
		if err := op(); err != nil {
			logrus.WithError(err).Warnf("%s connection failed, retrying...", what)
			return err
		}
		return nil
	}, b)
}

func openPostgres(ctx context.Context, cfg *config.Config) (*gorm.DB, error) {
	var db *gorm.DB
	err := retry(ctx, "database", cfg.DBConnectRetries, func() error {
		conn, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Warn),
			TranslateError: true,
		})
		if err != nil {
			return err
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return err
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to connect to database")
	}
	logrus.Info("database connected")
	return db, nil
}

func openRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	err := retry(ctx, "redis", 5, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, eris.Wrap(err, "failed to connect to redis")
	}
	logrus.WithField("addr", cfg.RedisAddr).Info("redis client initialized")
	return client, nil
}

func openPublisher(ctx context.Context, cfg *config.Config) (events.Publisher, error) {
	if cfg.NatsURL == "" {
		logrus.Info("NATS_URL not set, domain events go to the log")
		return events.LogPublisher{}, nil
	}
	var pub *events.NatsPublisher
	err := retry(ctx, "nats", 5, func() error {
		p, err := events.ConnectNats(cfg.NatsURL, cfg.EventSubjectPrefix)
		if err != nil {
			return err
		}
		pub = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pub, nil
}

// openStore connects the configured storage driver. Postgres is migrated on open.
func openStore(ctx context.Context, cfg *config.Config) (services.Store, *gorm.DB, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		logrus.Warn("using in-memory storage, data is lost on exit")
		return services.NewMemoryStore(), nil, nil
	}
	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	store := services.NewGormStore(db)
	if err := store.Migrate(); err != nil {
		return nil, nil, err
	}
	return store, db, nil
}

func bootstrap(ctx context.Context, cfg *config.Config) (*engine, error) {
	tables, err := config.LoadTables(cfg.TablesPath)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, tables: tables}
	e.store, e.db, err = openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		if e.redis, err = openRedis(ctx, cfg); err != nil {
			return nil, err
		}
	}
	if e.publisher, err = openPublisher(ctx, cfg); err != nil {
		return nil, err
	}

	e.registry = metrics.NewRegistry()
	e.metrics = metrics.NewCollection(e.registry)

	var (
		authority services.RewardAuthority    = services.NewTableRewardAuthority(tables)
		granter   services.ResourceGranter    = services.LocalGranter{}
		chests    services.ChestGenerator     = services.NewLocalChestGenerator(tables)
		promoter  services.PromotionRewarder  = services.LocalGranter{}
		remote    services.GameSessionCreator = nil
	)
	if cfg.GameModuleURL != "" {
		client := services.NewGameModuleClient(cfg.GameModuleURL, cfg.GameServiceToken, cfg.CollaboratorTimeout)
		authority, granter, chests, promoter, remote = client, client, client, client, client
		logrus.WithField("url", cfg.GameModuleURL).Info("using game module collaborators")
	}

	e.pool = workers.NewPool(workers.PoolConfig{
		Workers:     cfg.BestEffortWorkers,
		QueueSize:   cfg.BestEffortQueueSize,
		TaskTimeout: cfg.CollaboratorTimeout,
		Metrics:     e.metrics,
		OnFailure: func(task workers.Task, err error) {
			logrus.WithError(err).WithField("task", task.Name).Warn("best-effort task failed")
		},
	})

	now := services.Clock(time.Now)
	tournaments := services.NewCachedTournaments(e.store, cfg.TournamentCacheMB)

	var cache *services.LeaderboardCache
	if e.redis != nil {
		cache = services.NewLeaderboardCache(e.redis, leaderboardCacheTTL)
	}

	e.lifecycle = services.NewLifecycleController(e.store, tournaments, services.NewLocalGameSessions(remote, now), e.publisher, e.metrics, now)
	e.matchmaking = services.NewMatchmakingService(e.store, tournaments, tables, e.lifecycle, e.metrics, now)
	e.segments = services.NewSegmentService(e.store, tables,
		services.NewPromotionRewards(promoter, e.store, e.metrics, now),
		cache, e.publisher, e.metrics, now)
	e.settlement = services.NewSettlementService(services.SettlementDeps{
		Store:     e.store,
		Tables:    tables,
		Authority: authority,
		Granter:   granter,
		Chests:    chests,
		Scores:    e.segments,
		Pool:      e.pool,
		Publisher: e.publisher,
		Metrics:   e.metrics,
		Now:       now,
		Lease:     cfg.SettlementLease,
	})
	e.tournaments = services.NewTournamentService(tournaments, tables, now)
	e.scheduler = services.NewSchedulerService(e.store, e.matchmaking, e.lifecycle, services.SchedulerConfig{
		SweepInterval:          cfg.SweepInterval,
		SweepBatchSize:         cfg.SweepBatchSize,
		SweepMaxProcessingTime: cfg.SweepMaxProcessingTime,
		CleanupInterval:        cfg.CleanupInterval,
		QueueEntryTTL:          cfg.QueueEntryTTL,
	}, e.metrics, now)
	e.rewards = services.NewRewardService(e.store, 2*time.Second)
	e.players = services.NewPlayerService(e.store)
	if cfg.AuthServiceURL != "" {
		e.auth = services.NewAuthServiceClient(cfg.AuthServiceURL, cfg.GameServiceToken, cfg.CollaboratorTimeout)
	}
	return e, nil
}

func (e *engine) close() {
	e.pool.Stop()
	if e.publisher != nil {
		e.publisher.Close()
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close redis client")
		}
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// migrate runs AutoMigrate for every persisted model.
func migrate(ctx context.Context, cfg *config.Config) error {
	db, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()
	if err := services.NewGormStore(db).Migrate(); err != nil {
		return err
	}
	logrus.WithField("tables", len(services.AllModels())).Info("database migrated")
	return nil
}
