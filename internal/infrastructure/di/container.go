package di

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/services/oracle"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/internal/domain/services/tokenomics"
	"github.com/bez-service/settlement_service/internal/infrastructure/adapters/evm"
	"github.com/bez-service/settlement_service/internal/infrastructure/cache"
	"github.com/bez-service/settlement_service/internal/infrastructure/config"
	"github.com/bez-service/settlement_service/internal/infrastructure/repositories"
	"github.com/bez-service/settlement_service/internal/workers/settlement_worker"
	"github.com/bez-service/settlement_service/pkg/logger"
	"github.com/bez-service/settlement_service/pkg/ratelimit"
	"github.com/bez-service/settlement_service/pkg/secrets"
)

const (
	defaultTokenDecimals = 18
	startupReadTimeout   = 15 * time.Second
)

var _ settlement.PaymentRepository = (*repositories.PaymentRepository)(nil)

// Container holds every long-lived dependency of the settlement service.
type Container struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *sqlx.DB
	// Redis is nil when the shared cache is disabled or unreachable.
	Redis cache.RedisClient
	// RateLimiter shares request budgets across instances; nil without redis.
	RateLimiter *ratelimit.TieredLimiter

	Secrets       *secrets.Manager
	EthClient     *ethclient.Client
	Ledger        *evm.Client
	TokenDecimals uint8

	PaymentRepo *repositories.PaymentRepository
	Oracle      *oracle.Oracle
	Rates       *tokenomics.Registry
	Planner     *tokenomics.Planner
	Dispatcher  *settlement.Dispatcher
	Scheduler   *settlement.RetryScheduler
	DeadLetter  settlement.DeadLetterPublisher
	Alerter     settlement.Alerter
	Engine      *settlement.Engine

	WorkerManager *settlement_worker.Manager

	AdminJWTSecret string

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// NewContainer builds the object graph. The database must already be
// connected and migrated.
func NewContainer(ctx context.Context, cfg *config.Config, db *sqlx.DB, log *logger.Logger) (*Container, error) {
	zapLog := log.Zap()
	c := &Container{Config: cfg, Logger: log, DB: db}

	var err error
	c.Secrets, err = newSecretsManager(ctx, cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secrets: %w", err)
	}
	c.AdminJWTSecret, err = c.Secrets.AdminJWTSecret(ctx, cfg.Admin.JWTSecret)
	if err != nil {
		return nil, err
	}
	if c.AdminJWTSecret == "" {
		log.Warn("Admin JWT secret not configured; admin API disabled")
	}

	if cfg.Redis.Enabled {
		rdb, err := cache.Connect(cfg.Redis, zapLog)
		if err != nil {
			log.Warn("Redis unavailable; running without shared cache and cluster rate limits", "error", err)
		} else {
			c.Redis = cache.NewFromClient(rdb, zapLog)
			c.RateLimiter = ratelimit.NewTieredLimiter(ratelimit.NewRedisStore(rdb), buildRateLimits(cfg.Server), zapLog)
			c.OnClose("redis", c.Redis.Close)
		}
	}

	hotWalletKey, err := c.Secrets.HotWalletKey(ctx, cfg.Blockchain.HotWalletPrivateKey)
	if err != nil {
		return nil, err
	}
	c.EthClient, c.Ledger, err = NewLedgerBuilder(cfg.Blockchain, zapLog).Build(ctx, hotWalletKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger: %w", err)
	}
	c.OnClose("ledger", func() error {
		c.Ledger.Close()
		c.EthClient.Close()
		return nil
	})

	readCtx, cancel := context.WithTimeout(ctx, startupReadTimeout)
	decimals, err := c.Ledger.Decimals(readCtx)
	cancel()
	if err != nil {
		log.Warn("Could not read token decimals; assuming 18", "error", err)
		decimals = defaultTokenDecimals
	}
	c.TokenDecimals = decimals

	c.PaymentRepo = repositories.NewPaymentRepository(db, log)

	c.Oracle, err = buildOracle(cfg.Oracle, c.Ledger, c.Redis, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize oracle: %w", err)
	}

	c.Rates = tokenomics.NewRegistry(buildRateTable(cfg.Tokenomics), log)
	cfg.WatchTokenomics(func(tc config.TokenomicsConfig) {
		// Rejected tables are logged by the registry.
		_ = c.Rates.Reload(buildRateTable(tc))
	})
	c.Planner = tokenomics.NewPlanner(c.Rates)

	minGas, err := parseWei(cfg.Blockchain.MinGasBalanceWei)
	if err != nil {
		return nil, fmt.Errorf("blockchain min_gas_balance_wei: %w", err)
	}
	c.Dispatcher = settlement.NewDispatcher(c.Ledger, settlement.DispatcherConfig{
		SafeAddress:      cfg.Blockchain.SafeAddress,
		HotWalletAddress: c.Ledger.HotWalletAddress(),
		MinGasBalance:    minGas,
	}, log)
	c.Scheduler = settlement.NewRetryScheduler(buildRetryPolicy(cfg.Retry))

	notifiers := NewNotifierBuilder(cfg, c.Secrets, zapLog)
	if c.DeadLetter, err = notifiers.BuildDeadLetter(ctx); err != nil {
		return nil, err
	}
	if c.Alerter, err = notifiers.BuildAlerter(ctx); err != nil {
		return nil, err
	}

	c.Engine = settlement.NewEngine(
		c.PaymentRepo,
		c.Oracle,
		c.Planner,
		c.Dispatcher,
		c.Ledger,
		c.Scheduler,
		c.DeadLetter,
		c.Alerter,
		settlement.EngineConfig{
			BurnAddress:     cfg.Blockchain.BurnAddress,
			TreasuryAddress: cfg.Blockchain.TreasuryAddress,
		},
		log,
	)

	if err := c.initializeWorkers(); err != nil {
		return nil, err
	}

	log.Info("Container initialized",
		"hot_wallet", c.Ledger.HotWalletAddress(),
		"token_decimals", c.TokenDecimals,
		"rate_table_version", c.Rates.Current().Version(),
		"shared_cache", c.Redis != nil)
	return c, nil
}

func (c *Container) initializeWorkers() error {
	wc := c.Config.Workers
	processor, err := settlement_worker.NewProcessor(settlement_worker.ProcessorConfig{
		WorkerCount:    wc.Count,
		PollInterval:   time.Duration(wc.PollIntervalMs) * time.Millisecond,
		BatchSize:      wc.BatchSize,
		AttemptTimeout: wc.AttemptTimeoutDuration(),
	}, c.Engine, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to create settlement processor: %w", err)
	}
	sweeper := settlement_worker.NewSweeper(settlement_worker.SweeperConfig{
		Schedule:   wc.SweepSchedule,
		ClaimLease: wc.ClaimLeaseDuration(),
	}, c.Engine, c.Logger)
	c.WorkerManager = settlement_worker.NewManager(processor, sweeper, c.Logger)
	return nil
}

// PingRedis reports shared cache reachability; a disabled cache is healthy.
func (c *Container) PingRedis(ctx context.Context) error {
	if c.Redis == nil {
		return nil
	}
	return c.Redis.Ping(ctx)
}

// OnClose registers a resource released by Close, in reverse order.
func (c *Container) OnClose(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

// Close releases every registered resource. The database is owned by the
// caller.
func (c *Container) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.close(); err != nil {
			c.Logger.Zap().Warn("Failed to close resource", zap.String("resource", cl.name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.closers = nil
	return firstErr
}
