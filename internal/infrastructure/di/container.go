package di

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/custodial/settlement_service/internal/api/handlers"
	"github.com/custodial/settlement_service/internal/api/middleware"
	apperrors "github.com/custodial/settlement_service/internal/domain/errors"
	"github.com/custodial/settlement_service/internal/domain/services/collection"
	"github.com/custodial/settlement_service/internal/domain/services/custody"
	"github.com/custodial/settlement_service/internal/domain/services/deposit"
	"github.com/custodial/settlement_service/internal/domain/services/ledger"
	"github.com/custodial/settlement_service/internal/domain/services/limits"
	"github.com/custodial/settlement_service/internal/domain/services/tokens"
	"github.com/custodial/settlement_service/internal/domain/services/withdrawal"
	"github.com/custodial/settlement_service/internal/infrastructure/cache"
	"github.com/custodial/settlement_service/internal/infrastructure/chain"
	"github.com/custodial/settlement_service/internal/infrastructure/config"
	"github.com/custodial/settlement_service/internal/infrastructure/database"
	"github.com/custodial/settlement_service/internal/infrastructure/events"
	"github.com/custodial/settlement_service/internal/infrastructure/repositories"
	"github.com/custodial/settlement_service/internal/workers/cleanup"
	"github.com/custodial/settlement_service/internal/workers/collection_scheduler"
	"github.com/custodial/settlement_service/internal/workers/deposit_processor"
	"github.com/custodial/settlement_service/internal/workers/withdrawal_payout"
	"github.com/custodial/settlement_service/pkg/auth"
	"github.com/custodial/settlement_service/pkg/graceful"
	"github.com/custodial/settlement_service/pkg/logger"
	"github.com/custodial/settlement_service/pkg/retry"
	"github.com/custodial/settlement_service/pkg/webhook"
)

// Version is reported by /health
var Version = "dev"

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Logger *logger.Logger
	ZapLog *zap.Logger

	// Infrastructure
	Redis       cache.RedisClient
	Revocations *auth.Revocations
	Lock        cache.DistributedLock
	Publisher   *events.AsyncPublisher
	ChainClient *chain.GuardedClient
	Wallet      *chain.Wallet
	Keyring     *chain.Keyring
	Tokens      *tokens.Registry

	// Repositories
	BalanceRepo        *repositories.BalanceRepository
	DepositAddressRepo *repositories.DepositAddressRepository
	DepositEventRepo   *repositories.DepositEventRepository
	DepositJobRepo     *repositories.DepositJobRepository
	WithdrawalRepo     *repositories.WithdrawalRepository
	CollectionRepo     *repositories.CollectionRepository
	IdempotencyRepo    *repositories.IdempotencyRepository

	// Domain services
	LedgerService     *ledger.Service
	LimitsService     *limits.Service
	DepositService    *deposit.Service
	WithdrawalService *withdrawal.Service
	CollectionService *collection.Service
	CollectionWallet  *custody.CollectionWallet

	// HTTP handlers
	CallerLimiter      *middleware.CallerRateLimiter
	HealthHandler      *handlers.HealthHandler
	BalanceHandlers    *handlers.BalanceHandlers
	DepositHandlers    *handlers.DepositHandlers
	WithdrawalHandlers *handlers.WithdrawalHandlers
	CollectionHandlers *handlers.CollectionHandlers

	// Background workers
	DepositWorkers      *deposit_processor.Manager
	PayoutWorker        *withdrawal_payout.Worker
	CollectionScheduler *collection_scheduler.Scheduler
	CleanupWorker       *cleanup.Worker
}

// missingKeys stands in for the keyring when no custody mnemonic is set
type missingKeys struct{}

func (missingKeys) PrivateKey(int64) (*ecdsa.PrivateKey, error) {
	return nil, apperrors.ConfigurationError(apperrors.CodeCustodyKeyMissing, "custody mnemonic is not configured")
}

// NewContainer wires every dependency of the serve command
func NewContainer(ctx context.Context, cfg *config.Config, db *sqlx.DB, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		DB:     db,
		Logger: log,
		ZapLog: log.Zap(),
	}

	if err := c.initializeInfrastructure(ctx); err != nil {
		return nil, err
	}
	c.initializeRepositories()
	if err := c.initializeDomainServices(); err != nil {
		return nil, err
	}
	if err := c.initializeWorkers(); err != nil {
		return nil, err
	}
	c.initializeHandlers()

	return c, nil
}

func (c *Container) initializeInfrastructure(ctx context.Context) error {
	cfg := c.Config

	redisClient, err := cache.NewRedisClient(cfg.Redis, c.Logger)
	if err != nil {
		c.Logger.Warn("Redis unavailable; using in-process sweep lock and no token revocation", "error", err)
	} else {
		c.Redis = redisClient
		c.Revocations = auth.NewRevocations(redisClient.Client())
	}

	if c.Redis != nil {
		c.Lock = cache.NewRedisLock(c.Redis.Client())
	} else {
		c.Lock = cache.NewLocalLock()
	}

	var stream redis.StreamCmdable
	if c.Redis != nil {
		stream = c.Redis.Client()
	}
	publisher, err := events.NewPublisher(cfg.Events, stream)
	if err != nil {
		return fmt.Errorf("failed to initialize event publisher: %w", err)
	}
	c.Publisher = events.NewAsyncPublisher(publisher, cfg.Events.BufferSize, c.Logger)

	if cfg.Blockchain.RPCURL == "" {
		return fmt.Errorf("blockchain.rpc_url is required")
	}
	client, err := chain.Dial(ctx, cfg.Blockchain.RPCURL, cfg.Blockchain.RPCTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to chain RPC: %w", err)
	}
	c.ChainClient = client

	chainID, err := client.ChainID(ctx)
	switch {
	case err != nil:
		c.Logger.Warn("Could not read chain id from RPC", "error", err)
	case chainID.Int64() != cfg.Blockchain.ChainID:
		return fmt.Errorf("RPC serves chain %s, configured chain is %d", chainID, cfg.Blockchain.ChainID)
	}

	c.Wallet = chain.NewWallet(client, cfg.Blockchain, c.Logger)
	c.Tokens = tokens.NewRegistry(cfg.Blockchain)

	if cfg.Custody.Mnemonic != "" {
		keyring, err := chain.NewKeyring(cfg.Custody.Mnemonic, cfg.Custody.MnemonicSecret)
		if err != nil {
			return fmt.Errorf("failed to load custody mnemonic: %w", err)
		}
		c.Keyring = keyring
	} else {
		c.Logger.Warn("Custody mnemonic not configured; deposit addresses cannot be assigned or swept")
	}

	return nil
}

func (c *Container) initializeRepositories() {
	c.BalanceRepo = repositories.NewBalanceRepository(c.DB, c.Logger)
	c.DepositAddressRepo = repositories.NewDepositAddressRepository(c.DB)
	c.DepositEventRepo = repositories.NewDepositEventRepository(c.DB)
	c.DepositJobRepo = repositories.NewDepositJobRepository(c.DB, c.Logger)
	c.WithdrawalRepo = repositories.NewWithdrawalRepository(c.DB)
	c.CollectionRepo = repositories.NewCollectionRepository(c.DB)
	c.IdempotencyRepo = repositories.NewIdempotencyRepository(c.DB)
}

func (c *Container) initializeDomainServices() error {
	cfg := c.Config
	tx := database.NewTxManager(c.DB)

	c.LedgerService = ledger.NewService(c.BalanceRepo, tx, c.Publisher, c.Logger)
	c.LimitsService = limits.NewService(cfg.Withdrawal.Limits, c.WithdrawalRepo, c.Logger)
	c.CollectionWallet = custody.NewCollectionWallet(c.CollectionRepo, cfg.Custody.MasterKey, c.Logger)

	verifier := webhook.NewVerifier(webhook.Scheme(cfg.Webhook.Scheme), cfg.Webhook.Secret)
	if !verifier.Configured() {
		c.Logger.Warn("Webhook secret not configured; deposit notifications will be refused")
	}

	var deriver deposit.AddressDeriver
	if c.Keyring != nil {
		deriver = c.Keyring
	}
	c.DepositService = deposit.NewService(
		deposit.Config{
			ChainID:              cfg.Blockchain.ChainID,
			MaxAttempts:          cfg.Deposit.MaxAttempts,
			DefaultTokenDecimals: cfg.Deposit.DefaultTokenDecimals,
		},
		verifier,
		c.Tokens,
		c.DepositAddressRepo,
		c.DepositEventRepo,
		c.DepositJobRepo,
		c.LedgerService,
		tx,
		deriver,
		c.Logger,
	)

	c.WithdrawalService = withdrawal.NewService(
		withdrawal.Config{StaleAfter: cfg.Withdrawal.StaleAfter},
		c.WithdrawalRepo,
		c.LedgerService,
		c.LimitsService,
		tx,
		c.Tokens,
		withdrawal.NewFeeSchedule(cfg.Withdrawal.Fees),
		c.Wallet,
		c.CollectionWallet,
		c.Logger,
	)

	var keys collection.KeySource = missingKeys{}
	if c.Keyring != nil {
		keys = c.Keyring
	}
	c.CollectionService = collection.NewService(
		collection.Config{
			GasBufferMultiplier: config.DecimalOrZero(cfg.Collection.GasBufferMultiplier),
			LockTTL:             cfg.Collection.LockTTL,
		},
		c.Tokens,
		c.DepositAddressRepo,
		c.CollectionRepo,
		c.DepositEventRepo,
		c.Wallet,
		keys,
		c.CollectionWallet,
		c.Lock,
		c.Logger,
	)

	return nil
}

func (c *Container) initializeWorkers() error {
	cfg := c.Config

	policy := retry.JobPolicy(cfg.Deposit.MaxAttempts)
	if cfg.Deposit.BackoffBase > 0 {
		policy.InitialDelay = cfg.Deposit.BackoffBase
	}
	if cfg.Deposit.BackoffMax > 0 {
		policy.MaxDelay = cfg.Deposit.BackoffMax
	}
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid deposit retry policy: %w", err)
	}

	processor, err := deposit_processor.NewProcessor(
		deposit_processor.ProcessorConfig{
			WorkerCount:  cfg.Deposit.WorkerCount,
			PollInterval: cfg.Deposit.PollInterval,
			BatchSize:    cfg.Deposit.BatchSize,
			JobTimeout:   cfg.Deposit.JobTimeout,
		},
		c.DepositJobRepo,
		c.DepositService,
		retry.NewRetrier(policy, c.ZapLog),
		c.Logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create deposit processor: %w", err)
	}
	c.DepositWorkers = deposit_processor.NewManager(
		deposit_processor.ManagerConfig{ReclaimCron: cfg.Deposit.ReclaimCron},
		processor,
		c.Logger,
	)

	c.PayoutWorker = withdrawal_payout.NewWorker(
		withdrawal_payout.Config{
			Workers:       cfg.Withdrawal.PayoutWorkers,
			QueueSize:     cfg.Withdrawal.QueueSize,
			PayoutTimeout: cfg.Withdrawal.PayoutTimeout,
			RecoveryCron:  cfg.Withdrawal.RecoveryCron,
		},
		c.WithdrawalService,
		c.Logger,
	)
	c.WithdrawalService.SetDispatcher(c.PayoutWorker)

	c.CollectionScheduler = collection_scheduler.NewScheduler(
		cfg.Collection.Schedule,
		cfg.Collection.ScheduledToken,
		cfg.Collection.LockTTL,
		c.CollectionService,
		c.Logger,
	)

	c.CleanupWorker = cleanup.NewWorker(
		c.IdempotencyRepo,
		c.DepositEventRepo,
		&cleanup.Config{
			StaleAfter:    cfg.Cleanup.PendingStaleAfter,
			CheckInterval: cfg.Cleanup.Interval,
		},
		c.Logger,
	)

	return nil
}

func (c *Container) initializeHandlers() {
	checks := map[string]handlers.HealthCheck{
		"database": func(ctx context.Context) error { return database.HealthCheck(ctx, c.DB) },
		"chain": func(ctx context.Context) error {
			_, err := c.ChainClient.ChainID(ctx)
			return err
		},
	}
	if c.Redis != nil {
		checks["redis"] = c.Redis.Ping
	}

	c.HealthHandler = handlers.NewHealthHandler(checks, c.ZapLog, Version)
	c.CallerLimiter = middleware.NewCallerRateLimiter(c.Config.Server.CallerRateLimitPerMin)
	c.BalanceHandlers = handlers.NewBalanceHandlers(c.LedgerService, c.Logger)
	c.DepositHandlers = handlers.NewDepositHandlers(c.DepositService, c.Config.Webhook.SignatureHeader, c.Logger)
	c.WithdrawalHandlers = handlers.NewWithdrawalHandlers(c.WithdrawalService, c.Logger)
	c.CollectionHandlers = handlers.NewCollectionHandlers(c.CollectionService, c.Logger)
}

// StartWorkers launches every background worker. The payout worker starts
// before the deposit workers so approved withdrawals resume first.
func (c *Container) StartWorkers(ctx context.Context) error {
	if err := c.PayoutWorker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start payout worker: %w", err)
	}
	if err := c.DepositWorkers.Start(ctx); err != nil {
		return fmt.Errorf("failed to start deposit workers: %w", err)
	}
	if c.CollectionScheduler.Enabled() {
		if err := c.CollectionScheduler.Start(); err != nil {
			return fmt.Errorf("failed to start collection scheduler: %w", err)
		}
	}
	go c.CleanupWorker.Start(ctx)
	return nil
}

// RegisterShutdown hands every worker and connection to the shutdown manager
func (c *Container) RegisterShutdown(sm *graceful.ShutdownManager) {
	sm.Register("collection-scheduler", graceful.ShutdownFunc(func(time.Duration) error {
		c.CollectionScheduler.Stop()
		return nil
	}))
	sm.Register("cleanup-worker", graceful.ShutdownFunc(func(time.Duration) error {
		c.CleanupWorker.Stop()
		return nil
	}))
	sm.Register("caller-rate-limiter", graceful.ShutdownFunc(func(time.Duration) error {
		c.CallerLimiter.Stop()
		return nil
	}))
	sm.Register("deposit-workers", c.DepositWorkers)
	sm.Register("payout-worker", c.PayoutWorker)

	sm.RegisterCloser(c.Publisher)
	if c.Redis != nil {
		sm.RegisterCloser(c.Redis)
	}
	sm.RegisterCloser(c.DB)
}
