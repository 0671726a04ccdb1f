package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	JWT         JWTConfig        `mapstructure:"jwt"`
	Blockchain  BlockchainConfig `mapstructure:"blockchain"`
	Custody     CustodyConfig    `mapstructure:"custody"`
	Webhook     WebhookConfig    `mapstructure:"webhook"`
	Deposit     DepositConfig    `mapstructure:"deposit"`
	Withdrawal  WithdrawalConfig `mapstructure:"withdrawal"`
	Collection  CollectionConfig `mapstructure:"collection"`
	Events      EventsConfig     `mapstructure:"events"`
	Tracing     TracingConfig    `mapstructure:"tracing"`
	Cleanup     CleanupConfig    `mapstructure:"cleanup"`
}

type ServerConfig struct {
	Port                  int      `mapstructure:"port"`
	Host                  string   `mapstructure:"host"`
	ReadTimeout           int      `mapstructure:"read_timeout"`
	WriteTimeout          int      `mapstructure:"write_timeout"`
	AllowedOrigins        []string `mapstructure:"allowed_origins"`
	RateLimitPerMin       int      `mapstructure:"rate_limit_per_min"`
	CallerRateLimitPerMin int      `mapstructure:"caller_rate_limit_per_min"` // per user on fund-moving endpoints
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

// TokenConfig describes a supported token. An empty address is the native coin.
type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

type BlockchainConfig struct {
	RPCURL              string        `mapstructure:"rpc_url"`
	ChainID             int64         `mapstructure:"chain_id"`
	NativeSymbol        string        `mapstructure:"native_symbol"`
	RPCTimeout          time.Duration `mapstructure:"rpc_timeout"`
	ReceiptTimeout      time.Duration `mapstructure:"receipt_timeout"`
	ReceiptPollInterval time.Duration `mapstructure:"receipt_poll_interval"`
	NativeTransferGas   uint64        `mapstructure:"native_transfer_gas"`
	TokenTransferGas    uint64        `mapstructure:"token_transfer_gas"`
	Tokens              []TokenConfig `mapstructure:"tokens"`
}

type CustodyConfig struct {
	Mnemonic       string `mapstructure:"mnemonic"`
	MnemonicSecret string `mapstructure:"mnemonic_passphrase"`
	MasterKey      string `mapstructure:"master_key"`
}

type WebhookConfig struct {
	Secret          string `mapstructure:"secret"`
	Scheme          string `mapstructure:"scheme"`
	SignatureHeader string `mapstructure:"signature_header"`
}

type DepositConfig struct {
	WorkerCount          int           `mapstructure:"worker_count"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	BatchSize            int           `mapstructure:"batch_size"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	JobTimeout           time.Duration `mapstructure:"job_timeout"`
	ReclaimCron          string        `mapstructure:"reclaim_cron"`
	DefaultTokenDecimals int32         `mapstructure:"default_token_decimals"`
}

// FeeConfig is fixed + amount*percent for one token
type FeeConfig struct {
	Fixed   string `mapstructure:"fixed"`
	Percent string `mapstructure:"percent"`
}

// LimitConfig caps withdrawals per token
type LimitConfig struct {
	Daily   string `mapstructure:"daily"`
	Monthly string `mapstructure:"monthly"`
}

type WithdrawalConfig struct {
	Fees          map[string]FeeConfig   `mapstructure:"fees"`
	Limits        map[string]LimitConfig `mapstructure:"limits"`
	PayoutWorkers int                    `mapstructure:"payout_workers"`
	PayoutTimeout time.Duration          `mapstructure:"payout_timeout"`
	RecoveryCron  string                 `mapstructure:"recovery_cron"`
	StaleAfter    time.Duration          `mapstructure:"stale_after"`
	QueueSize     int                    `mapstructure:"queue_size"`
}

type CollectionConfig struct {
	GasBufferMultiplier string        `mapstructure:"gas_buffer_multiplier"`
	LockTTL             time.Duration `mapstructure:"lock_ttl"`
	Schedule            string        `mapstructure:"schedule"`
	ScheduledToken      string        `mapstructure:"scheduled_token"`
}

type EventsConfig struct {
	Driver       string   `mapstructure:"driver"` // redis, kafka or none
	Stream       string   `mapstructure:"stream"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	BufferSize   int      `mapstructure:"buffer_size"`
}

type CleanupConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	PendingStaleAfter time.Duration `mapstructure:"pending_stale_after"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Load reads configuration from .env, config.yaml and the environment
func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	overrideFromEnv(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.rate_limit_per_min", 600)
	v.SetDefault("server.caller_rate_limit_per_min", 30)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "settlement")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("jwt.issuer", "settlement_service")

	v.SetDefault("blockchain.chain_id", 1)
	v.SetDefault("blockchain.native_symbol", "ETH")
	v.SetDefault("blockchain.rpc_timeout", 20*time.Second)
	v.SetDefault("blockchain.receipt_timeout", 3*time.Minute)
	v.SetDefault("blockchain.receipt_poll_interval", 3*time.Second)
	v.SetDefault("blockchain.native_transfer_gas", 21000)
	v.SetDefault("blockchain.token_transfer_gas", 65000)

	v.SetDefault("webhook.scheme", "hmac-sha256")
	v.SetDefault("webhook.signature_header", "X-Webhook-Signature")

	v.SetDefault("deposit.worker_count", 3)
	v.SetDefault("deposit.poll_interval", 2*time.Second)
	v.SetDefault("deposit.batch_size", 10)
	v.SetDefault("deposit.max_attempts", 8)
	v.SetDefault("deposit.backoff_base", 30*time.Second)
	v.SetDefault("deposit.backoff_max", 30*time.Minute)
	v.SetDefault("deposit.job_timeout", 2*time.Minute)
	v.SetDefault("deposit.reclaim_cron", "*/5 * * * *")
	v.SetDefault("deposit.default_token_decimals", 18)

	v.SetDefault("withdrawal.payout_workers", 1)
	v.SetDefault("withdrawal.payout_timeout", 90*time.Second)
	v.SetDefault("withdrawal.recovery_cron", "*/2 * * * *")
	v.SetDefault("withdrawal.stale_after", 10*time.Minute)
	v.SetDefault("withdrawal.queue_size", 256)

	v.SetDefault("collection.gas_buffer_multiplier", "1.2")
	v.SetDefault("collection.lock_ttl", 2*time.Hour)
	v.SetDefault("collection.schedule", "")

	v.SetDefault("events.driver", "redis")
	v.SetDefault("events.stream", "ledger:balance_changed")
	v.SetDefault("events.kafka_topic", "ledger.balance_changed")
	v.SetDefault("events.buffer_size", 1024)

	v.SetDefault("cleanup.interval", time.Hour)
	v.SetDefault("cleanup.pending_stale_after", 24*time.Hour)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.collector_url", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
}

// overrideFromEnv maps the conventional secret variables onto config keys
func overrideFromEnv(v *viper.Viper) {
	envMap := map[string]string{
		"DATABASE_URL":           "database.url",
		"REDIS_PASSWORD":         "redis.password",
		"JWT_SECRET":             "jwt.secret",
		"ETH_RPC_URL":            "blockchain.rpc_url",
		"CUSTODY_MNEMONIC":       "custody.mnemonic",
		"CUSTODY_MASTER_KEY":     "custody.master_key",
		"WEBHOOK_SECRET":         "webhook.secret",
		"KAFKA_BROKERS":          "events.kafka_brokers",
		"OTEL_EXPORTER_ENDPOINT": "tracing.collector_url",
	}
	for env, key := range envMap {
		if val := os.Getenv(env); val != "" {
			if key == "events.kafka_brokers" {
				v.Set(key, strings.Split(val, ","))
				continue
			}
			v.Set(key, val)
		}
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("server.port", p)
		}
	}
}

func validate(config *Config) error {
	if config.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if config.Deposit.WorkerCount < 1 {
		return fmt.Errorf("deposit.worker_count must be at least 1")
	}
	if config.Deposit.MaxAttempts < 1 {
		return fmt.Errorf("deposit.max_attempts must be at least 1")
	}
	if config.Blockchain.RPCTimeout <= 0 {
		return fmt.Errorf("blockchain.rpc_timeout must be positive")
	}
	if _, err := decimal.NewFromString(config.Collection.GasBufferMultiplier); err != nil {
		return fmt.Errorf("collection.gas_buffer_multiplier: %w", err)
	}
	seen := make(map[string]bool)
	for _, t := range config.Blockchain.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("blockchain.tokens: symbol is required")
		}
		if seen[strings.ToUpper(t.Symbol)] {
			return fmt.Errorf("blockchain.tokens: duplicate symbol %s", t.Symbol)
		}
		seen[strings.ToUpper(t.Symbol)] = true
	}
	for symbol, fee := range config.Withdrawal.Fees {
		if err := validDecimal(fee.Fixed); err != nil {
			return fmt.Errorf("withdrawal.fees.%s.fixed: %w", symbol, err)
		}
		if err := validDecimal(fee.Percent); err != nil {
			return fmt.Errorf("withdrawal.fees.%s.percent: %w", symbol, err)
		}
	}
	for symbol, limit := range config.Withdrawal.Limits {
		if err := validDecimal(limit.Daily); err != nil {
			return fmt.Errorf("withdrawal.limits.%s.daily: %w", symbol, err)
		}
		if err := validDecimal(limit.Monthly); err != nil {
			return fmt.Errorf("withdrawal.limits.%s.monthly: %w", symbol, err)
		}
	}
	switch config.Events.Driver {
	case "redis", "kafka", "none":
	default:
		return fmt.Errorf("events.driver must be redis, kafka or none")
	}
	if config.Events.Driver == "kafka" && len(config.Events.KafkaBrokers) == 0 {
		return fmt.Errorf("events.kafka_brokers is required for the kafka driver")
	}
	// Webhook secret and custody keys are checked where they are used.
	return nil
}

func validDecimal(s string) error {
	if s == "" {
		return nil
	}
	_, err := decimal.NewFromString(s)
	return err
}

// DecimalOrZero parses s, returning zero for empty or malformed values
func DecimalOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
