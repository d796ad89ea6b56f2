package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the settlement service.
type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	Log         LogConfig        `mapstructure:"log"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Blockchain  BlockchainConfig `mapstructure:"blockchain"`
	Oracle      OracleConfig     `mapstructure:"oracle"`
	Tokenomics  TokenomicsConfig `mapstructure:"tokenomics"`
	Retry       RetryConfig      `mapstructure:"retry"`
	Workers     WorkerConfig     `mapstructure:"workers"`
	DeadLetter  DeadLetterConfig `mapstructure:"dead_letter"`
	Alerts      AlertsConfig     `mapstructure:"alerts"`
	Admin       AdminConfig      `mapstructure:"admin"`
	Tracing     TracingConfig    `mapstructure:"tracing"`
	Secrets     SecretsConfig    `mapstructure:"secrets"`

	v  *viper.Viper
	mu sync.Mutex
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
	// Cluster-wide budgets, enforced through redis when it is enabled.
	GlobalRateLimitPerMin int `mapstructure:"global_rate_limit_per_min"`
	IntakeRateLimitPerMin int `mapstructure:"intake_rate_limit_per_min"`
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
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// BlockchainConfig describes the chain, the token and the wallets the
// engine spends from.
type BlockchainConfig struct {
	RPCURL              string  `mapstructure:"rpc_url"`
	ChainID             int64   `mapstructure:"chain_id"`
	TokenAddress        string  `mapstructure:"token_address"`
	SafeAddress         string  `mapstructure:"safe_address"`
	HotWalletPrivateKey string  `mapstructure:"hot_wallet_private_key"`
	BurnAddress         string  `mapstructure:"burn_address"`
	TreasuryAddress     string  `mapstructure:"treasury_address"`
	MinGasBalanceWei    string  `mapstructure:"min_gas_balance_wei"`
	GasLimit            uint64  `mapstructure:"gas_limit"`
	Confirmations       uint64  `mapstructure:"confirmations"`
	ConfirmationTimeout int     `mapstructure:"confirmation_timeout"`
	PollIntervalMs      int     `mapstructure:"poll_interval_ms"`
	RPCRateLimit        float64 `mapstructure:"rpc_rate_limit"`
	RPCBurst            int     `mapstructure:"rpc_burst"`
}

func (c BlockchainConfig) ConfirmationTimeoutDuration() time.Duration {
	return time.Duration(c.ConfirmationTimeout) * time.Second
}

func (c BlockchainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type PairConfig struct {
	PoolAddress   string `mapstructure:"pool_address"`
	BaseIsToken0  bool   `mapstructure:"base_is_token0"`
	BaseDecimals  uint8  `mapstructure:"base_decimals"`
	QuoteDecimals uint8  `mapstructure:"quote_decimals"`
	QuoteCurrency string `mapstructure:"quote_currency"`
	FallbackPrice string `mapstructure:"fallback_price"`
}

type OracleConfig struct {
	CacheTTL       int                   `mapstructure:"cache_ttl"`
	RefreshTimeout int                   `mapstructure:"refresh_timeout"`
	SpreadPercent  string                `mapstructure:"spread_percent"`
	Pairs          map[string]PairConfig `mapstructure:"pairs"`
}

func (c OracleConfig) CacheTTLDuration() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}

func (c OracleConfig) RefreshTimeoutDuration() time.Duration {
	return time.Duration(c.RefreshTimeout) * time.Second
}

// TokenomicsConfig holds burn and treasury rates in basis points keyed by
// transaction type, with "default" as fallback.
type TokenomicsConfig struct {
	BurnBps     map[string]int `mapstructure:"burn_bps"`
	TreasuryBps map[string]int `mapstructure:"treasury_bps"`
}

type RetryConfig struct {
	MaxAttempts    int `mapstructure:"max_attempts"`
	InitialDelayMs int `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int `mapstructure:"max_delay_ms"`
}

type WorkerConfig struct {
	Count           int    `mapstructure:"count"`
	PollIntervalMs  int    `mapstructure:"poll_interval_ms"`
	BatchSize       int    `mapstructure:"batch_size"`
	ClaimLease      int    `mapstructure:"claim_lease"`
	AttemptTimeout  int    `mapstructure:"attempt_timeout"`
	SweepSchedule   string `mapstructure:"sweep_schedule"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
}

func (c WorkerConfig) ClaimLeaseDuration() time.Duration {
	return time.Duration(c.ClaimLease) * time.Second
}

func (c WorkerConfig) AttemptTimeoutDuration() time.Duration {
	return time.Duration(c.AttemptTimeout) * time.Second
}

type DeadLetterConfig struct {
	QueueURL string `mapstructure:"queue_url"`
	Region   string `mapstructure:"region"`
}

type AlertsConfig struct {
	SendGridAPIKey string   `mapstructure:"sendgrid_api_key"`
	FromEmail      string   `mapstructure:"from_email"`
	FromName       string   `mapstructure:"from_name"`
	Recipients     []string `mapstructure:"recipients"`
	SNSTopicARN    string   `mapstructure:"sns_topic_arn"`
	Region         string   `mapstructure:"region"`
}

type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// SecretsConfig selects where credentials missing from configuration are
// read from: "env" or "aws" (Secrets Manager).
type SecretsConfig struct {
	Provider string `mapstructure:"provider"`
	Region   string `mapstructure:"region"`
	Prefix   string `mapstructure:"prefix"`
	CacheTTL int    `mapstructure:"cache_ttl"`
}

func (s SecretsConfig) UsesAWS() bool { return strings.EqualFold(s.Provider, "aws") }

func (s SecretsConfig) CacheTTLDuration() time.Duration {
	return time.Duration(s.CacheTTL) * time.Second
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

// Load reads .env, then config.yaml from ./configs or the working directory
// (or from paths when given), then environment overrides.
func Load(paths ...string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"./configs", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	overrideFromEnv(v)

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Database.URL == "" {
		cfg.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Name,
			cfg.Database.SSLMode,
		)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// WatchTokenomics calls fn with the re-read tokenomics section every time the
// config file changes.
func (c *Config) WatchTokenomics(fn func(TokenomicsConfig)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(fsnotify.Event) {
		c.mu.Lock()
		defer c.mu.Unlock()
		var t TokenomicsConfig
		if err := c.v.UnmarshalKey("tokenomics", &t); err != nil {
			return
		}
		c.Tokenomics = t
		fn(t)
	})
	c.v.WatchConfig()
}

// ConfigFile returns the path of the file that was loaded, if any.
func (c *Config) ConfigFile() string {
	if c.v == nil {
		return ""
	}
	return c.v.ConfigFileUsed()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.rate_limit_per_min", 120)
	v.SetDefault("server.global_rate_limit_per_min", 6000)
	v.SetDefault("server.intake_rate_limit_per_min", 600)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "settlement_service")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 3600)
	v.SetDefault("database.migrations_path", "file://migrations")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("blockchain.burn_address", "0x000000000000000000000000000000000000dEaD")
	v.SetDefault("blockchain.min_gas_balance_wei", "10000000000000000")
	v.SetDefault("blockchain.gas_limit", 120000)
	v.SetDefault("blockchain.confirmations", 2)
	v.SetDefault("blockchain.confirmation_timeout", 180)
	v.SetDefault("blockchain.poll_interval_ms", 2000)
	v.SetDefault("blockchain.rpc_rate_limit", 20)
	v.SetDefault("blockchain.rpc_burst", 40)

	v.SetDefault("oracle.cache_ttl", 30)
	v.SetDefault("oracle.refresh_timeout", 10)
	v.SetDefault("oracle.spread_percent", "2")

	v.SetDefault("tokenomics.burn_bps", map[string]int{"default": 0})
	v.SetDefault("tokenomics.treasury_bps", map[string]int{"default": 0})

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 5000)
	v.SetDefault("retry.max_delay_ms", 300000)

	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.poll_interval_ms", 1000)
	v.SetDefault("workers.batch_size", 1)
	v.SetDefault("workers.claim_lease", 900)
	v.SetDefault("workers.attempt_timeout", 720)
	v.SetDefault("workers.sweep_schedule", "@every 1m")
	v.SetDefault("workers.shutdown_timeout", 30)

	v.SetDefault("dead_letter.region", "us-east-1")

	v.SetDefault("alerts.from_email", "alerts@bez.local")
	v.SetDefault("alerts.from_name", "BEZ Settlement")

	v.SetDefault("alerts.region", "us-east-1")

	v.SetDefault("admin.issuer", "bez-settlement")

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.region", "us-east-1")
	v.SetDefault("secrets.prefix", "bez-settlement/")
	v.SetDefault("secrets.cache_ttl", 300)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.collector_url", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
}

func overrideFromEnv(v *viper.Viper) {
	set := func(env, key string) {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}

	set("ENVIRONMENT", "environment")
	set("LOG_LEVEL", "log_level")
	set("LOG_FILE", "log.file")
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("server.port", p)
		}
	}

	set("DATABASE_URL", "database.url")

	set("REDIS_HOST", "redis.host")
	set("REDIS_PASSWORD", "redis.password")
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			v.Set("redis.port", p)
		}
	}
	if enabled := os.Getenv("REDIS_ENABLED"); enabled != "" {
		v.Set("redis.enabled", enabled == "true" || enabled == "1")
	}

	set("RPC_URL", "blockchain.rpc_url")
	set("HOT_WALLET_PRIVATE_KEY", "blockchain.hot_wallet_private_key")
	set("BEZ_TOKEN_ADDRESS", "blockchain.token_address")
	set("SAFE_WALLET_ADDRESS", "blockchain.safe_address")
	set("TREASURY_ADDRESS", "blockchain.treasury_address")

	set("DLQ_QUEUE_URL", "dead_letter.queue_url")
	set("AWS_REGION", "dead_letter.region")
	set("AWS_REGION", "alerts.region")
	set("AWS_REGION", "secrets.region")
	set("SECRETS_PROVIDER", "secrets.provider")
	set("ALERT_SNS_TOPIC_ARN", "alerts.sns_topic_arn")

	set("SENDGRID_API_KEY", "alerts.sendgrid_api_key")
	if recipients := os.Getenv("ALERT_RECIPIENTS"); recipients != "" {
		var list []string
		for _, r := range strings.Split(recipients, ",") {
			if r = strings.TrimSpace(r); r != "" {
				list = append(list, r)
			}
		}
		v.Set("alerts.recipients", list)
	}

	set("ADMIN_JWT_SECRET", "admin.jwt_secret")
	set("OTEL_EXPORTER_OTLP_ENDPOINT", "tracing.collector_url")
}

func validate(cfg *Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database configuration is incomplete")
	}

	bc := cfg.Blockchain
	if bc.RPCURL == "" {
		return fmt.Errorf("blockchain rpc_url is required")
	}
	if bc.ChainID <= 0 {
		return fmt.Errorf("blockchain chain_id is required")
	}
	for name, addr := range map[string]string{
		"token_address":    bc.TokenAddress,
		"safe_address":     bc.SafeAddress,
		"burn_address":     bc.BurnAddress,
		"treasury_address": bc.TreasuryAddress,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("blockchain %s must be a hex address, got %q", name, addr)
		}
	}
	if bc.HotWalletPrivateKey == "" && !cfg.Secrets.UsesAWS() {
		return fmt.Errorf("blockchain hot_wallet_private_key is required")
	}
	if bc.Confirmations == 0 {
		return fmt.Errorf("blockchain confirmations must be at least 1")
	}

	if len(cfg.Oracle.Pairs) == 0 {
		return fmt.Errorf("at least one oracle pair is required")
	}
	for name, p := range cfg.Oracle.Pairs {
		if !common.IsHexAddress(p.PoolAddress) {
			return fmt.Errorf("oracle pair %s pool_address must be a hex address", name)
		}
		if p.QuoteCurrency == "" {
			return fmt.Errorf("oracle pair %s quote_currency is required", name)
		}
	}

	if cfg.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry max_attempts must be >= 0")
	}
	if cfg.Retry.InitialDelayMs <= 0 {
		return fmt.Errorf("retry initial_delay_ms must be positive")
	}
	if cfg.Workers.Count <= 0 {
		return fmt.Errorf("workers count must be positive")
	}
	if cfg.Workers.AttemptTimeout <= 0 {
		return fmt.Errorf("workers attempt_timeout must be positive")
	}
	// an attempt still running when its lease expires would race the sweeper
	if cfg.Workers.AttemptTimeout >= cfg.Workers.ClaimLease {
		return fmt.Errorf("workers attempt_timeout (%ds) must be shorter than claim_lease (%ds)",
			cfg.Workers.AttemptTimeout, cfg.Workers.ClaimLease)
	}

	switch strings.ToLower(cfg.Secrets.Provider) {
	case "env", "aws":
	default:
		return fmt.Errorf("secrets provider must be env or aws, got %q", cfg.Secrets.Provider)
	}
	if cfg.Environment == "production" && cfg.Admin.JWTSecret == "" && !cfg.Secrets.UsesAWS() {
		return fmt.Errorf("admin jwt_secret is required in production")
	}
	return nil
}
