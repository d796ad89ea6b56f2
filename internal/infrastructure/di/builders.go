package di

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/services/oracle"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/internal/domain/services/tokenomics"
	"github.com/bez-service/settlement_service/internal/infrastructure/adapters/alerting"
	"github.com/bez-service/settlement_service/internal/infrastructure/adapters/deadletter"
	"github.com/bez-service/settlement_service/internal/infrastructure/adapters/evm"
	"github.com/bez-service/settlement_service/internal/infrastructure/cache"
	"github.com/bez-service/settlement_service/internal/infrastructure/config"
	"github.com/bez-service/settlement_service/pkg/logger"
	"github.com/bez-service/settlement_service/pkg/ratelimit"
	"github.com/bez-service/settlement_service/pkg/secrets"
)

// IntakeRoute is the payment confirmation endpoint as gin reports it.
const IntakeRoute = "/api/v1/payments/confirmations"

// buildRateLimits maps per-minute server budgets onto limiter tiers.
func buildRateLimits(cfg config.ServerConfig) ratelimit.TieredConfig {
	limits := ratelimit.TieredConfig{
		GlobalLimit:    int64(cfg.GlobalRateLimitPerMin),
		GlobalWindow:   time.Minute,
		IPLimit:        int64(cfg.RateLimitPerMin),
		IPWindow:       time.Minute,
		EndpointLimits: map[string]ratelimit.EndpointLimit{},
	}
	if cfg.IntakeRateLimitPerMin > 0 {
		limits.EndpointLimits[IntakeRoute] = ratelimit.EndpointLimit{
			Limit:  int64(cfg.IntakeRateLimitPerMin),
			Window: time.Minute,
		}
	}
	return limits
}

// newSecretsManager picks the secret source named in configuration.
func newSecretsManager(ctx context.Context, cfg config.SecretsConfig) (*secrets.Manager, error) {
	if !cfg.UsesAWS() {
		return secrets.NewManager(secrets.NewEnvProvider()), nil
	}
	provider, err := secrets.NewAWSSecretsManagerProvider(ctx, cfg.Region, cfg.Prefix)
	if err != nil {
		return nil, err
	}
	return secrets.NewManager(secrets.NewCachedProvider(provider, cfg.CacheTTLDuration())), nil
}

// LedgerBuilder dials the chain and builds the token ledger client.
type LedgerBuilder struct {
	cfg    config.BlockchainConfig
	logger *zap.Logger
}

func NewLedgerBuilder(cfg config.BlockchainConfig, logger *zap.Logger) *LedgerBuilder {
	return &LedgerBuilder{cfg: cfg, logger: logger}
}

func (b *LedgerBuilder) Build(ctx context.Context, hotWalletKey string) (*ethclient.Client, *evm.Client, error) {
	eth, err := evm.Dial(ctx, b.cfg.RPCURL)
	if err != nil {
		return nil, nil, err
	}

	client, err := evm.NewClient(eth, evm.Config{
		ChainID:             big.NewInt(b.cfg.ChainID),
		TokenAddress:        b.cfg.TokenAddress,
		SafeAddress:         b.cfg.SafeAddress,
		HotWalletKey:        hotWalletKey,
		GasLimit:            b.cfg.GasLimit,
		Confirmations:       b.cfg.Confirmations,
		ConfirmationTimeout: b.cfg.ConfirmationTimeoutDuration(),
		PollInterval:        b.cfg.PollInterval(),
		RateLimit:           b.cfg.RPCRateLimit,
		Burst:               b.cfg.RPCBurst,
	}, b.logger)
	if err != nil {
		eth.Close()
		return nil, nil, fmt.Errorf("failed to build ledger client: %w", err)
	}
	return eth, client, nil
}

// NotifierBuilder builds the dead-letter sink and the operator alert
// channels, falling back to log-only implementations when nothing is
// configured.
type NotifierBuilder struct {
	cfg     *config.Config
	secrets *secrets.Manager
	logger  *zap.Logger
}

func NewNotifierBuilder(cfg *config.Config, secretsManager *secrets.Manager, logger *zap.Logger) *NotifierBuilder {
	return &NotifierBuilder{cfg: cfg, secrets: secretsManager, logger: logger}
}

func (b *NotifierBuilder) BuildDeadLetter(ctx context.Context) (settlement.DeadLetterPublisher, error) {
	dl := b.cfg.DeadLetter
	if strings.TrimSpace(dl.QueueURL) == "" {
		b.logger.Warn("Dead-letter queue not configured; dead letters are only logged")
		return deadletter.NewLogPublisher(b.logger), nil
	}
	publisher, err := deadletter.NewSQSPublisher(ctx, dl.Region, dl.QueueURL, b.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize dead-letter queue: %w", err)
	}
	return publisher, nil
}

func (b *NotifierBuilder) BuildAlerter(ctx context.Context) (settlement.Alerter, error) {
	ac := b.cfg.Alerts
	channels := alerting.Fanout{alerting.NewLogAlerter(b.logger)}

	apiKey, err := b.secrets.SendGridAPIKey(ctx, ac.SendGridAPIKey)
	if err != nil {
		return nil, err
	}
	if apiKey != "" && len(ac.Recipients) > 0 {
		email, err := alerting.NewEmailAlerter(alerting.EmailConfig{
			APIKey:     apiKey,
			FromEmail:  ac.FromEmail,
			FromName:   ac.FromName,
			Recipients: ac.Recipients,
		}, b.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize email alerts: %w", err)
		}
		channels = append(channels, email)
	}

	if strings.TrimSpace(ac.SNSTopicARN) != "" {
		topic, err := alerting.NewSNSAlerter(ctx, ac.Region, ac.SNSTopicARN, b.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SNS alerts: %w", err)
		}
		channels = append(channels, topic)
	}

	if len(channels) == 1 {
		b.logger.Warn("No alert channel configured; alerts are only logged")
	}
	return channels, nil
}

// buildOracle converts the oracle configuration and wires the optional
// shared cache.
func buildOracle(cfg config.OracleConfig, reader oracle.ReserveReader, shared cache.RedisClient, log *logger.Logger) (*oracle.Oracle, error) {
	spreadPercent, err := decimal.NewFromString(cfg.SpreadPercent)
	if err != nil {
		return nil, fmt.Errorf("invalid oracle spread_percent %q: %w", cfg.SpreadPercent, err)
	}
	spread, err := oracle.NewSpreadCalculator(spreadPercent)
	if err != nil {
		return nil, err
	}

	pairs := make(map[string]oracle.PairConfig, len(cfg.Pairs))
	for name, p := range cfg.Pairs {
		fallback := decimal.Zero
		if strings.TrimSpace(p.FallbackPrice) != "" {
			fallback, err = decimal.NewFromString(p.FallbackPrice)
			if err != nil {
				return nil, fmt.Errorf("invalid fallback_price for pair %s: %w", name, err)
			}
		}
		pairs[name] = oracle.PairConfig{
			PoolAddress:   p.PoolAddress,
			BaseIsToken0:  p.BaseIsToken0,
			BaseDecimals:  p.BaseDecimals,
			QuoteDecimals: p.QuoteDecimals,
			QuoteCurrency: strings.ToUpper(p.QuoteCurrency),
			FallbackPrice: fallback,
		}
	}

	var opts []oracle.Option
	if shared != nil {
		opts = append(opts, oracle.WithSharedCache(shared))
	}
	return oracle.New(reader, spread, oracle.Config{
		CacheTTL:       cfg.CacheTTLDuration(),
		RefreshTimeout: cfg.RefreshTimeoutDuration(),
		Pairs:          pairs,
	}, log, opts...), nil
}

func buildRateTable(cfg config.TokenomicsConfig) *tokenomics.RateTable {
	return tokenomics.NewRateTable(cfg.BurnBps, cfg.TreasuryBps)
}

func buildRetryPolicy(cfg config.RetryConfig) settlement.RetryPolicy {
	return settlement.RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		InitialDelay: time.Duration(cfg.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxDelayMs) * time.Millisecond,
	}
}

func parseWei(value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return new(big.Int), nil
	}
	wei, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || wei.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", value)
	}
	return wei, nil
}
