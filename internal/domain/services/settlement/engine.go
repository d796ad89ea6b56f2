package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
	"github.com/bez-service/settlement_service/internal/domain/services/oracle"
	"github.com/bez-service/settlement_service/internal/domain/services/tokenomics"
	"github.com/bez-service/settlement_service/pkg/logger"
	"github.com/bez-service/settlement_service/pkg/metrics"
	"github.com/bez-service/settlement_service/pkg/retry"
	"github.com/bez-service/settlement_service/pkg/tracing"
)

// EngineConfig holds the engine's static settings.
type EngineConfig struct {
	BurnAddress     string
	TreasuryAddress string
	// PersistRetry governs retries of progress writes so a broadcast leg
	// is not lost to a database blip.
	PersistRetry retry.Policy
}

// Engine turns confirmed fiat payments into on-chain distributions.
type Engine struct {
	repo       PaymentRepository
	oracle     PriceOracle
	planner    DistributionPlanner
	dispatcher *Dispatcher
	ledger     LedgerClient
	scheduler  *RetryScheduler
	deadLetter DeadLetterPublisher
	alerter    Alerter
	cfg        EngineConfig
	logger     *logger.Logger
	now        func() time.Time
	wake       chan struct{}
}

func NewEngine(
	repo PaymentRepository,
	priceOracle PriceOracle,
	planner DistributionPlanner,
	dispatcher *Dispatcher,
	ledger LedgerClient,
	scheduler *RetryScheduler,
	deadLetter DeadLetterPublisher,
	alerter Alerter,
	cfg EngineConfig,
	log *logger.Logger,
) *Engine {
	if cfg.PersistRetry.InitialDelay == 0 {
		cfg.PersistRetry = retry.DefaultPolicy()
	}
	cfg.PersistRetry.RetryableFunc = func(err error) bool {
		return !errors.Is(err, domainerrors.ErrClaimLost)
	}
	return &Engine{
		repo:       repo,
		oracle:     priceOracle,
		planner:    planner,
		dispatcher: dispatcher,
		ledger:     ledger,
		scheduler:  scheduler,
		deadLetter: deadLetter,
		alerter:    alerter,
		cfg:        cfg,
		logger:     log,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// Wake fires after intake so idle workers poll immediately.
func (e *Engine) Wake() <-chan struct{} {
	return e.wake
}

func (e *Engine) nudge() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// OnPaymentConfirmed durably records a confirmed payment and returns. It is
// idempotent on the external payment id: repeated calls return the stored
// record without side effects.
func (e *Engine) OnPaymentConfirmed(ctx context.Context, c entities.PaymentConfirmation) (*entities.PaymentRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "settlement", "settlement.OnPaymentConfirmed",
		attribute.String("external_payment_id", c.ExternalPaymentID))
	defer span.End()

	c.FiatCurrency = strings.ToUpper(strings.TrimSpace(c.FiatCurrency))
	c.TxType = strings.ToLower(strings.TrimSpace(c.TxType))
	if err := e.validate(c); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	rec := entities.NewPaymentRecord(c, e.scheduler.MaxAttempts(), e.now())
	stored, created, err := e.repo.Create(ctx, rec)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("create payment record: %w", err)
	}
	if !created {
		metrics.PaymentsReceived.WithLabelValues("duplicate").Inc()
		e.logger.Info("Duplicate payment confirmation ignored",
			"external_payment_id", c.ExternalPaymentID,
			"payment_id", stored.ID.String(),
			"status", stored.Status)
		return stored, nil
	}

	metrics.PaymentsReceived.WithLabelValues("created").Inc()
	e.logger.Info("Payment accepted for settlement",
		"payment_id", stored.ID.String(),
		"external_payment_id", c.ExternalPaymentID,
		"fiat_amount", c.FiatAmount.String(),
		"fiat_currency", c.FiatCurrency,
		"tx_type", c.TxType)
	e.nudge()
	return stored, nil
}

func (e *Engine) validate(c entities.PaymentConfirmation) error {
	if strings.TrimSpace(c.ExternalPaymentID) == "" {
		return domainerrors.ValidationError("external_payment_id", "external payment id is required")
	}
	if !c.FiatAmount.IsPositive() {
		return domainerrors.ValidationError("fiat_amount", "fiat amount must be positive")
	}
	if _, ok := e.oracle.PairFor(c.FiatCurrency); !ok {
		return domainerrors.ValidationError("fiat_currency", fmt.Sprintf("unsupported fiat currency %q", c.FiatCurrency))
	}
	if !common.IsHexAddress(c.RecipientAddress) || common.HexToAddress(c.RecipientAddress) == (common.Address{}) {
		return domainerrors.ValidationError("recipient_address", "recipient must be a non-zero hex address")
	}
	if c.TxType == "" {
		return domainerrors.ValidationError("tx_type", "tx type is required")
	}
	return nil
}

// Get returns a record by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*entities.PaymentRecord, error) {
	return e.repo.GetByID(ctx, id)
}

// DeadLetters lists records that were given up on.
func (e *Engine) DeadLetters(ctx context.Context, limit, offset int) ([]*entities.PaymentRecord, error) {
	return e.repo.ListDeadLettered(ctx, limit, offset)
}

// Requeue makes a dead-lettered record due again. Confirmed legs stay
// confirmed; only the rest are attempted.
func (e *Engine) Requeue(ctx context.Context, id uuid.UUID) (*entities.PaymentRecord, error) {
	rec, err := e.repo.Requeue(ctx, id, e.now())
	if err != nil {
		return nil, err
	}
	e.logger.Info("Payment requeued by operator", "payment_id", id.String(), "external_payment_id", rec.ExternalPaymentID)
	e.nudge()
	return rec, nil
}

// Claim takes up to limit due records for processing.
func (e *Engine) Claim(ctx context.Context, limit int) ([]*entities.PaymentRecord, error) {
	return e.repo.ClaimDue(ctx, e.now(), limit)
}

// ReleaseStuck hands records whose claim lease expired back to the queue.
func (e *Engine) ReleaseStuck(ctx context.Context, lease time.Duration) (int64, error) {
	now := e.now()
	n, err := e.repo.ReleaseStuck(ctx, now.Add(-lease), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.StuckClaimsReleased.Add(float64(n))
		e.logger.Warn("Released stuck settlement claims", "count", n, "lease", lease.String())
	}
	return n, nil
}

// Outcome is the result of a single settlement attempt.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
	OutcomeClaimLost      Outcome = "claim_lost"
)

// Settle runs one attempt for a claimed record and moves it to its next
// state. The returned error is the attempt's fault, if any; the record has
// already been updated accordingly.
func (e *Engine) Settle(ctx context.Context, rec *entities.PaymentRecord) (Outcome, error) {
	if rec.ClaimID == nil {
		return "", fmt.Errorf("payment %s is not claimed", rec.ID)
	}
	ctx, span := tracing.StartSpan(ctx, "settlement", "settlement.Settle",
		attribute.String("payment_id", rec.ID.String()),
		attribute.Int("retry_count", rec.RetryCount))
	defer span.End()

	start := e.now()
	claimID := *rec.ClaimID
	save := func(ctx context.Context) error {
		rec.UpdatedAt = e.now()
		return retry.Do(ctx, e.cfg.PersistRetry, e.logger.Zap(), func(ctx context.Context) error {
			return e.repo.Update(ctx, rec, claimID)
		})
	}

	err := e.attempt(ctx, rec, save)
	outcome := e.finish(ctx, rec, claimID, err)

	if err != nil {
		tracing.RecordError(span, err)
	}
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	metrics.SettlementsTotal.WithLabelValues(string(outcome), string(domainerrors.Classify(err))).Inc()
	metrics.SettlementDuration.WithLabelValues(string(outcome)).Observe(e.now().Sub(start).Seconds())
	return outcome, err
}

func (e *Engine) attempt(ctx context.Context, rec *entities.PaymentRecord, save func(context.Context) error) error {
	if rec.Distribution == nil {
		if err := e.plan(ctx, rec); err != nil {
			return err
		}
		if err := save(ctx); err != nil {
			return fmt.Errorf("persist plan: %w", err)
		}
	}

	recorder := func(ctx context.Context, dist *entities.Distribution) error {
		rec.Distribution = dist
		if err := save(ctx); err != nil {
			return fmt.Errorf("persist leg progress: %w", err)
		}
		return nil
	}
	if err := e.dispatcher.Execute(ctx, rec, recorder); err != nil {
		return err
	}
	if !rec.Distribution.Complete() {
		return fmt.Errorf("distribution incomplete after dispatch")
	}
	return nil
}

// plan prices the payment and freezes its distribution onto the record.
func (e *Engine) plan(ctx context.Context, rec *entities.PaymentRecord) error {
	pair, ok := e.oracle.PairFor(rec.FiatCurrency)
	if !ok {
		return domainerrors.ConfigurationError("no price pair for currency %s", rec.FiatCurrency)
	}
	quote, err := e.oracle.GetPrice(ctx, pair, oracle.PriceOptions{WithSpread: true})
	if err != nil {
		return err
	}
	if quote.Degraded {
		e.logger.Warn("Settling with degraded price",
			"payment_id", rec.ID.String(), "pair", pair, "price", quote.Value.String(), "source", quote.Source)
	}

	decimals, err := e.ledger.Decimals(ctx)
	if err != nil {
		return fmt.Errorf("read token decimals: %w", err)
	}
	gross, err := tokenomics.TokensForFiat(rec.FiatAmount, quote.Value, decimals)
	if err != nil {
		return err
	}
	plan, err := e.planner.ComputePlan(gross, rec.TxType)
	if err != nil {
		return err
	}
	if !plan.Conserves() {
		return domainerrors.ConfigurationError("plan for %s does not conserve gross amount", rec.ID)
	}

	rec.BezAmount = gross
	rec.ExchangeRate = quote.Value
	rec.PriceSource = quote.Source
	rec.PriceDegraded = quote.Degraded
	rec.Distribution = entities.NewDistribution(plan, rec.RecipientAddress, e.cfg.BurnAddress, e.cfg.TreasuryAddress)

	e.logger.Info("Distribution planned",
		"payment_id", rec.ID.String(),
		"price", quote.Value.String(),
		"gross", tokenomics.FormatUnits(gross, decimals),
		"user", tokenomics.FormatUnits(plan.UserAmount, decimals),
		"burn", tokenomics.FormatUnits(plan.BurnAmount, decimals),
		"treasury", tokenomics.FormatUnits(plan.TreasuryAmount, decimals),
		"rate_version", plan.RateTableSnapshot.Version)
	return nil
}

func (e *Engine) finish(ctx context.Context, rec *entities.PaymentRecord, claimID uuid.UUID, attemptErr error) Outcome {
	log := e.logger.With("payment_id", rec.ID.String(), "external_payment_id", rec.ExternalPaymentID)
	if errors.Is(attemptErr, domainerrors.ErrClaimLost) {
		log.Warn("Settlement claim lost, abandoning attempt", "error", attemptErr)
		return OutcomeClaimLost
	}

	now := e.now()
	// State transitions must land even if the attempt context was cancelled.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if attemptErr == nil {
		rec.Status = entities.PaymentStatusCompleted
		rec.CompletedAt = &now
		rec.NextRetryAt = nil
		rec.LastError = ""
		rec.ErrorType = ""
		rec.ClaimID = nil
		if err := e.write(writeCtx, rec, claimID); err != nil {
			log.Error("Failed to mark payment completed", "error", err)
			return OutcomeClaimLost
		}
		log.Info("Settlement completed",
			"user_tx_hash", rec.Distribution.UserTxHash(),
			"burn_tx_hash", rec.Distribution.BurnTxHash(),
			"treasury_tx_hash", rec.Distribution.TreasuryTxHash())
		return OutcomeCompleted
	}

	rec.LastError = attemptErr.Error()
	rec.ErrorType = string(domainerrors.Classify(attemptErr))
	rec.Status = entities.PaymentStatusFailed
	rec.ClaimID = nil

	if domainerrors.IsFatal(attemptErr) {
		return e.giveUp(writeCtx, log, rec, claimID, now)
	}

	at, n, exhausted := e.scheduler.Next(rec, now)
	if exhausted {
		return e.giveUp(writeCtx, log, rec, claimID, now)
	}
	rec.RetryCount = n
	rec.NextRetryAt = &at
	if err := e.write(writeCtx, rec, claimID); err != nil {
		log.Error("Failed to schedule retry", "error", err)
		return OutcomeClaimLost
	}
	log.Warn("Settlement attempt failed, retry scheduled",
		"error", attemptErr,
		"error_type", rec.ErrorType,
		"retry", n,
		"next_retry_at", at)
	return OutcomeRetryScheduled
}

func (e *Engine) giveUp(ctx context.Context, log *logger.Logger, rec *entities.PaymentRecord, claimID uuid.UUID, now time.Time) Outcome {
	rec.NextRetryAt = nil
	rec.DeadLetteredAt = &now
	if err := e.write(ctx, rec, claimID); err != nil {
		log.Error("Failed to dead-letter payment", "error", err)
		return OutcomeClaimLost
	}
	log.Error("Settlement dead-lettered",
		"error", rec.LastError,
		"error_type", rec.ErrorType,
		"retry_count", rec.RetryCount)

	letter := entities.DeadLetter{
		PaymentID:         rec.ID,
		ExternalPaymentID: rec.ExternalPaymentID,
		Status:            rec.Status,
		Distribution:      rec.Distribution,
		LastError:         rec.LastError,
		ErrorType:         rec.ErrorType,
		Attempts:          rec.RetryCount + 1,
		DeadLetteredAt:    now,
	}
	if err := e.deadLetter.Publish(ctx, letter); err != nil {
		log.Error("Failed to publish dead letter", "error", err)
	}

	alert := Alert{
		PaymentID:         rec.ID,
		ExternalPaymentID: rec.ExternalPaymentID,
		ErrorType:         rec.ErrorType,
		Message:           rec.LastError,
		Attempts:          letter.Attempts,
		OccurredAt:        now,
	}
	metrics.AlertsSent.WithLabelValues(rec.ErrorType).Inc()
	if err := e.alerter.Alert(ctx, alert); err != nil {
		log.Error("Failed to send operator alert", "error", err)
	}
	return OutcomeDeadLettered
}

func (e *Engine) write(ctx context.Context, rec *entities.PaymentRecord, claimID uuid.UUID) error {
	rec.UpdatedAt = e.now()
	return retry.Do(ctx, e.cfg.PersistRetry, e.logger.Zap(), func(ctx context.Context) error {
		return e.repo.Update(ctx, rec, claimID)
	})
}
