package settlement_worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/pkg/logger"
)

// Settler is the part of the settlement engine the processor drives.
type Settler interface {
	Claim(ctx context.Context, limit int) ([]*entities.PaymentRecord, error)
	Settle(ctx context.Context, rec *entities.PaymentRecord) (settlement.Outcome, error)
	Wake() <-chan struct{}
}

// ProcessorConfig holds configuration for the settlement processor
type ProcessorConfig struct {
	WorkerCount  int
	PollInterval time.Duration
	BatchSize    int
	// AttemptTimeout bounds one Settle call. It must stay below the claim
	// lease so the sweeper never releases a record that is still running.
	AttemptTimeout time.Duration
}

func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		WorkerCount:    4,
		PollInterval:   time.Second,
		BatchSize:      1,
		AttemptTimeout: 12 * time.Minute,
	}
}

// Processor runs a pool of workers that claim due payment records and
// settle them one attempt at a time.
type Processor struct {
	config ProcessorConfig
	engine Settler
	logger *logger.Logger

	processedCounter  metric.Int64Counter
	durationHistogram metric.Float64Histogram

	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func NewProcessor(config ProcessorConfig, engine Settler, logger *logger.Logger) (*Processor, error) {
	if config.WorkerCount <= 0 {
		config.WorkerCount = DefaultProcessorConfig().WorkerCount
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultProcessorConfig().PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultProcessorConfig().AttemptTimeout
	}

	meter := otel.Meter("settlement-processor")
	processedCounter, err := meter.Int64Counter(
		"settlement.attempts.total",
		metric.WithDescription("Settlement attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processed counter: %w", err)
	}
	durationHistogram, err := meter.Float64Histogram(
		"settlement.attempt.duration.seconds",
		metric.WithDescription("Settlement attempt duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		config:            config,
		engine:            engine,
		logger:            logger,
		processedCounter:  processedCounter,
		durationHistogram: durationHistogram,
		shutdownCtx:       ctx,
		shutdownCancel:    cancel,
	}, nil
}

func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("Starting settlement processor",
		"worker_count", p.config.WorkerCount,
		"poll_interval", p.config.PollInterval.String())

	for i := 0; i < p.config.WorkerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return nil
}

// Shutdown stops claiming new work and waits for in-flight attempts.
// Attempts still running at the deadline keep their claim until the
// sweeper releases it.
func (p *Processor) Shutdown(timeout time.Duration) error {
	p.logger.Info("Shutting down settlement processor", "timeout", timeout.String())
	p.shutdownCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Settlement processor shutdown complete")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

func (p *Processor) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdownCtx.Done():
			return
		case <-ticker.C:
		case <-p.engine.Wake():
		}
		p.drain(ctx, workerID)
	}
}

// drain keeps claiming until nothing is due.
func (p *Processor) drain(ctx context.Context, workerID int) {
	for p.stopping(ctx) == nil {
		n, err := p.processBatch(ctx, workerID)
		if err != nil || n == 0 {
			return
		}
	}
}

func (p *Processor) stopping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.shutdownCtx.Err()
}

func (p *Processor) processBatch(ctx context.Context, workerID int) (int, error) {
	records, err := p.engine.Claim(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("Failed to claim due payments", "error", err, "worker_id", workerID)
		return 0, err
	}
	for _, rec := range records {
		// a claimed record is always attempted so its claim is not left
		// for the sweeper
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.AttemptTimeout)
		p.process(attemptCtx, workerID, rec)
		cancel()
	}
	return len(records), nil
}

func (p *Processor) process(ctx context.Context, workerID int, rec *entities.PaymentRecord) {
	start := time.Now()
	outcome, err := p.engine.Settle(ctx, rec)
	duration := time.Since(start)

	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("error_type", string(domainerrors.Classify(err))),
	)
	p.processedCounter.Add(ctx, 1, attrs)
	p.durationHistogram.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", string(outcome))))

	fields := []interface{}{
		"worker_id", workerID,
		"payment_id", rec.ID,
		"external_payment_id", rec.ExternalPaymentID,
		"outcome", outcome,
		"duration_ms", duration.Milliseconds(),
	}
	if err != nil {
		p.logger.Warn("Settlement attempt failed", append(fields, "error", err)...)
		return
	}
	p.logger.Info("Settlement attempt finished", fields...)
}
