package deadletter

import (
	"context"

	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/pkg/metrics"
)

// LogPublisher writes dead letters to the service log. It is used when no
// queue is configured; the record itself stays queryable in the database.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, letter entities.DeadLetter) error {
	metrics.DeadLetterPublishes.WithLabelValues("log", "ok").Inc()
	p.logger.Error("Payment dead-lettered",
		zap.String("payment_id", letter.PaymentID.String()),
		zap.String("external_payment_id", letter.ExternalPaymentID),
		zap.String("error_type", letter.ErrorType),
		zap.String("last_error", letter.LastError),
		zap.Int("attempts", letter.Attempts),
		zap.Time("dead_lettered_at", letter.DeadLetteredAt))
	return nil
}

var _ settlement.DeadLetterPublisher = (*LogPublisher)(nil)
