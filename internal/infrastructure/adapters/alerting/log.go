package alerting

import (
	"context"

	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/pkg/metrics"
)

// LogAlerter logs alerts at error level.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Alert(ctx context.Context, alert settlement.Alert) error {
	metrics.AlertDeliveries.WithLabelValues("log", "success").Inc()
	a.logger.Error("Settlement alert",
		zap.String("payment_id", alert.PaymentID.String()),
		zap.String("external_payment_id", alert.ExternalPaymentID),
		zap.String("error_type", alert.ErrorType),
		zap.String("message", alert.Message),
		zap.Int("attempts", alert.Attempts))
	return nil
}

var _ settlement.Alerter = (*LogAlerter)(nil)
