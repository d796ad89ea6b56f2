package alerting

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/pkg/metrics"
)

const sendTimeout = 10 * time.Second

// Sender is the part of the SendGrid client used for alerts.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type EmailConfig struct {
	APIKey     string
	FromEmail  string
	FromName   string
	Recipients []string
}

// EmailAlerter mails settlement alerts to the operations list through
// SendGrid.
type EmailAlerter struct {
	client Sender
	config EmailConfig
	logger *zap.Logger
}

func NewEmailAlerter(config EmailConfig, logger *zap.Logger) (*EmailAlerter, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, fmt.Errorf("sendgrid api key is required")
	}
	return NewEmailAlerterWithSender(sendgrid.NewSendClient(config.APIKey), config, logger)
}

func NewEmailAlerterWithSender(client Sender, config EmailConfig, logger *zap.Logger) (*EmailAlerter, error) {
	if strings.TrimSpace(config.FromEmail) == "" {
		return nil, fmt.Errorf("alert from address is required")
	}
	if len(config.Recipients) == 0 {
		return nil, fmt.Errorf("at least one alert recipient is required")
	}
	return &EmailAlerter{client: client, config: config, logger: logger}, nil
}

func (a *EmailAlerter) Alert(ctx context.Context, alert settlement.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	subject := fmt.Sprintf("[BEZ settlement] %s on payment %s", alert.ErrorType, alert.ExternalPaymentID)
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(a.config.FromName, a.config.FromEmail))
	message.Subject = subject

	p := mail.NewPersonalization()
	for _, r := range a.config.Recipients {
		p.AddTos(mail.NewEmail("", r))
	}
	message.AddPersonalizations(p)
	message.AddContent(
		mail.NewContent("text/plain", buildText(alert)),
		mail.NewContent("text/html", buildHTML(alert)),
	)

	response, err := a.client.SendWithContext(ctx, message)
	if err != nil {
		metrics.AlertDeliveries.WithLabelValues("email", "error").Inc()
		a.logger.Error("Failed to send alert email",
			zap.String("payment_id", alert.PaymentID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to send alert: %w", err)
	}
	if response.StatusCode >= 400 {
		metrics.AlertDeliveries.WithLabelValues("email", "rejected").Inc()
		a.logger.Error("Alert email rejected",
			zap.Int("status_code", response.StatusCode),
			zap.String("response_body", response.Body))
		return fmt.Errorf("alert email error: status %d", response.StatusCode)
	}

	metrics.AlertDeliveries.WithLabelValues("email", "success").Inc()
	a.logger.Info("Alert email sent",
		zap.String("payment_id", alert.PaymentID.String()),
		zap.String("error_type", alert.ErrorType))
	return nil
}

func buildText(a settlement.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Payment %s (%s) needs attention.\n\n", a.ExternalPaymentID, a.PaymentID)
	fmt.Fprintf(&b, "Error type: %s\n", a.ErrorType)
	fmt.Fprintf(&b, "Attempts:   %d\n", a.Attempts)
	fmt.Fprintf(&b, "At:         %s\n\n", a.OccurredAt.UTC().Format(time.RFC3339))
	b.WriteString(a.Message)
	b.WriteString("\n\nRequeue with POST /api/v1/admin/settlements/")
	b.WriteString(a.PaymentID.String())
	b.WriteString("/retry once the cause is fixed.\n")
	return b.String()
}

func buildHTML(a settlement.Alert) string {
	return fmt.Sprintf(`<h2>Settlement needs attention</h2>
<table>
<tr><td>Payment</td><td>%s</td></tr>
<tr><td>Record</td><td>%s</td></tr>
<tr><td>Error type</td><td>%s</td></tr>
<tr><td>Attempts</td><td>%d</td></tr>
<tr><td>At</td><td>%s</td></tr>
</table>
<pre>%s</pre>`,
		html.EscapeString(a.ExternalPaymentID),
		a.PaymentID,
		html.EscapeString(a.ErrorType),
		a.Attempts,
		a.OccurredAt.UTC().Format(time.RFC3339),
		html.EscapeString(a.Message))
}

var _ settlement.Alerter = (*EmailAlerter)(nil)
