package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/pkg/metrics"
)

// SNS subjects are limited to 100 characters.
const maxSubjectLen = 100

// SNSAPI is the part of the SNS client used for alerts.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSAlerter publishes alerts to an SNS topic that pages the on-call rota.
type SNSAlerter struct {
	client   SNSAPI
	topicARN string
	logger   *zap.Logger
}

type snsAlertPayload struct {
	PaymentID         string    `json:"payment_id"`
	ExternalPaymentID string    `json:"external_payment_id"`
	ErrorType         string    `json:"error_type"`
	Message           string    `json:"message"`
	Attempts          int       `json:"attempts"`
	OccurredAt        time.Time `json:"occurred_at"`
}

func NewSNSAlerter(ctx context.Context, region, topicARN string, logger *zap.Logger) (*SNSAlerter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSNSAlerterWithClient(sns.NewFromConfig(awsCfg), topicARN, logger), nil
}

func NewSNSAlerterWithClient(client SNSAPI, topicARN string, logger *zap.Logger) *SNSAlerter {
	return &SNSAlerter{client: client, topicARN: topicARN, logger: logger}
}

func (a *SNSAlerter) Alert(ctx context.Context, alert settlement.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	body, err := json.Marshal(snsAlertPayload{
		PaymentID:         alert.PaymentID.String(),
		ExternalPaymentID: alert.ExternalPaymentID,
		ErrorType:         alert.ErrorType,
		Message:           alert.Message,
		Attempts:          alert.Attempts,
		OccurredAt:        alert.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	subject := fmt.Sprintf("BEZ settlement %s: %s", alert.ErrorType, alert.ExternalPaymentID)
	if len(subject) > maxSubjectLen {
		subject = subject[:maxSubjectLen]
	}

	out, err := a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"ErrorType": {DataType: aws.String("String"), StringValue: aws.String(alert.ErrorType)},
			"Attempts":  {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(alert.Attempts))},
		},
	})
	if err != nil {
		metrics.AlertDeliveries.WithLabelValues("sns", "error").Inc()
		a.logger.Error("Failed to publish alert via SNS",
			zap.String("payment_id", alert.PaymentID.String()),
			zap.Error(err))
		return fmt.Errorf("SNS publish failed: %w", err)
	}

	metrics.AlertDeliveries.WithLabelValues("sns", "success").Inc()
	a.logger.Info("Alert published via SNS",
		zap.String("payment_id", alert.PaymentID.String()),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

var _ settlement.Alerter = (*SNSAlerter)(nil)
