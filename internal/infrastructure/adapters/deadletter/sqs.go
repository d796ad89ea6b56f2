package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/pkg/metrics"
)

// SQSAPI is the part of the SQS client used for publishing.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends dead letters to an SQS queue for operators.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	logger   *zap.Logger
}

// NewSQSPublisher loads the default AWS credentials chain for region.
func NewSQSPublisher(ctx context.Context, region, queueURL string, logger *zap.Logger) (*SQSPublisher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSQSPublisherWithClient(sqs.NewFromConfig(awsCfg), queueURL, logger), nil
}

func NewSQSPublisherWithClient(client SQSAPI, queueURL string, logger *zap.Logger) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL, logger: logger}
}

func (p *SQSPublisher) Publish(ctx context.Context, letter entities.DeadLetter) error {
	body, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"PaymentID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(letter.PaymentID.String()),
			},
			"ErrorType": {
				DataType:    aws.String("String"),
				StringValue: aws.String(letter.ErrorType),
			},
			"Attempts": {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(letter.Attempts)),
			},
		},
	})
	if err != nil {
		metrics.DeadLetterPublishes.WithLabelValues("sqs", "error").Inc()
		p.logger.Error("Failed to publish dead letter",
			zap.String("payment_id", letter.PaymentID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to publish dead letter: %w", err)
	}

	metrics.DeadLetterPublishes.WithLabelValues("sqs", "ok").Inc()
	p.logger.Info("Dead letter published",
		zap.String("payment_id", letter.PaymentID.String()),
		zap.String("message_id", aws.ToString(out.MessageId)))
	return nil
}

var _ settlement.DeadLetterPublisher = (*SQSPublisher)(nil)
