package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/entities"
)

type MockSQS struct {
	mock.Mock
}

func (m *MockSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.SendMessageOutput), args.Error(1)
}

func testLetter() entities.DeadLetter {
	return entities.DeadLetter{
		PaymentID:         uuid.New(),
		ExternalPaymentID: "pay_123",
		Status:            entities.PaymentStatusFailed,
		LastError:         "insufficient balance: have 10, need 1000",
		ErrorType:         "insufficient_balance",
		Attempts:          1,
		DeadLetteredAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQSPublisher_Publish(t *testing.T) {
	client := new(MockSQS)
	p := NewSQSPublisherWithClient(client, "https://sqs.us-east-1.amazonaws.com/123/bez-dlq", zap.NewNop())
	letter := testLetter()

	client.On("SendMessage", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageInput) bool {
		var got entities.DeadLetter
		if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &got); err != nil {
			return false
		}
		return aws.ToString(in.QueueUrl) == "https://sqs.us-east-1.amazonaws.com/123/bez-dlq" &&
			got.PaymentID == letter.PaymentID &&
			aws.ToString(in.MessageAttributes["ErrorType"].StringValue) == "insufficient_balance" &&
			aws.ToString(in.MessageAttributes["Attempts"].StringValue) == "1"
	})).Return(&sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil).Once()

	require.NoError(t, p.Publish(context.Background(), letter))
	client.AssertExpectations(t)
}

func TestSQSPublisher_PublishError(t *testing.T) {
	client := new(MockSQS)
	p := NewSQSPublisherWithClient(client, "q", zap.NewNop())
	client.On("SendMessage", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := p.Publish(context.Background(), testLetter())
	assert.ErrorContains(t, err, "throttled")
}

func TestLogPublisher_NeverFails(t *testing.T) {
	assert.NoError(t, NewLogPublisher(zap.NewNop()).Publish(context.Background(), testLetter()))
}
