package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
)

type MockSNS struct {
	mock.Mock
}

func (m *MockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

func TestSNSAlerter_Alert(t *testing.T) {
	client := new(MockSNS)
	alert := testAlert()
	const topic = "arn:aws:sns:us-east-1:123456789012:bez-settlement-alerts"

	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var payload snsAlertPayload
		if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &payload); err != nil {
			return false
		}
		return aws.ToString(in.TopicArn) == topic &&
			payload.PaymentID == alert.PaymentID.String() &&
			payload.ErrorType == "insufficient_allowance" &&
			aws.ToString(in.MessageAttributes["Attempts"].StringValue) == "1" &&
			len(aws.ToString(in.Subject)) <= maxSubjectLen
	})).Return(&sns.PublishOutput{MessageId: aws.String("msg-1")}, nil)

	a := NewSNSAlerterWithClient(client, topic, zap.NewNop())
	require.NoError(t, a.Alert(context.Background(), alert))
	client.AssertExpectations(t)
}

func TestSNSAlerter_TruncatesSubject(t *testing.T) {
	client := new(MockSNS)
	alert := testAlert()
	alert.ExternalPaymentID = strings.Repeat("x", 200)

	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		return len(aws.ToString(in.Subject)) == maxSubjectLen
	})).Return(&sns.PublishOutput{}, nil)

	a := NewSNSAlerterWithClient(client, "arn:topic", zap.NewNop())
	require.NoError(t, a.Alert(context.Background(), alert))
}

func TestSNSAlerter_PublishError(t *testing.T) {
	client := new(MockSNS)
	client.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	a := NewSNSAlerterWithClient(client, "arn:topic", zap.NewNop())
	err := a.Alert(context.Background(), testAlert())
	assert.ErrorContains(t, err, "throttled")
}

type recordingAlerter struct {
	calls int
	err   error
}

func (r *recordingAlerter) Alert(context.Context, settlement.Alert) error {
	r.calls++
	return r.err
}

func TestFanout_DeliversToEveryChannel(t *testing.T) {
	failing := &recordingAlerter{err: errors.New("smtp down")}
	ok := &recordingAlerter{}

	err := Fanout{failing, ok}.Alert(context.Background(), testAlert())
	assert.ErrorContains(t, err, "smtp down")
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, ok.calls)

	assert.NoError(t, Fanout{ok}.Alert(context.Background(), testAlert()))
}
