package secrets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSecretsManager struct {
	mock.Mock
}

func (m *MockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	args := m.Called(ctx, aws.ToString(params.SecretId))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*secretsmanager.GetSecretValueOutput), args.Error(1)
}

type countingProvider struct {
	calls int
	value string
}

func (p *countingProvider) GetSecret(context.Context, string) (string, error) {
	p.calls++
	return p.value, nil
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("BEZ_TEST_SECRET", "s3cret")
	p := NewEnvProvider()

	v, err := p.GetSecret(context.Background(), "BEZ_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = p.GetSecret(context.Background(), "BEZ_TEST_MISSING")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestCachedProvider_Expiry(t *testing.T) {
	inner := &countingProvider{value: "v1"}
	p := NewCachedProvider(inner, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		v, err := p.GetSecret(context.Background(), "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
	}
	assert.Equal(t, 1, inner.calls)

	now = now.Add(2 * time.Minute)
	_, err := p.GetSecret(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestAWSSecretsManagerProvider(t *testing.T) {
	client := new(MockSecretsManager)
	client.On("GetSecretValue", mock.Anything, "bez/"+KeyHotWalletPrivateKey).
		Return(&secretsmanager.GetSecretValueOutput{SecretString: aws.String("abcd")}, nil)
	client.On("GetSecretValue", mock.Anything, "bez/"+KeySendGridAPIKey).
		Return(nil, &smtypes.ResourceNotFoundException{Message: aws.String("no such secret")})
	client.On("GetSecretValue", mock.Anything, "bez/"+KeyAdminJWTSecret).
		Return(nil, errors.New("access denied"))

	p := NewAWSSecretsManagerProviderWithClient(client, "bez/")
	ctx := context.Background()

	v, err := p.GetSecret(ctx, KeyHotWalletPrivateKey)
	require.NoError(t, err)
	assert.Equal(t, "abcd", v)

	_, err = p.GetSecret(ctx, KeySendGridAPIKey)
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = p.GetSecret(ctx, KeyAdminJWTSecret)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretNotFound)
}

func TestManager_Resolve(t *testing.T) {
	t.Setenv(KeyHotWalletPrivateKey, "from-env")
	m := NewManager(NewEnvProvider())
	ctx := context.Background()

	v, err := m.HotWalletKey(ctx, "from-config")
	require.NoError(t, err)
	assert.Equal(t, "from-config", v, "configured value wins")

	v, err = m.HotWalletKey(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	t.Setenv(KeySendGridAPIKey, "")
	v, err = m.SendGridAPIKey(ctx, "")
	require.NoError(t, err, "optional secrets may be absent")
	assert.Empty(t, v)

	t.Setenv(KeyHotWalletPrivateKey, "")
	_, err = m.HotWalletKey(ctx, "")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
