package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	token, err := IssueToken("ops@bez.io", RoleAdmin, "s3cret", "bez-settlement", time.Hour)
	require.NoError(t, err)

	claims, err := ValidateToken(token, "s3cret", "bez-settlement")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "ops@bez.io", claims.Subject)
}

func TestValidateToken_Rejects(t *testing.T) {
	good, err := IssueToken("ops", RoleAdmin, "s3cret", "bez-settlement", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken("ops", RoleAdmin, "s3cret", "bez-settlement", -time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleAdmin}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		secret string
		issuer string
	}{
		{"wrong secret", good, "other", "bez-settlement"},
		{"wrong issuer", good, "s3cret", "someone-else"},
		{"expired", expired, "s3cret", ""},
		{"unsigned", none, "s3cret", ""},
		{"garbage", "not.a.jwt", "s3cret", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateToken(tt.token, tt.secret, tt.issuer)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
