package entities

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan() *DistributionPlan {
	return &DistributionPlan{
		GrossAmount:    big.NewInt(1000),
		BurnAmount:     big.NewInt(4),
		TreasuryAmount: big.NewInt(0),
		UserAmount:     big.NewInt(996),
	}
}

func TestDistribution_RemainingAndComplete(t *testing.T) {
	d := NewDistribution(testPlan(), "0xuser", "0xburn", "0xtreasury")

	assert.Equal(t, int64(1000), d.Remaining().Int64())
	assert.False(t, d.Complete())
	assert.Equal(t, "0xburn", d.Legs[LegBurn].Recipient)

	d.Legs[LegUser].RecordSubmission("0xaaa", 7, time.Now())
	d.Legs[LegUser].Status = LegStatusConfirmed
	d.Legs[LegTreasury].Status = LegStatusSkipped
	assert.Equal(t, int64(4), d.Remaining().Int64())
	assert.Equal(t, "0xaaa", d.UserTxHash())

	d.Legs[LegBurn].Status = LegStatusConfirmed
	assert.True(t, d.Complete())
	assert.Zero(t, d.Remaining().Sign())
}

func TestLegResult_RecordSubmissionKeepsHistory(t *testing.T) {
	leg := &LegResult{Kind: LegBurn, Amount: big.NewInt(4), Status: LegStatusPending}
	now := time.Now()

	leg.RecordSubmission("0x1", 3, now)
	leg.RecordSubmission("0x2", 3, now)
	leg.RecordSubmission("0x2", 3, now)

	assert.Equal(t, []string{"0x1", "0x2"}, leg.TxHashes)
	assert.Equal(t, "0x2", leg.TxHash)
	assert.Equal(t, uint64(3), *leg.Nonce)
	assert.Equal(t, 3, leg.Attempts)
}

func TestDistribution_ScanValue(t *testing.T) {
	d := NewDistribution(testPlan(), "0xuser", "0xburn", "0xtreasury")
	raw, err := d.Value()
	require.NoError(t, err)

	var out Distribution
	require.NoError(t, out.Scan(raw))
	assert.Equal(t, 0, out.Plan.GrossAmount.Cmp(big.NewInt(1000)))
	assert.Equal(t, LegStatusPending, out.Legs[LegTreasury].Status)

	assert.Error(t, out.Scan(42))
}

func TestDistribution_JSONCarriesFlatFields(t *testing.T) {
	d := NewDistribution(testPlan(), "0xuser", "0xburn", "0xtreasury")
	d.Legs[LegUser].RecordSubmission("0xaaa", 1, time.Now())
	d.Legs[LegBurn].RecordSubmission("0xbbb", 2, time.Now())

	raw, err := d.Value()
	require.NoError(t, err)

	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(raw.([]byte), &flat))
	assert.Equal(t, float64(996), flat["user_amount"])
	assert.Equal(t, float64(4), flat["burn_amount"])
	assert.Equal(t, float64(0), flat["treasury_amount"])
	assert.Equal(t, "0xaaa", flat["user_tx_hash"])
	assert.Equal(t, "0xbbb", flat["burn_tx_hash"])
	assert.NotContains(t, flat, "treasury_tx_hash")
	assert.Contains(t, flat, "plan")
	assert.Contains(t, flat, "legs")

	var out Distribution
	require.NoError(t, out.Scan(raw))
	assert.Equal(t, "0xaaa", out.UserTxHash())
	assert.Equal(t, "0xbbb", out.BurnTxHash())
	assert.Equal(t, 0, out.BurnAmount().Cmp(big.NewInt(4)))
	assert.Equal(t, []string{"0xaaa"}, out.Legs[LegUser].TxHashes)

	clone := d.Clone()
	assert.Equal(t, d.UserTxHash(), clone.UserTxHash())
	assert.Equal(t, 0, clone.UserAmount().Cmp(d.UserAmount()))
}

func TestDistributionPlan_Conserves(t *testing.T) {
	assert.True(t, testPlan().Conserves())

	bad := testPlan()
	bad.UserAmount = big.NewInt(995)
	assert.False(t, bad.Conserves())

	neg := testPlan()
	neg.BurnAmount = big.NewInt(-1)
	neg.UserAmount = big.NewInt(1001)
	assert.False(t, neg.Conserves())
}

func TestPaymentRecord_DueAt(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	r := NewPaymentRecord(PaymentConfirmation{
		ExternalPaymentID: "pi_1",
		FiatAmount:        decimal.NewFromInt(100),
		FiatCurrency:      "USD",
	}, 3, now)
	assert.True(t, r.DueAt(now))

	r.Status = PaymentStatusProcessing
	assert.False(t, r.DueAt(now))

	r.Status = PaymentStatusFailed
	r.NextRetryAt = &future
	assert.False(t, r.DueAt(now))
	r.NextRetryAt = &past
	assert.True(t, r.DueAt(now))
	assert.False(t, r.IsTerminal())

	r.DeadLetteredAt = &now
	assert.False(t, r.DueAt(now))
	assert.True(t, r.IsTerminal())
}

func TestPriceQuote_FreshAt(t *testing.T) {
	now := time.Now()
	q := &PriceQuote{ObservedAt: now.Add(-10 * time.Second), TTL: 30 * time.Second}
	assert.True(t, q.FreshAt(now))
	assert.False(t, q.FreshAt(now.Add(25*time.Second)))

	var nilQuote *PriceQuote
	assert.False(t, nilQuote.FreshAt(now))
}
