package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement/settlementtest"
	"github.com/bez-service/settlement_service/pkg/logger"
)

func plannedRecord(user, burn, treasury int64) *entities.PaymentRecord {
	plan := &entities.DistributionPlan{
		GrossAmount:    big.NewInt(user + burn + treasury),
		UserAmount:     big.NewInt(user),
		BurnAmount:     big.NewInt(burn),
		TreasuryAmount: big.NewInt(treasury),
	}
	return &entities.PaymentRecord{
		ID:           uuid.New(),
		Distribution: entities.NewDistribution(plan, recipientAddr, burnAddr, treasuryAddr),
	}
}

func newDispatcher(ledger settlement.LedgerClient) *settlement.Dispatcher {
	return settlement.NewDispatcher(ledger, settlement.DispatcherConfig{
		SafeAddress:      safeAddr,
		HotWalletAddress: hotAddr,
		MinGasBalance:    big.NewInt(100),
	}, logger.NewNop())
}

func TestDispatcher_PreconditionsBlockSubmission(t *testing.T) {
	tests := []struct {
		name    string
		arrange func(l *settlementtest.Ledger)
		want    error
	}{
		{"balance", func(l *settlementtest.Ledger) { l.Balance = big.NewInt(999) }, domainerrors.ErrInsufficientBalance},
		{"allowance", func(l *settlementtest.Ledger) { l.AllowanceAmount = big.NewInt(999) }, domainerrors.ErrInsufficientAllowance},
		{"gas", func(l *settlementtest.Ledger) { l.Gas = big.NewInt(99) }, domainerrors.ErrInsufficientGas},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := settlementtest.NewLedger(big.NewInt(1000))
			tt.arrange(ledger)
			rec := plannedRecord(900, 60, 40)

			recorded := 0
			err := newDispatcher(ledger).Execute(context.Background(), rec, func(context.Context, *entities.Distribution) error {
				recorded++
				return nil
			})
			assert.ErrorIs(t, err, tt.want)
			assert.Zero(t, recorded)
			assert.Empty(t, ledger.Submissions(recipientAddr))
		})
	}
}

func TestDispatcher_ChecksOnlyRemainingAmount(t *testing.T) {
	ledger := settlementtest.NewLedger(big.NewInt(100))
	rec := plannedRecord(900, 60, 40)
	rec.Distribution.Legs[entities.LegUser].Status = entities.LegStatusConfirmed

	err := newDispatcher(ledger).Execute(context.Background(), rec, func(context.Context, *entities.Distribution) error { return nil })
	require.NoError(t, err)
	assert.True(t, rec.Distribution.Complete())
	assert.Empty(t, ledger.Submissions(recipientAddr))
	assert.Len(t, ledger.Submissions(burnAddr), 1)
	assert.Len(t, ledger.Submissions(treasuryAddr), 1)
}

func TestDispatcher_PersistsEveryTransition(t *testing.T) {
	ledger := settlementtest.NewLedger(big.NewInt(1000))
	rec := plannedRecord(1000, 0, 0)

	var statuses []entities.LegStatus
	err := newDispatcher(ledger).Execute(context.Background(), rec, func(_ context.Context, d *entities.Distribution) error {
		statuses = append(statuses, d.Legs[entities.LegUser].Status)
		return nil
	})
	require.NoError(t, err)
	// user submitted, user confirmed, burn skipped, treasury skipped
	assert.Equal(t, []entities.LegStatus{
		entities.LegStatusSubmitted,
		entities.LegStatusConfirmed,
		entities.LegStatusConfirmed,
		entities.LegStatusConfirmed,
	}, statuses)
	assert.Equal(t, entities.LegStatusSkipped, rec.Distribution.Legs[entities.LegBurn].Status)
	assert.Equal(t, entities.LegStatusSkipped, rec.Distribution.Legs[entities.LegTreasury].Status)
}

func TestDispatcher_StopsWhenRecorderFails(t *testing.T) {
	ledger := settlementtest.NewLedger(big.NewInt(1000))
	rec := plannedRecord(900, 60, 40)
	boom := errors.New("db down")

	err := newDispatcher(ledger).Execute(context.Background(), rec, func(context.Context, *entities.Distribution) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	// the signed transfer is never broadcast without a durable record
	assert.Empty(t, ledger.Submissions(recipientAddr))
	assert.Empty(t, ledger.Submissions(burnAddr))
}

func TestDispatcher_UnknownBroadcastOutcomeIsReconciled(t *testing.T) {
	uncertain := domainerrors.LedgerUnavailableError("transferFrom",
		fmt.Errorf("%w: %w", settlement.ErrBroadcastUncertain, context.DeadlineExceeded))

	t.Run("transaction landed", func(t *testing.T) {
		ledger := settlementtest.NewLedger(big.NewInt(1000))
		ledger.FailSubmit(recipientAddr, uncertain)
		rec := plannedRecord(900, 60, 40)
		d := newDispatcher(ledger)

		var persisted *entities.Distribution
		recorder := func(_ context.Context, dist *entities.Distribution) error {
			persisted = dist.Clone()
			return nil
		}

		err := d.Execute(context.Background(), rec, recorder)
		require.ErrorIs(t, err, settlement.ErrBroadcastUncertain)
		leg := persisted.Legs[entities.LegUser]
		require.Equal(t, entities.LegStatusSubmitted, leg.Status)
		require.NotEmpty(t, leg.TxHash)
		firstHash := leg.TxHash

		ledger.SetState(firstHash, settlement.TxStateSuccess)
		rec.Distribution = persisted

		require.NoError(t, d.Execute(context.Background(), rec, recorder))
		assert.Len(t, ledger.Submissions(recipientAddr), 1)
		assert.Equal(t, firstHash, rec.Distribution.Legs[entities.LegUser].TxHash)
		assert.Equal(t, entities.LegStatusConfirmed, rec.Distribution.Legs[entities.LegUser].Status)
		assert.True(t, rec.Distribution.Complete())
		assert.Zero(t, ledger.Balance.Sign())
	})

	t.Run("transaction lost", func(t *testing.T) {
		ledger := settlementtest.NewLedger(big.NewInt(1000))
		ledger.FailSubmit(recipientAddr, uncertain)
		rec := plannedRecord(1000, 0, 0)
		noop := func(context.Context, *entities.Distribution) error { return nil }
		d := newDispatcher(ledger)

		require.Error(t, d.Execute(context.Background(), rec, noop))
		leg := rec.Distribution.Legs[entities.LegUser]
		ledger.SetState(leg.TxHash, settlement.TxStateNotFound)

		require.NoError(t, d.Execute(context.Background(), rec, noop))
		subs := ledger.Submissions(recipientAddr)
		require.Len(t, subs, 2)
		require.NotNil(t, subs[1].Nonce)
		assert.Equal(t, uint64(0), *subs[1].Nonce)
		assert.Zero(t, ledger.Balance.Sign())
	})
}

func TestDispatcher_SubmitErrorMarksLegFailed(t *testing.T) {
	ledger := settlementtest.NewLedger(big.NewInt(1000))
	ledger.FailSubmit(burnAddr, domainerrors.LedgerUnavailableError("send", errors.New("connection reset")))
	rec := plannedRecord(900, 60, 40)

	err := newDispatcher(ledger).Execute(context.Background(), rec, func(context.Context, *entities.Distribution) error { return nil })
	assert.ErrorIs(t, err, domainerrors.ErrLedgerUnavailable)
	assert.Equal(t, entities.LegStatusConfirmed, rec.Distribution.Legs[entities.LegUser].Status)
	burn := rec.Distribution.Legs[entities.LegBurn]
	assert.Equal(t, entities.LegStatusFailed, burn.Status)
	assert.Contains(t, burn.LastError, "connection reset")
	assert.Equal(t, entities.LegStatusPending, rec.Distribution.Legs[entities.LegTreasury].Status)
}

func TestDispatcher_ReplacementFallsBackToFreshNonce(t *testing.T) {
	ledger := settlementtest.NewLedger(big.NewInt(1000))
	ledger.FailWait(recipientAddr, domainerrors.TransactionTimeoutError("x"))
	rec := plannedRecord(1000, 0, 0)
	noop := func(context.Context, *entities.Distribution) error { return nil }
	d := newDispatcher(ledger)

	require.Error(t, d.Execute(context.Background(), rec, noop))
	leg := rec.Distribution.Legs[entities.LegUser]
	require.Equal(t, entities.LegStatusSubmitted, leg.Status)

	// the transaction vanishes and its nonce is already spent
	ledger.SetState(leg.TxHash, settlement.TxStateNotFound)
	ledger.SpendNonce(*leg.Nonce)

	require.NoError(t, d.Execute(context.Background(), rec, noop))
	subs := ledger.Submissions(recipientAddr)
	require.Len(t, subs, 2)
	assert.Nil(t, subs[1].Nonce)
}

func TestRetryScheduler_Delays(t *testing.T) {
	s := settlement.NewRetryScheduler(settlement.DefaultRetryPolicy())
	assert.Equal(t, 5000, int(s.Delay(1).Milliseconds()))
	assert.Equal(t, 10000, int(s.Delay(2).Milliseconds()))
	assert.Equal(t, 20000, int(s.Delay(3).Milliseconds()))

	rec := &entities.PaymentRecord{MaxAttempts: 3}
	for i := 1; i <= 3; i++ {
		_, n, exhausted := s.Next(rec, rec.CreatedAt)
		require.False(t, exhausted)
		assert.Equal(t, i, n)
		rec.RetryCount = n
	}
	_, _, exhausted := s.Next(rec, rec.CreatedAt)
	assert.True(t, exhausted)
}
