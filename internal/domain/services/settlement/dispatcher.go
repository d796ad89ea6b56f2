package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
	"github.com/bez-service/settlement_service/pkg/logger"
	"github.com/bez-service/settlement_service/pkg/metrics"
)

// DispatcherConfig holds the wallets the dispatcher spends from and checks.
type DispatcherConfig struct {
	SafeAddress      string
	HotWalletAddress string
	MinGasBalance    *big.Int
}

// Dispatcher executes the legs of a frozen distribution plan, one at a time,
// persisting each transition before moving on.
type Dispatcher struct {
	ledger LedgerClient
	cfg    DispatcherConfig
	logger *logger.Logger
	now    func() time.Time
}

func NewDispatcher(ledger LedgerClient, cfg DispatcherConfig, log *logger.Logger) *Dispatcher {
	if cfg.MinGasBalance == nil {
		cfg.MinGasBalance = new(big.Int)
	}
	return &Dispatcher{ledger: ledger, cfg: cfg, logger: log, now: time.Now}
}

// CheckPreconditions verifies the safe wallet can fund amount and the hot
// wallet can pay for gas. Nothing is submitted.
func (d *Dispatcher) CheckPreconditions(ctx context.Context, amount *big.Int) (*entities.SafeWalletState, error) {
	state, err := d.WalletState(ctx)
	if err != nil {
		return nil, err
	}
	if state.TokenBalance.Cmp(amount) < 0 {
		return state, domainerrors.InsufficientBalanceError(state.TokenBalance, amount)
	}
	if state.AllowanceToHotWallet.Cmp(amount) < 0 {
		return state, domainerrors.InsufficientAllowanceError(state.AllowanceToHotWallet, amount)
	}
	if state.HotWalletGasBalance.Cmp(d.cfg.MinGasBalance) < 0 {
		return state, domainerrors.InsufficientGasError(state.HotWalletGasBalance, d.cfg.MinGasBalance)
	}
	return state, nil
}

// WalletState reads the current safe and hot wallet balances.
func (d *Dispatcher) WalletState(ctx context.Context) (*entities.SafeWalletState, error) {
	balance, err := d.ledger.TokenBalance(ctx, d.cfg.SafeAddress)
	if err != nil {
		return nil, fmt.Errorf("read safe balance: %w", err)
	}
	allowance, err := d.ledger.Allowance(ctx, d.cfg.SafeAddress, d.cfg.HotWalletAddress)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	gas, err := d.ledger.GasBalance(ctx, d.cfg.HotWalletAddress)
	if err != nil {
		return nil, fmt.Errorf("read hot wallet gas: %w", err)
	}
	return &entities.SafeWalletState{
		TokenBalance:         balance,
		AllowanceToHotWallet: allowance,
		HotWalletGasBalance:  gas,
	}, nil
}

// Execute runs every leg of rec's distribution that is not confirmed or
// skipped. A leg fault is recorded on the leg and returned; no leg is retried
// within the call.
func (d *Dispatcher) Execute(ctx context.Context, rec *entities.PaymentRecord, record LegRecorder) error {
	dist := rec.Distribution
	if dist == nil || dist.Plan == nil {
		return fmt.Errorf("payment %s has no distribution plan", rec.ID)
	}
	log := d.logger.With("payment_id", rec.ID.String(), "external_payment_id", rec.ExternalPaymentID)

	replaceAt := make(map[entities.LegKind]*uint64)
	for _, kind := range entities.LegOrder {
		leg := dist.Legs[kind]
		if leg == nil || leg.Done() || len(leg.TxHashes) == 0 {
			continue
		}
		confirmed, nonce, err := d.reconcile(ctx, leg)
		if err != nil {
			return err
		}
		if confirmed {
			log.Info("Leg confirmed during reconciliation", "leg", kind, "tx_hash", leg.TxHash)
			if err := record(ctx, dist); err != nil {
				return err
			}
			continue
		}
		replaceAt[kind] = nonce
	}

	remaining := dist.Remaining()
	if remaining.Sign() > 0 {
		if _, err := d.CheckPreconditions(ctx, remaining); err != nil {
			return err
		}
	}

	for _, kind := range entities.LegOrder {
		leg := dist.Legs[kind]
		if leg == nil || leg.Done() {
			continue
		}
		if err := d.executeLeg(ctx, log, dist, leg, replaceAt[kind], record); err != nil {
			return fmt.Errorf("%s leg: %w", kind, err)
		}
	}
	return nil
}

func (d *Dispatcher) executeLeg(ctx context.Context, log *logger.Logger, dist *entities.Distribution, leg *entities.LegResult, nonce *uint64, record LegRecorder) error {
	if leg.Amount == nil || leg.Amount.Sign() == 0 {
		leg.Status = entities.LegStatusSkipped
		metrics.LegTransfersTotal.WithLabelValues(string(leg.Kind), string(leg.Status)).Inc()
		return record(ctx, dist)
	}

	err := d.submit(ctx, dist, leg, nonce, record)
	switch {
	case err == nil:
	case errors.Is(err, ErrBroadcastUncertain):
		// The signed transaction is recorded; reconciliation decides whether
		// it landed.
		leg.LastError = err.Error()
		metrics.LegTransfersTotal.WithLabelValues(string(leg.Kind), "broadcast_uncertain").Inc()
		log.Warn("Leg broadcast outcome unknown", "leg", leg.Kind, "tx_hash", leg.TxHash, "error", err)
		if recErr := record(ctx, dist); recErr != nil {
			log.Error("Failed to persist leg error", "leg", leg.Kind, "error", recErr)
		}
		return err
	default:
		leg.Status = entities.LegStatusFailed
		leg.LastError = err.Error()
		metrics.LegTransfersTotal.WithLabelValues(string(leg.Kind), "submit_failed").Inc()
		if recErr := record(ctx, dist); recErr != nil {
			log.Error("Failed to persist leg failure", "leg", leg.Kind, "error", recErr)
		}
		return err
	}
	if leg.Done() {
		log.Info("Leg confirmed during reconciliation", "leg", leg.Kind, "tx_hash", leg.TxHash)
		return record(ctx, dist)
	}

	metrics.LegTransfersTotal.WithLabelValues(string(leg.Kind), string(leg.Status)).Inc()
	log.Info("Leg submitted", "leg", leg.Kind, "tx_hash", leg.TxHash, "attempts", leg.Attempts, "amount", leg.Amount.String())

	if err := d.ledger.WaitConfirmation(ctx, leg.TxHash); err != nil {
		leg.LastError = err.Error()
		if errors.Is(err, domainerrors.ErrTransactionReverted) {
			leg.Status = entities.LegStatusFailed
		}
		metrics.LegTransfersTotal.WithLabelValues(string(leg.Kind), string(domainerrors.Classify(err))).Inc()
		log.Warn("Leg not confirmed", "leg", leg.Kind, "tx_hash", leg.TxHash, "error", err)
		if recErr := record(ctx, dist); recErr != nil {
			log.Error("Failed to persist leg failure", "leg", leg.Kind, "error", recErr)
		}
		return err
	}

	now := d.now()
	leg.Status = entities.LegStatusConfirmed
	leg.ConfirmedAt = &now
	leg.LastError = ""
	metrics.LegTransfersTotal.WithLabelValues(string(leg.Kind), string(leg.Status)).Inc()
	log.Info("Leg confirmed", "leg", leg.Kind, "tx_hash", leg.TxHash)
	return record(ctx, dist)
}

// submit sends the leg, replacing at nonce when one is given. Every signed
// transaction is recorded on the leg and persisted before it is broadcast.
// If the nonce turns out to be mined already, the leg's known hashes are
// checked once more before falling back to a fresh nonce; the leg may come
// back confirmed.
func (d *Dispatcher) submit(ctx context.Context, dist *entities.Distribution, leg *entities.LegResult, nonce *uint64, record LegRecorder) error {
	req := TransferRequest{
		To:     leg.Recipient,
		Amount: leg.Amount,
		Nonce:  nonce,
		OnSigned: func(ctx context.Context, sub Submission) error {
			leg.RecordSubmission(sub.TxHash, sub.Nonce, d.now())
			return record(ctx, dist)
		},
	}
	_, err := d.ledger.SubmitTransfer(ctx, req)
	if err == nil || nonce == nil || !errors.Is(err, ErrNonceConsumed) {
		return err
	}

	confirmed, _, rerr := d.reconcile(ctx, leg)
	if rerr != nil {
		return rerr
	}
	if confirmed {
		return nil
	}
	req.Nonce = nil
	_, err = d.ledger.SubmitTransfer(ctx, req)
	return err
}

// reconcile looks up every hash broadcast for leg. Any success confirms the
// leg. A pending or vanished transaction yields its nonce for replacement;
// if everything reverted the leg goes out again with a fresh nonce.
func (d *Dispatcher) reconcile(ctx context.Context, leg *entities.LegResult) (confirmed bool, replaceNonce *uint64, err error) {
	var pending, missing bool
	for _, h := range leg.TxHashes {
		state, err := d.ledger.TransactionState(ctx, h)
		if err != nil {
			return false, nil, fmt.Errorf("reconcile %s leg: %w", leg.Kind, err)
		}
		switch state {
		case TxStateSuccess:
			now := d.now()
			leg.Status = entities.LegStatusConfirmed
			leg.TxHash = h
			leg.ConfirmedAt = &now
			leg.LastError = ""
			metrics.LegTransfersTotal.WithLabelValues(string(leg.Kind), string(leg.Status)).Inc()
			return true, nil, nil
		case TxStatePending:
			pending = true
		case TxStateNotFound:
			missing = true
		}
	}
	if pending || (missing && leg.Status == entities.LegStatusSubmitted) {
		return false, leg.Nonce, nil
	}
	return false, nil, nil
}
