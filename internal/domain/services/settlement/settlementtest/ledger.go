package settlementtest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
)

type fakeTx struct {
	to     string
	amount *big.Int
	nonce  uint64
	state  settlement.TxState
}

// Ledger is a scriptable in-memory token ledger. Confirmed transfers move
// tokens out of the safe balance and allowance.
type Ledger struct {
	mu sync.Mutex

	Balance         *big.Int
	AllowanceAmount *big.Int
	Gas             *big.Int
	TokenDecimals   uint8

	nextNonce uint64
	counter   int
	txs       map[string]*fakeTx
	submits   []settlement.TransferRequest

	waitErrs   map[string][]error
	submitErrs map[string][]error
	// DecimalsErr, when set, is returned by Decimals.
	DecimalsErr error
}

// NewLedger returns a ledger funded with balance, an equal allowance and
// one ether of gas.
func NewLedger(balance *big.Int) *Ledger {
	return &Ledger{
		Balance:         new(big.Int).Set(balance),
		AllowanceAmount: new(big.Int).Set(balance),
		Gas:             big.NewInt(1_000_000_000_000_000_000),
		TokenDecimals:   18,
		txs:             make(map[string]*fakeTx),
		waitErrs:        make(map[string][]error),
		submitErrs:      make(map[string][]error),
	}
}

// FailWait queues errors returned, in order, when waiting on transfers to.
// A reverted error marks the transaction reverted; any other error leaves it
// pending.
func (l *Ledger) FailWait(to string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.ToLower(to)
	l.waitErrs[key] = append(l.waitErrs[key], errs...)
}

// FailSubmit queues errors returned, in order, when submitting transfers to.
// An error wrapping settlement.ErrBroadcastUncertain is returned after the
// transaction is signed and pooled, together with its Submission.
func (l *Ledger) FailSubmit(to string, errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.ToLower(to)
	l.submitErrs[key] = append(l.submitErrs[key], errs...)
}

// Submissions returns every successful SubmitTransfer request to.
func (l *Ledger) Submissions(to string) []settlement.TransferRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []settlement.TransferRequest
	for _, s := range l.submits {
		if strings.EqualFold(s.To, to) {
			out = append(out, s)
		}
	}
	return out
}

// SetState forces the state of a transaction.
func (l *Ledger) SetState(txHash string, state settlement.TxState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.txs[txHash]; ok {
		l.settle(tx, state)
	}
}

func (l *Ledger) TokenBalance(ctx context.Context, owner string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.Balance), nil
}

func (l *Ledger) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.AllowanceAmount), nil
}

func (l *Ledger) GasBalance(ctx context.Context, account string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.Gas), nil
}

func (l *Ledger) Decimals(ctx context.Context) (uint8, error) {
	if l.DecimalsErr != nil {
		return 0, l.DecimalsErr
	}
	return l.TokenDecimals, nil
}

func (l *Ledger) SubmitTransfer(ctx context.Context, req settlement.TransferRequest) (*settlement.Submission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.ToLower(req.To)
	var sendErr error
	if errs := l.submitErrs[key]; len(errs) > 0 {
		l.submitErrs[key] = errs[1:]
		sendErr = errs[0]
		if sendErr != nil && !errors.Is(sendErr, settlement.ErrBroadcastUncertain) {
			return nil, sendErr
		}
	}

	var nonce uint64
	if req.Nonce != nil {
		nonce = *req.Nonce
		if l.nonceMined(nonce) {
			return nil, settlement.ErrNonceConsumed
		}
	} else {
		nonce = l.nextNonce
	}

	hash := fmt.Sprintf("0x%064x", l.counter+1)
	sub := &settlement.Submission{TxHash: hash, Nonce: nonce}
	if req.OnSigned != nil {
		if err := req.OnSigned(ctx, *sub); err != nil {
			return nil, err
		}
	}

	l.counter++
	if req.Nonce == nil {
		l.nextNonce++
	}
	// The replaced transaction can no longer be mined.
	for _, tx := range l.txs {
		if tx.nonce == nonce && tx.state == settlement.TxStatePending {
			tx.state = settlement.TxStateNotFound
		}
	}
	l.txs[hash] = &fakeTx{to: key, amount: new(big.Int).Set(req.Amount), nonce: nonce, state: settlement.TxStatePending}
	l.submits = append(l.submits, req)
	return sub, sendErr
}

// SpendNonce marks nonce as mined by a transaction unrelated to any leg.
func (l *Ledger) SpendNonce(nonce uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counter++
	hash := fmt.Sprintf("0x%064x", l.counter)
	l.txs[hash] = &fakeTx{amount: new(big.Int), nonce: nonce, state: settlement.TxStateSuccess}
	if nonce >= l.nextNonce {
		l.nextNonce = nonce + 1
	}
}

// nonceMined reports whether a transaction at nonce was included, whatever
// its outcome.
func (l *Ledger) nonceMined(nonce uint64) bool {
	for _, tx := range l.txs {
		if tx.nonce != nonce {
			continue
		}
		if tx.state == settlement.TxStateSuccess || tx.state == settlement.TxStateReverted {
			return true
		}
	}
	return false
}

func (l *Ledger) WaitConfirmation(ctx context.Context, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[txHash]
	if !ok {
		return domainerrors.TransactionTimeoutError(txHash)
	}
	if errs := l.waitErrs[tx.to]; len(errs) > 0 {
		l.waitErrs[tx.to] = errs[1:]
		if err := errs[0]; err != nil {
			if domainerrors.Classify(err) == domainerrors.ErrorTypeTransactionReverted {
				l.settle(tx, settlement.TxStateReverted)
			}
			return err
		}
	}
	l.settle(tx, settlement.TxStateSuccess)
	return nil
}

func (l *Ledger) TransactionState(ctx context.Context, txHash string) (settlement.TxState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[txHash]
	if !ok {
		return settlement.TxStateNotFound, nil
	}
	return tx.state, nil
}

func (l *Ledger) settle(tx *fakeTx, state settlement.TxState) {
	if tx.state == settlement.TxStateSuccess {
		return
	}
	tx.state = state
	if state == settlement.TxStateSuccess {
		l.Balance.Sub(l.Balance, tx.amount)
		l.AllowanceAmount.Sub(l.AllowanceAmount, tx.amount)
	}
}
