package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/bez-service/settlement_service/internal/domain/entities"
	"github.com/bez-service/settlement_service/internal/domain/services/oracle"
)

// ErrNonceConsumed is returned by a LedgerClient when a replacement
// transaction targets a nonce that has already been mined.
var ErrNonceConsumed = errors.New("nonce already consumed")

// ErrBroadcastUncertain is returned by a LedgerClient, together with the
// signed Submission, when the broadcast failed in a way that does not rule
// out the node having accepted the transaction.
var ErrBroadcastUncertain = errors.New("transaction may have been broadcast")

// TxState is the on-chain state of a broadcast transaction.
type TxState string

const (
	TxStatePending  TxState = "pending"
	TxStateSuccess  TxState = "success"
	TxStateReverted TxState = "reverted"
	TxStateNotFound TxState = "not_found"
)

// TransferRequest moves Amount tokens from the safe wallet to To using the
// hot wallet's allowance. A non-nil Nonce replaces whatever is pending at
// that nonce.
//
// OnSigned, when set, runs after the transaction is signed and before it is
// broadcast. If it fails nothing is broadcast and its error is returned.
type TransferRequest struct {
	To       string
	Amount   *big.Int
	Nonce    *uint64
	OnSigned func(ctx context.Context, sub Submission) error
}

// Submission identifies a broadcast transfer.
type Submission struct {
	TxHash string
	Nonce  uint64
}

// LedgerClient is the token ledger as seen by the dispatcher. Implementations
// must be safe for concurrent use.
type LedgerClient interface {
	TokenBalance(ctx context.Context, owner string) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender string) (*big.Int, error)
	GasBalance(ctx context.Context, account string) (*big.Int, error)
	Decimals(ctx context.Context) (uint8, error)
	// SubmitTransfer signs and broadcasts req. An ErrBroadcastUncertain
	// error comes with the Submission that may be on chain.
	SubmitTransfer(ctx context.Context, req TransferRequest) (*Submission, error)
	// WaitConfirmation blocks until txHash is mined with enough
	// confirmations. It returns a reverted or timeout error otherwise.
	WaitConfirmation(ctx context.Context, txHash string) error
	TransactionState(ctx context.Context, txHash string) (TxState, error)
}

// LegRecorder durably persists distribution progress. The dispatcher calls it
// after every leg transition and stops if it fails.
type LegRecorder func(ctx context.Context, dist *entities.Distribution) error

// PriceOracle is the subset of the oracle used by the engine.
type PriceOracle interface {
	GetPrice(ctx context.Context, pair string, opts oracle.PriceOptions) (*entities.PriceQuote, error)
	PairFor(currency string) (string, bool)
}

// DistributionPlanner computes frozen distribution plans.
type DistributionPlanner interface {
	ComputePlan(gross *big.Int, txType string) (*entities.DistributionPlan, error)
}

// PaymentRepository persists payment records. Writes made on behalf of a
// claim are fenced: Update fails with ErrClaimLost when the stored claim id
// differs from claimID.
type PaymentRepository interface {
	// Create inserts rec unless a record with the same external payment id
	// exists, in which case the stored record is returned with created=false.
	Create(ctx context.Context, rec *entities.PaymentRecord) (stored *entities.PaymentRecord, created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*entities.PaymentRecord, error)
	GetByExternalID(ctx context.Context, externalID string) (*entities.PaymentRecord, error)
	// ClaimDue moves up to limit due records to processing, giving each a
	// fresh claim id.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*entities.PaymentRecord, error)
	Update(ctx context.Context, rec *entities.PaymentRecord, claimID uuid.UUID) error
	// Requeue makes a dead-lettered record due again with a fresh retry budget.
	Requeue(ctx context.Context, id uuid.UUID, now time.Time) (*entities.PaymentRecord, error)
	// ReleaseStuck returns processing records claimed before cutoff to failed
	// with an immediate retry.
	ReleaseStuck(ctx context.Context, cutoff, now time.Time) (int64, error)
	ListDeadLettered(ctx context.Context, limit, offset int) ([]*entities.PaymentRecord, error)
}

// DeadLetterPublisher hands given-up records to operators.
type DeadLetterPublisher interface {
	Publish(ctx context.Context, letter entities.DeadLetter) error
}

// Alert describes a fault an operator must act on.
type Alert struct {
	PaymentID         uuid.UUID
	ExternalPaymentID string
	ErrorType         string
	Message           string
	Attempts          int
	OccurredAt        time.Time
}

// Alerter notifies operators.
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}
