package entities

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a PaymentRecord.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusCompleted  PaymentStatus = "completed"
	PaymentStatusFailed     PaymentStatus = "failed"
	// PaymentStatusRefunded is set by operators only.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusProcessing, PaymentStatusCompleted,
		PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// LegKind names one transfer of a distribution.
type LegKind string

const (
	LegUser     LegKind = "user"
	LegBurn     LegKind = "burn"
	LegTreasury LegKind = "treasury"
)

// LegOrder is the fixed execution order of distribution legs.
var LegOrder = []LegKind{LegUser, LegBurn, LegTreasury}

// LegStatus tracks a single leg on chain.
type LegStatus string

const (
	LegStatusPending   LegStatus = "pending"
	LegStatusSubmitted LegStatus = "submitted"
	LegStatusConfirmed LegStatus = "confirmed"
	LegStatusFailed    LegStatus = "failed"
	LegStatusSkipped   LegStatus = "skipped"
)

// PaymentConfirmation is the trigger handed to the engine once the fiat
// processor has confirmed a payment.
type PaymentConfirmation struct {
	ExternalPaymentID string          `json:"external_payment_id"`
	FiatAmount        decimal.Decimal `json:"fiat_amount"`
	FiatCurrency      string          `json:"fiat_currency"`
	RecipientAddress  string          `json:"recipient_address"`
	TxType            string          `json:"tx_type"`
}

// PriceQuote is an immutable observation of a pair price. Value is expressed
// in Currency per one base token.
type PriceQuote struct {
	Pair          string          `json:"pair"`
	Value         decimal.Decimal `json:"value"`
	Currency      string          `json:"currency"`
	ObservedAt    time.Time       `json:"observed_at"`
	TTL           time.Duration   `json:"ttl"`
	Source        string          `json:"source"`
	Degraded      bool            `json:"degraded"`
	SpreadPercent decimal.Decimal `json:"spread_percent"`
}

// FreshAt reports whether the quote is still within its TTL at now.
func (q *PriceQuote) FreshAt(now time.Time) bool {
	return q != nil && now.Sub(q.ObservedAt) < q.TTL
}

// RateTableSnapshot identifies the rates a plan was computed with.
type RateTableSnapshot struct {
	Version     string `json:"version"`
	TxType      string `json:"tx_type"`
	BurnBps     uint32 `json:"burn_bps"`
	TreasuryBps uint32 `json:"treasury_bps"`
}

// DistributionPlan splits a gross token amount. Burn, treasury and user
// always add up to gross.
type DistributionPlan struct {
	GrossAmount       *big.Int          `json:"gross_amount"`
	BurnAmount        *big.Int          `json:"burn_amount"`
	TreasuryAmount    *big.Int          `json:"treasury_amount"`
	UserAmount        *big.Int          `json:"user_amount"`
	RateTableSnapshot RateTableSnapshot `json:"rate_table_snapshot"`
}

// Conserves checks burn+treasury+user == gross with no negative parts.
func (p *DistributionPlan) Conserves() bool {
	if p == nil || p.GrossAmount == nil || p.BurnAmount == nil || p.TreasuryAmount == nil || p.UserAmount == nil {
		return false
	}
	for _, v := range []*big.Int{p.GrossAmount, p.BurnAmount, p.TreasuryAmount, p.UserAmount} {
		if v.Sign() < 0 {
			return false
		}
	}
	sum := new(big.Int).Add(p.BurnAmount, p.TreasuryAmount)
	sum.Add(sum, p.UserAmount)
	return sum.Cmp(p.GrossAmount) == 0
}

// AmountFor returns the planned amount of a leg.
func (p *DistributionPlan) AmountFor(kind LegKind) *big.Int {
	switch kind {
	case LegUser:
		return p.UserAmount
	case LegBurn:
		return p.BurnAmount
	case LegTreasury:
		return p.TreasuryAmount
	}
	return new(big.Int)
}

// LegResult is the persisted on-chain outcome of one leg. TxHashes keeps every
// hash broadcast for the leg so a retry can look for any of them on chain.
type LegResult struct {
	Kind        LegKind    `json:"kind"`
	Recipient   string     `json:"recipient"`
	Amount      *big.Int   `json:"amount"`
	Status      LegStatus  `json:"status"`
	TxHash      string     `json:"tx_hash,omitempty"`
	TxHashes    []string   `json:"tx_hashes,omitempty"`
	Nonce       *uint64    `json:"nonce,omitempty"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
}

// Done reports whether the leg needs no further work.
func (l *LegResult) Done() bool {
	return l.Status == LegStatusConfirmed || l.Status == LegStatusSkipped
}

// RecordSubmission notes a signed transaction on the leg. It is called before
// the transaction is broadcast, so the hash may never reach the chain.
func (l *LegResult) RecordSubmission(txHash string, nonce uint64, at time.Time) {
	l.Status = LegStatusSubmitted
	l.TxHash = txHash
	l.Nonce = &nonce
	l.Attempts++
	l.LastError = ""
	l.SubmittedAt = &at
	for _, h := range l.TxHashes {
		if h == txHash {
			return
		}
	}
	l.TxHashes = append(l.TxHashes, txHash)
}

// Distribution is the frozen plan plus per-leg execution state, stored as
// JSONB on the payment record.
type Distribution struct {
	Plan *DistributionPlan      `json:"plan"`
	Legs map[LegKind]*LegResult `json:"legs"`
}

// NewDistribution lays out pending legs for plan.
func NewDistribution(plan *DistributionPlan, recipient, burnAddress, treasuryAddress string) *Distribution {
	recipients := map[LegKind]string{
		LegUser:     recipient,
		LegBurn:     burnAddress,
		LegTreasury: treasuryAddress,
	}
	d := &Distribution{Plan: plan, Legs: make(map[LegKind]*LegResult, len(LegOrder))}
	for _, kind := range LegOrder {
		d.Legs[kind] = &LegResult{
			Kind:      kind,
			Recipient: recipients[kind],
			Amount:    new(big.Int).Set(plan.AmountFor(kind)),
			Status:    LegStatusPending,
		}
	}
	return d
}

func (d *Distribution) UserAmount() *big.Int     { return d.Plan.UserAmount }
func (d *Distribution) BurnAmount() *big.Int     { return d.Plan.BurnAmount }
func (d *Distribution) TreasuryAmount() *big.Int { return d.Plan.TreasuryAmount }

// TxHash returns the latest transaction hash of a leg, if any.
func (d *Distribution) TxHash(kind LegKind) string {
	if leg, ok := d.Legs[kind]; ok {
		return leg.TxHash
	}
	return ""
}

func (d *Distribution) UserTxHash() string     { return d.TxHash(LegUser) }
func (d *Distribution) BurnTxHash() string     { return d.TxHash(LegBurn) }
func (d *Distribution) TreasuryTxHash() string { return d.TxHash(LegTreasury) }

// Remaining sums the amounts of legs that are not done yet.
func (d *Distribution) Remaining() *big.Int {
	total := new(big.Int)
	for _, kind := range LegOrder {
		leg := d.Legs[kind]
		if leg != nil && !leg.Done() {
			total.Add(total, leg.Amount)
		}
	}
	return total
}

// Complete reports whether every leg is confirmed or skipped.
func (d *Distribution) Complete() bool {
	for _, kind := range LegOrder {
		leg := d.Legs[kind]
		if leg == nil || !leg.Done() {
			return false
		}
	}
	return true
}

type distributionJSON struct {
	Plan           *DistributionPlan      `json:"plan"`
	Legs           map[LegKind]*LegResult `json:"legs"`
	UserAmount     *big.Int               `json:"user_amount,omitempty"`
	BurnAmount     *big.Int               `json:"burn_amount,omitempty"`
	TreasuryAmount *big.Int               `json:"treasury_amount,omitempty"`
	UserTxHash     string                 `json:"user_tx_hash,omitempty"`
	BurnTxHash     string                 `json:"burn_tx_hash,omitempty"`
	TreasuryTxHash string                 `json:"treasury_tx_hash,omitempty"`
}

// MarshalJSON adds the flat per-leg amounts and latest hashes next to the
// plan and legs. They are derived, so decoding ignores them.
func (d *Distribution) MarshalJSON() ([]byte, error) {
	out := distributionJSON{
		Plan:           d.Plan,
		Legs:           d.Legs,
		UserTxHash:     d.UserTxHash(),
		BurnTxHash:     d.BurnTxHash(),
		TreasuryTxHash: d.TreasuryTxHash(),
	}
	if d.Plan != nil {
		out.UserAmount = d.Plan.UserAmount
		out.BurnAmount = d.Plan.BurnAmount
		out.TreasuryAmount = d.Plan.TreasuryAmount
	}
	return json.Marshal(out)
}

// Clone deep-copies the distribution through its JSON form.
func (d *Distribution) Clone() *Distribution {
	if d == nil {
		return nil
	}
	raw, _ := json.Marshal(d)
	out := &Distribution{}
	_ = json.Unmarshal(raw, out)
	return out
}

// Value implements driver.Valuer for the JSONB column.
func (d *Distribution) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// Scan implements sql.Scanner for the JSONB column.
func (d *Distribution) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("cannot scan %T into Distribution", src)
	}
}

// PaymentRecord is the durable settlement state of one fiat payment.
type PaymentRecord struct {
	ID                uuid.UUID       `json:"id"`
	ExternalPaymentID string          `json:"external_payment_id"`
	FiatAmount        decimal.Decimal `json:"fiat_amount"`
	FiatCurrency      string          `json:"fiat_currency"`
	RecipientAddress  string          `json:"recipient_address"`
	TxType            string          `json:"tx_type"`
	BezAmount         *big.Int        `json:"bez_amount,omitempty"`
	ExchangeRate      decimal.Decimal `json:"exchange_rate"`
	PriceSource       string          `json:"price_source,omitempty"`
	PriceDegraded     bool            `json:"price_degraded"`
	Status            PaymentStatus   `json:"status"`
	Distribution      *Distribution   `json:"distribution,omitempty"`
	RetryCount        int             `json:"retry_count"`
	MaxAttempts       int             `json:"max_attempts"`
	LastError         string          `json:"last_error,omitempty"`
	ErrorType         string          `json:"error_type,omitempty"`
	NextRetryAt       *time.Time      `json:"next_retry_at,omitempty"`
	ClaimID           *uuid.UUID      `json:"claim_id,omitempty"`
	ClaimedAt         *time.Time      `json:"claimed_at,omitempty"`
	DeadLetteredAt    *time.Time      `json:"dead_lettered_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// NewPaymentRecord builds a pending record from a confirmation.
func NewPaymentRecord(c PaymentConfirmation, maxAttempts int, now time.Time) *PaymentRecord {
	return &PaymentRecord{
		ID:                uuid.New(),
		ExternalPaymentID: c.ExternalPaymentID,
		FiatAmount:        c.FiatAmount,
		FiatCurrency:      c.FiatCurrency,
		RecipientAddress:  c.RecipientAddress,
		TxType:            c.TxType,
		Status:            PaymentStatusPending,
		MaxAttempts:       maxAttempts,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// IsDeadLettered reports whether the record has been handed to operators.
func (r *PaymentRecord) IsDeadLettered() bool {
	return r.DeadLetteredAt != nil
}

// IsTerminal reports whether no worker will pick the record up again.
func (r *PaymentRecord) IsTerminal() bool {
	switch r.Status {
	case PaymentStatusCompleted, PaymentStatusRefunded:
		return true
	case PaymentStatusFailed:
		return r.IsDeadLettered()
	}
	return false
}

// DueAt reports whether a worker may claim the record at now.
func (r *PaymentRecord) DueAt(now time.Time) bool {
	switch r.Status {
	case PaymentStatusPending:
		return true
	case PaymentStatusFailed:
		return !r.IsDeadLettered() && r.NextRetryAt != nil && !r.NextRetryAt.After(now)
	}
	return false
}

// SafeWalletState is a read-only snapshot of the balances the dispatcher
// checks before spending.
type SafeWalletState struct {
	TokenBalance         *big.Int `json:"token_balance"`
	AllowanceToHotWallet *big.Int `json:"allowance_to_hot_wallet"`
	HotWalletGasBalance  *big.Int `json:"hot_wallet_gas_balance"`
}

// DeadLetter is the payload published when a record is given up on.
type DeadLetter struct {
	PaymentID         uuid.UUID     `json:"payment_id"`
	ExternalPaymentID string        `json:"external_payment_id"`
	Status            PaymentStatus `json:"status"`
	Distribution      *Distribution `json:"distribution,omitempty"`
	LastError         string        `json:"last_error"`
	ErrorType         string        `json:"error_type"`
	Attempts          int           `json:"attempts"`
	DeadLetteredAt    time.Time     `json:"dead_lettered_at"`
}
