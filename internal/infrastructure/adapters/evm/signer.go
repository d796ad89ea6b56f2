package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
	"github.com/bez-service/settlement_service/pkg/metrics"
)

const (
	// replacement gas price must exceed the pending one by at least 10%
	// for geth to accept it
	replacementBumpPercent = 115
	gasPriceMemory         = 256
)

// SignedHook runs after a transaction is signed and before it is broadcast.
type SignedHook func(ctx context.Context, sub settlement.Submission) error

type signRequest struct {
	ctx      context.Context
	to       common.Address
	data     []byte
	nonce    *uint64
	onSigned SignedHook
	resp     chan signResult
}

type signResult struct {
	sub *settlement.Submission
	err error
}

// SignerQueue serialises every transaction signed by the hot wallet through
// one goroutine, which owns the account nonce.
type SignerQueue struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	signer   types.Signer
	gasLimit uint64
	logger   *zap.Logger

	requests chan signRequest
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup

	// owned by the run goroutine
	nextNonce uint64
	synced    bool
	lastPrice map[uint64]*big.Int
}

// NewSignerQueue parses the hex private key and starts the queue.
func NewSignerQueue(backend Backend, privateKeyHex string, chainID *big.Int, gasLimit uint64, logger *zap.Logger) (*SignerQueue, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hot wallet key: %w", err)
	}
	q := &SignerQueue{
		backend:   backend,
		key:       key,
		from:      crypto.PubkeyToAddress(key.PublicKey),
		signer:    types.LatestSignerForChainID(chainID),
		gasLimit:  gasLimit,
		logger:    logger,
		requests:  make(chan signRequest, 64),
		done:      make(chan struct{}),
		lastPrice: make(map[uint64]*big.Int),
	}
	q.wg.Add(1)
	go q.run()
	return q, nil
}

// Address is the hot wallet address.
func (q *SignerQueue) Address() common.Address {
	return q.from
}

// Submit signs and broadcasts a call to `to`. A nil nonce takes the next
// local nonce; a non-nil nonce replaces the transaction pending there.
//
// ctx is only honoured until the request is queued. Once the queue owns the
// request Submit waits for its outcome, so a signed transaction is never
// lost to a cancelled caller.
func (q *SignerQueue) Submit(ctx context.Context, to common.Address, data []byte, nonce *uint64, onSigned SignedHook) (*settlement.Submission, error) {
	req := signRequest{ctx: ctx, to: to, data: data, nonce: nonce, onSigned: onSigned, resp: make(chan signResult, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return nil, ErrQueueClosed
	}
	select {
	case q.requests <- req:
	case <-ctx.Done():
		q.mu.RUnlock()
		return nil, ctx.Err()
	}
	q.mu.RUnlock()
	metrics.SignerQueueDepth.Set(float64(len(q.requests)))

	res := <-req.resp
	return res.sub, res.err
}

// Stop rejects new requests, finishes the one in flight and fails the rest
// with ErrQueueClosed.
func (q *SignerQueue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *SignerQueue) run() {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			q.drain()
			return
		case req := <-q.requests:
			metrics.SignerQueueDepth.Set(float64(len(q.requests)))
			if err := req.ctx.Err(); err != nil {
				req.resp <- signResult{err: err}
				continue
			}
			sub, err := q.send(req)
			req.resp <- signResult{sub: sub, err: err}
		}
	}
}

func (q *SignerQueue) drain() {
	for {
		select {
		case req := <-q.requests:
			req.resp <- signResult{err: ErrQueueClosed}
		default:
			metrics.SignerQueueDepth.Set(0)
			return
		}
	}
}

func (q *SignerQueue) send(req signRequest) (*settlement.Submission, error) {
	sub, err := q.sendOnce(req)
	if err != nil && req.nonce == nil && isNonceTooLow(err) {
		q.logger.Warn("Local nonce behind chain, resyncing", zap.Uint64("nonce", q.nextNonce))
		q.synced = false
		return q.sendOnce(req)
	}
	return sub, err
}

func (q *SignerQueue) sendOnce(req signRequest) (*settlement.Submission, error) {
	ctx := req.ctx
	var nonce uint64
	if req.nonce != nil {
		nonce = *req.nonce
	} else {
		if !q.synced {
			pending, err := q.backend.PendingNonceAt(ctx, q.from)
			if err != nil {
				return nil, fmt.Errorf("pending nonce: %w", err)
			}
			q.nextNonce = pending
			q.synced = true
		}
		nonce = q.nextNonce
	}

	gasPrice, err := q.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	if prev, ok := q.lastPrice[nonce]; ok {
		bumped := new(big.Int).Mul(prev, big.NewInt(replacementBumpPercent))
		bumped.Div(bumped, big.NewInt(100))
		if gasPrice.Cmp(bumped) < 0 {
			gasPrice = bumped
		}
	}

	to := req.to
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Gas:      q.gasLimit,
		GasPrice: gasPrice,
		Data:     req.data,
	})
	signed, err := types.SignTx(tx, q.signer, q.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	sub := &settlement.Submission{TxHash: signed.Hash().Hex(), Nonce: nonce}
	if req.onSigned != nil {
		if err := req.onSigned(ctx, *sub); err != nil {
			return nil, fmt.Errorf("%w: %w", errNotRecorded, err)
		}
	}

	if err := q.backend.SendTransaction(ctx, signed); err != nil && !isAlreadyKnown(err) {
		if isNonceTooLow(err) && req.nonce != nil {
			return nil, fmt.Errorf("%w: nonce %d", settlement.ErrNonceConsumed, nonce)
		}
		if isRejected(err) {
			return nil, fmt.Errorf("send transaction: %w", err)
		}
		// The node may hold the transaction. Treat the nonce as used so the
		// next send cannot collide with it; reconciliation settles the rest.
		q.accept(req, nonce, gasPrice)
		q.logger.Warn("Broadcast outcome unknown",
			zap.String("tx_hash", sub.TxHash),
			zap.Uint64("nonce", nonce),
			zap.Error(err))
		return sub, fmt.Errorf("%w: %w", settlement.ErrBroadcastUncertain, err)
	}

	q.accept(req, nonce, gasPrice)
	q.logger.Info("Transaction broadcast",
		zap.String("tx_hash", sub.TxHash),
		zap.Uint64("nonce", nonce),
		zap.String("gas_price", gasPrice.String()),
		zap.Bool("replacement", req.nonce != nil))

	return sub, nil
}

func (q *SignerQueue) accept(req signRequest, nonce uint64, gasPrice *big.Int) {
	q.lastPrice[nonce] = gasPrice
	if req.nonce == nil {
		q.nextNonce = nonce + 1
		q.prune()
	}
}

func (q *SignerQueue) prune() {
	if q.nextNonce <= gasPriceMemory {
		return
	}
	floor := q.nextNonce - gasPriceMemory
	for n := range q.lastPrice {
		if n < floor {
			delete(q.lastPrice, n)
		}
	}
}
