package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	domainerrors "github.com/bez-service/settlement_service/internal/domain/errors"
	"github.com/bez-service/settlement_service/internal/domain/services/oracle"
	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
)

const (
	defaultConfirmations       = 1
	defaultConfirmationTimeout = 3 * time.Minute
	defaultPollInterval        = 2 * time.Second
	defaultGasLimit            = 120000
	defaultRateLimit           = 20
)

// Config for the token ledger client.
type Config struct {
	ChainID             *big.Int
	TokenAddress        string
	SafeAddress         string
	HotWalletKey        string
	GasLimit            uint64
	Confirmations       uint64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
	RateLimit           float64
	Burst               int
}

// Client reads the BEZ token and its AMM pools and sends transferFrom calls
// that move tokens out of the safe wallet using the hot wallet's allowance.
type Client struct {
	backend        Backend
	config         Config
	token          common.Address
	safe           common.Address
	queue          *SignerQueue
	circuitBreaker *gobreaker.CircuitBreaker
	rateLimiter    *rate.Limiter
	logger         *zap.Logger

	decimalsMu sync.Mutex
	decimals   *uint8
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return client, nil
}

// NewClient validates cfg and starts the hot wallet's signer queue.
func NewClient(backend Backend, config Config, logger *zap.Logger) (*Client, error) {
	if !common.IsHexAddress(config.TokenAddress) {
		return nil, fmt.Errorf("token address: %w", ErrInvalidAddress)
	}
	if !common.IsHexAddress(config.SafeAddress) {
		return nil, fmt.Errorf("safe address: %w", ErrInvalidAddress)
	}
	if config.ChainID == nil || config.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id must be positive")
	}
	if config.Confirmations == 0 {
		config.Confirmations = defaultConfirmations
	}
	if config.ConfirmationTimeout == 0 {
		config.ConfirmationTimeout = defaultConfirmationTimeout
	}
	if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}
	if config.GasLimit == 0 {
		config.GasLimit = defaultGasLimit
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.Burst == 0 {
		config.Burst = int(config.RateLimit) * 2
	}

	queue, err := NewSignerQueue(backend, config.HotWalletKey, config.ChainID, config.GasLimit, logger)
	if err != nil {
		return nil, err
	}

	cbSettings := gobreaker.Settings{
		Name:        "EVMRPC",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ethereum.NotFound) || errors.Is(err, settlement.ErrNonceConsumed) || errors.Is(err, errNotRecorded)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("EVM circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		backend:        backend,
		config:         config,
		token:          common.HexToAddress(config.TokenAddress),
		safe:           common.HexToAddress(config.SafeAddress),
		queue:          queue,
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		rateLimiter:    rate.NewLimiter(rate.Limit(config.RateLimit), config.Burst),
		logger:         logger,
	}, nil
}

// HotWalletAddress is the spender the safe wallet must approve.
func (c *Client) HotWalletAddress() string {
	return c.queue.Address().Hex()
}

// Close stops the signer queue.
func (c *Client) Close() {
	c.queue.Stop()
}

func (c *Client) TokenBalance(ctx context.Context, owner string) (*big.Int, error) {
	if !common.IsHexAddress(owner) {
		return nil, ErrInvalidAddress
	}
	out, err := c.callView(ctx, tokenABI, c.token, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, domainerrors.LedgerUnavailableError("balanceOf", err)
	}
	return out[0].(*big.Int), nil
}

func (c *Client) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	if !common.IsHexAddress(owner) || !common.IsHexAddress(spender) {
		return nil, ErrInvalidAddress
	}
	out, err := c.callView(ctx, tokenABI, c.token, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, domainerrors.LedgerUnavailableError("allowance", err)
	}
	return out[0].(*big.Int), nil
}

func (c *Client) GasBalance(ctx context.Context, account string) (*big.Int, error) {
	if !common.IsHexAddress(account) {
		return nil, ErrInvalidAddress
	}
	res, err := c.do(ctx, func() (interface{}, error) {
		return c.backend.BalanceAt(ctx, common.HexToAddress(account), nil)
	})
	if err != nil {
		return nil, domainerrors.LedgerUnavailableError("balance", err)
	}
	return res.(*big.Int), nil
}

// Decimals reads the token's decimals once and caches the result.
func (c *Client) Decimals(ctx context.Context) (uint8, error) {
	c.decimalsMu.Lock()
	defer c.decimalsMu.Unlock()
	if c.decimals != nil {
		return *c.decimals, nil
	}
	out, err := c.callView(ctx, tokenABI, c.token, "decimals")
	if err != nil {
		return 0, domainerrors.LedgerUnavailableError("decimals", err)
	}
	d := out[0].(uint8)
	c.decimals = &d
	return d, nil
}

// SubmitTransfer broadcasts transferFrom(safe, req.To, req.Amount).
func (c *Client) SubmitTransfer(ctx context.Context, req settlement.TransferRequest) (*settlement.Submission, error) {
	if !common.IsHexAddress(req.To) {
		return nil, ErrInvalidAddress
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	data, err := tokenABI.Pack("transferFrom", c.safe, common.HexToAddress(req.To), req.Amount)
	if err != nil {
		return nil, fmt.Errorf("pack transferFrom: %w", err)
	}

	onSigned := SignedHook(req.OnSigned)
	var sub *settlement.Submission
	_, err = c.do(ctx, func() (interface{}, error) {
		var err error
		sub, err = c.queue.Submit(ctx, c.token, data, req.Nonce, onSigned)
		return sub, err
	})
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrNonceConsumed):
			return nil, err
		case errors.Is(err, errNotRecorded):
			return nil, err
		case errors.Is(err, settlement.ErrBroadcastUncertain):
			return sub, domainerrors.LedgerUnavailableError("transferFrom", err)
		}
		return nil, domainerrors.LedgerUnavailableError("transferFrom", err)
	}
	return sub, nil
}

// WaitConfirmation polls for the receipt until it has the configured number
// of confirmations, the transaction reverts or the confirmation timeout
// elapses.
func (c *Client) WaitConfirmation(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	waitCtx, cancel := context.WithTimeout(ctx, c.config.ConfirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		done, err := c.checkConfirmed(waitCtx, hash)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return domainerrors.TransactionTimeoutError(txHash)
		case <-ticker.C:
		}
	}
}

func (c *Client) checkConfirmed(ctx context.Context, hash common.Hash) (bool, error) {
	receipt, err := c.receipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) || ctx.Err() != nil {
			return false, nil
		}
		c.logger.Warn("Receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		return false, nil
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, domainerrors.TransactionRevertedError(hash.Hex())
	}
	if receipt.BlockNumber == nil {
		return false, nil
	}

	res, err := c.do(ctx, func() (interface{}, error) {
		return c.backend.BlockNumber(ctx)
	})
	if err != nil {
		return false, nil
	}
	head := res.(uint64)
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return false, nil
	}
	return head-mined+1 >= c.config.Confirmations, nil
}

// TransactionState reports whether txHash is pending, mined (successfully
// or not) or unknown to the node.
func (c *Client) TransactionState(ctx context.Context, txHash string) (settlement.TxState, error) {
	hash := common.HexToHash(txHash)
	receipt, err := c.receipt(ctx, hash)
	switch {
	case err == nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return settlement.TxStateSuccess, nil
		}
		return settlement.TxStateReverted, nil
	case !errors.Is(err, ethereum.NotFound):
		return "", domainerrors.LedgerUnavailableError("receipt", err)
	}

	// a mined transaction whose receipt is not indexed yet also counts as
	// pending
	_, err = c.do(ctx, func() (interface{}, error) {
		_, pending, err := c.backend.TransactionByHash(ctx, hash)
		return pending, err
	})
	if errors.Is(err, ethereum.NotFound) {
		return settlement.TxStateNotFound, nil
	}
	if err != nil {
		return "", domainerrors.LedgerUnavailableError("transaction", err)
	}
	return settlement.TxStatePending, nil
}

// GetReserves reads a constant-product pair's reserves.
func (c *Client) GetReserves(ctx context.Context, pool string) (*oracle.Reserves, error) {
	if !common.IsHexAddress(pool) {
		return nil, ErrInvalidAddress
	}
	out, err := c.callView(ctx, poolABI, common.HexToAddress(pool), "getReserves")
	if err != nil {
		return nil, fmt.Errorf("getReserves %s: %w", pool, err)
	}
	return &oracle.Reserves{
		Reserve0: out[0].(*big.Int),
		Reserve1: out[1].(*big.Int),
	}, nil
}

func (c *Client) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	res, err := c.do(ctx, func() (interface{}, error) {
		return c.backend.TransactionReceipt(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	receipt := res.(*types.Receipt)
	if receipt == nil {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *Client) callView(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	input, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := c.do(ctx, func() (interface{}, error) {
		return c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	})
	if err != nil {
		return nil, err
	}
	out, err := contract.Unpack(method, res.([]byte))
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return c.circuitBreaker.Execute(fn)
}
