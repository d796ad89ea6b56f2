package evm

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidAmount  = errors.New("transfer amount must be positive")
	ErrQueueClosed    = errors.New("signer queue closed")

	errNotRecorded = errors.New("signed transaction not recorded")
)

// node rejections that guarantee the transaction was not pooled
var rejectionMessages = []string{
	"nonce too low",
	"underpriced",
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"invalid sender",
	"gas limit reached",
}

func isNonceTooLow(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

func isAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// isRejected reports whether the node definitively refused a transaction.
// Transport failures and timeouts are not rejections: the node may have
// accepted the transaction before the connection dropped.
func isRejected(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rejectionMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
