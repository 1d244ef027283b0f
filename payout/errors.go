package payout

import (
	"errors"
	"fmt"

	"github.com/bitfsorg/lpclaim-go/ledger"
)

var (
	// ErrConnectionFailed indicates the client could not reach the node.
	ErrConnectionFailed = errors.New("payout: connection failed")

	// ErrInvalidResponse indicates the node returned a malformed or unexpected response.
	ErrInvalidResponse = errors.New("payout: invalid response")

	// ErrBroadcastRejected indicates the node rejected the payment transaction.
	ErrBroadcastRejected = errors.New("payout: broadcast rejected")

	// ErrBroadcastUnconfirmed indicates the payment was submitted but the node's
	// answer was lost. The transaction may be in the mempool; it is kept for
	// rebroadcast and the ledger must not release the claim.
	ErrBroadcastUnconfirmed = fmt.Errorf("payout: broadcast outcome unknown: %w", ledger.ErrTransferUnconfirmed)

	// ErrInsufficientFunds indicates the funding address cannot cover amount plus fee.
	ErrInsufficientFunds = errors.New("payout: insufficient funds")

	// ErrAmountOutOfRange indicates an amount that is not representable in satoshis
	// or is below the dust limit.
	ErrAmountOutOfRange = errors.New("payout: amount out of range")

	// ErrSigningFailed indicates the payment transaction could not be signed.
	ErrSigningFailed = errors.New("payout: signing failed")

	// ErrNilParam indicates a required parameter is nil.
	ErrNilParam = errors.New("payout: required parameter is nil")
)
