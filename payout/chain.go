package payout

import "context"

// UTXO is an unspent output as reported by the node.
type UTXO struct {
	TxID          string // display-order hex
	Vout          uint32
	Amount        uint64 // satoshis
	ScriptPubKey  string // hex
	Address       string
	Confirmations int64
}

// Chain is the subset of node functionality the payout rail needs.
type Chain interface {
	// ListUnspent returns the unspent outputs paying address.
	ListUnspent(ctx context.Context, address string) ([]*UTXO, error)

	// BroadcastTx submits a signed transaction and returns its txid. An
	// error wraps ErrBroadcastRejected only when the node refused the
	// transaction; any other error leaves the outcome unknown.
	BroadcastTx(ctx context.Context, rawTxHex string) (string, error)
}
