package payout

import "context"

// MockChain is a test double for Chain.
// All function fields must be set before the corresponding method is called.
type MockChain struct {
	ListUnspentFn func(ctx context.Context, address string) ([]*UTXO, error)
	BroadcastTxFn func(ctx context.Context, rawTxHex string) (string, error)
}

func (m *MockChain) ListUnspent(ctx context.Context, address string) ([]*UTXO, error) {
	return m.ListUnspentFn(ctx, address)
}
func (m *MockChain) BroadcastTx(ctx context.Context, rawTxHex string) (string, error) {
	return m.BroadcastTxFn(ctx, rawTxHex)
}
