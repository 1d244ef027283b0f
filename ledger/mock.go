package ledger

import (
	"context"
	"math/big"

	"github.com/bitfsorg/lpclaim-go/registry"
)

// MockTransferer is a test double for Transferer.
// TransferFn must be set before Transfer is called.
type MockTransferer struct {
	TransferFn func(ctx context.Context, to registry.Identity, amount *big.Int) (string, error)
}

func (m *MockTransferer) Transfer(ctx context.Context, to registry.Identity, amount *big.Int) (string, error) {
	return m.TransferFn(ctx, to, amount)
}
