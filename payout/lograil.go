package payout

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/google/uuid"

	"github.com/bitfsorg/lpclaim-go/ledger"
	"github.com/bitfsorg/lpclaim-go/registry"
)

// LogRail records payouts for settlement outside the daemon. Transfer
// always succeeds and returns a settlement reference.
type LogRail struct {
	log *slog.Logger
}

// Compile-time interface check.
var _ ledger.Transferer = (*LogRail)(nil)

// NewLogRail creates a LogRail writing to log.
func NewLogRail(log *slog.Logger) *LogRail {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &LogRail{log: log}
}

// Transfer logs the payout instruction.
func (r *LogRail) Transfer(ctx context.Context, to registry.Identity, amount *big.Int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: %v", ErrAmountOutOfRange, amount)
	}
	ref := "settle-" + uuid.NewString()
	r.log.Info("payout recorded for settlement", "to", to, "amount", amount.String(), "ref", ref)
	return ref, nil
}
