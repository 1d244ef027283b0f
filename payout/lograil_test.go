package payout

import (
	"bytes"
	"context"
	"log/slog"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitfsorg/lpclaim-go/registry"
)

func TestLogRail(t *testing.T) {
	var buf bytes.Buffer
	rail := NewLogRail(slog.New(slog.NewTextHandler(&buf, nil)))
	var to registry.Identity
	to[0] = 0x42

	ref, err := rail.Transfer(context.Background(), to, big.NewInt(1234))
	require.NoError(t, err)
	assert.Contains(t, ref, "settle-")
	assert.Contains(t, buf.String(), "amount=1234")
	assert.Contains(t, buf.String(), to.String())

	_, err = rail.Transfer(context.Background(), to, big.NewInt(0))
	assert.ErrorIs(t, err, ErrAmountOutOfRange)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = rail.Transfer(ctx, to, big.NewInt(1))
	assert.ErrorIs(t, err, context.Canceled)
}
