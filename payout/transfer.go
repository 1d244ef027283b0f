// Package payout pays ledger claims on chain.
//
// A Transferer holds the funding key of the distribution pool. Each claim
// becomes one P2PKH payment from the funding address to the beneficiary,
// with change returned to the funding address. Ledger amounts are
// interpreted as satoshis.
package payout

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/bsv-blockchain/go-sdk/transaction"
	"github.com/bsv-blockchain/go-sdk/transaction/template/p2pkh"

	"github.com/bitfsorg/lpclaim-go/ledger"
	"github.com/bitfsorg/lpclaim-go/registry"
)

const (
	// DustLimit is the minimum P2PKH output value in satoshis.
	DustLimit = uint64(546)

	// DefaultFeeRate is the default fee rate in sat/KB.
	DefaultFeeRate = uint64(1)

	broadcastTimeout = 30 * time.Second

	// Size estimates for P2PKH transactions.
	txOverhead = 10  // version + locktime + in/out count varints
	inputSize  = 148 // outpoint + scriptlen + ~107 unlocking script + sequence
	outputSize = 34  // value + scriptlen + 25-byte P2PKH script
)

// EstimateFee returns the fee in satoshis for a transaction of the given size
// at feeRate sat/KB, rounded up.
func EstimateFee(txSizeBytes int, feeRate uint64) uint64 {
	if feeRate == 0 {
		feeRate = DefaultFeeRate
	}
	return (uint64(txSizeBytes)*feeRate + 999) / 1000
}

// EstimateTxSize estimates the size of a P2PKH-only transaction.
func EstimateTxSize(numInputs, numOutputs int) int {
	return txOverhead + numInputs*inputSize + numOutputs*outputSize
}

// Options configures a Transferer.
type Options struct {
	// Mainnet selects the address encoding used for listunspent queries.
	Mainnet bool
	// FeeRate in sat/KB; zero means DefaultFeeRate.
	FeeRate uint64
	Logger  *slog.Logger
}

// Transferer implements ledger.Transferer on a Chain.
//
// A payment whose broadcast outcome is unknown stays pending until
// Rebroadcast settles it. Its inputs are not selected for other payments
// in the meantime.
type Transferer struct {
	chain   Chain
	key     *ec.PrivateKey
	address *script.Address
	mainnet bool
	feeRate uint64
	log     *slog.Logger

	mu       sync.Mutex
	pending  map[string]*pendingTx // by txid
	reserved map[outpoint]string   // input -> pending txid
}

type outpoint struct {
	txid string
	vout uint32
}

type pendingTx struct {
	raw    string
	to     registry.Identity
	sats   uint64
	inputs []outpoint
}

// Compile-time interface check.
var _ ledger.Transferer = (*Transferer)(nil)

// NewTransferer creates a Transferer that spends outputs locked to key.
func NewTransferer(chain Chain, key *ec.PrivateKey, opts Options) (*Transferer, error) {
	if chain == nil {
		return nil, fmt.Errorf("%w: chain", ErrNilParam)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: funding key", ErrNilParam)
	}
	addr, err := script.NewAddressFromPublicKey(key.PubKey(), opts.Mainnet)
	if err != nil {
		return nil, fmt.Errorf("payout: funding address: %w", err)
	}
	t := &Transferer{
		chain:   chain,
		key:     key,
		address: addr,
		mainnet: opts.Mainnet,
		feeRate: opts.FeeRate,
		log:     opts.Logger,

		pending:  make(map[string]*pendingTx),
		reserved: make(map[outpoint]string),
	}
	if t.feeRate == 0 {
		t.feeRate = DefaultFeeRate
	}
	if t.log == nil {
		t.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return t, nil
}

// NewTransfererFromWIF parses a WIF-encoded funding key and calls NewTransferer.
func NewTransfererFromWIF(chain Chain, wif string, opts Options) (*Transferer, error) {
	key, err := ec.PrivateKeyFromWif(wif)
	if err != nil {
		return nil, fmt.Errorf("payout: parse funding key: %w", err)
	}
	return NewTransferer(chain, key, opts)
}

// FundingAddress returns the address that must hold the pool's coins.
func (t *Transferer) FundingAddress() string {
	return t.address.AddressString
}

// Transfer builds, signs and broadcasts one payment of amount satoshis to
// the P2PKH address of to. It returns the txid.
//
// The broadcast is not cancelled with ctx. If it fails without a rejection
// from the node, Transfer returns the txid together with an error wrapping
// ErrBroadcastUnconfirmed and keeps the payment pending.
func (t *Transferer) Transfer(ctx context.Context, to registry.Identity, amount *big.Int) (string, error) {
	if to.IsZero() {
		return "", fmt.Errorf("%w: zero recipient", registry.ErrInvalidIdentity)
	}
	if amount == nil || !amount.IsUint64() {
		return "", fmt.Errorf("%w: %v is not a satoshi amount", ErrAmountOutOfRange, amount)
	}
	sats := amount.Uint64()
	if sats < DustLimit {
		return "", fmt.Errorf("%w: %d sat is below the dust limit", ErrAmountOutOfRange, sats)
	}

	utxos, err := t.chain.ListUnspent(ctx, t.address.AddressString)
	if err != nil {
		return "", fmt.Errorf("payout: list unspent: %w", err)
	}
	selected, total, fee, err := selectCoins(t.spendable(utxos), sats, t.feeRate)
	if err != nil {
		return "", err
	}

	tx, err := t.buildPayment(to, sats, selected, total, fee)
	if err != nil {
		return "", err
	}
	txid := tx.TxID().String()
	p := &pendingTx{raw: tx.Hex(), to: to, sats: sats, inputs: make([]outpoint, len(selected))}
	for i, u := range selected {
		p.inputs[i] = outpoint{txid: u.TxID, vout: u.Vout}
	}
	t.track(txid, p)

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastTimeout)
	defer cancel()
	if err := t.broadcast(bctx, txid, p.raw); err != nil {
		if errors.Is(err, ErrBroadcastRejected) {
			t.untrack(txid)
			return "", fmt.Errorf("payout: broadcast: %w", err)
		}
		t.log.Error("payout broadcast unconfirmed",
			"to", to,
			"sats", sats,
			"txid", txid,
			"raw", p.raw,
			"error", err)
		return txid, fmt.Errorf("%w: %s: %w", ErrBroadcastUnconfirmed, txid, err)
	}
	t.untrack(txid)

	t.log.Info("payout broadcast",
		"to", to,
		"sats", sats,
		"fee", fee,
		"inputs", len(selected),
		"txid", txid)
	return txid, nil
}

// broadcast submits raw. A transaction the node reports as already mined
// counts as accepted.
func (t *Transferer) broadcast(ctx context.Context, txid, raw string) error {
	got, err := t.chain.BroadcastTx(ctx, raw)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == rpcVerifyAlreadyInChain {
		return nil
	}
	if err != nil {
		return err
	}
	if got != "" && got != txid {
		t.log.Warn("node reported a different txid", "txid", txid, "node_txid", got)
	}
	return nil
}

// Rebroadcast resubmits every pending payment and returns how many remain
// pending. Payments the node accepts leave the pending set. So do payments
// it rejects; those are logged at error level, as the claim was debited
// without a payment.
func (t *Transferer) Rebroadcast(ctx context.Context) (int, error) {
	t.mu.Lock()
	batch := maps.Clone(t.pending)
	t.mu.Unlock()

	var errs []error
	for _, txid := range slices.Sorted(maps.Keys(batch)) {
		p := batch[txid]
		err := t.broadcast(ctx, txid, p.raw)
		switch {
		case err == nil:
			t.untrack(txid)
			t.log.Info("pending payout accepted", "to", p.to, "sats", p.sats, "txid", txid)
		case errors.Is(err, ErrBroadcastRejected):
			t.untrack(txid)
			t.log.Error("pending payout rejected, settle manually",
				"to", p.to,
				"sats", p.sats,
				"txid", txid,
				"raw", p.raw,
				"error", err)
		default:
			errs = append(errs, fmt.Errorf("payout: rebroadcast %s: %w", txid, err))
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending), errors.Join(errs...)
}

// Pending returns the txids of payments whose broadcast is unconfirmed.
func (t *Transferer) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Sorted(maps.Keys(t.pending))
}

func (t *Transferer) track(txid string, p *pendingTx) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[txid] = p
	for _, in := range p.inputs {
		t.reserved[in] = txid
	}
}

func (t *Transferer) untrack(txid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[txid]
	if !ok {
		return
	}
	delete(t.pending, txid)
	for _, in := range p.inputs {
		delete(t.reserved, in)
	}
}

// spendable drops outputs that a pending payment spends.
func (t *Transferer) spendable(utxos []*UTXO) []*UTXO {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u == nil {
			continue
		}
		if _, ok := t.reserved[outpoint{txid: u.TxID, vout: u.Vout}]; ok {
			continue
		}
		out = append(out, u)
	}
	return out
}

// selectCoins picks the largest outputs first until amount plus fee is
// covered. The fee always assumes a change output.
func selectCoins(utxos []*UTXO, amount, feeRate uint64) (selected []*UTXO, total, fee uint64, err error) {
	candidates := make([]*UTXO, 0, len(utxos))
	for _, u := range utxos {
		if u != nil && u.Amount > 0 {
			candidates = append(candidates, u)
		}
	}
	slices.SortFunc(candidates, func(a, b *UTXO) int {
		switch {
		case a.Amount > b.Amount:
			return -1
		case a.Amount < b.Amount:
			return 1
		}
		return 0
	})

	for _, u := range candidates {
		selected = append(selected, u)
		total += u.Amount
		fee = EstimateFee(EstimateTxSize(len(selected), 2), feeRate)
		if total >= amount+fee {
			return selected, total, fee, nil
		}
	}
	need := amount + EstimateFee(EstimateTxSize(max(len(selected), 1), 2), feeRate)
	return nil, 0, 0, fmt.Errorf("%w: need %d sat, have %d sat", ErrInsufficientFunds, need, total)
}

func (t *Transferer) buildPayment(to registry.Identity, sats uint64, inputs []*UTXO, total, fee uint64) (*transaction.Transaction, error) {
	tx := transaction.NewTransaction()

	for i, u := range inputs {
		txidHash, err := chainhash.NewHashFromHex(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d txid: %w", ErrInvalidResponse, i, err)
		}
		tx.AddInput(&transaction.TransactionInput{
			SourceTXID:       txidHash,
			SourceTxOutIndex: u.Vout,
			SequenceNumber:   transaction.DefaultSequenceNumber,
		})
	}

	toAddr, err := script.NewAddressFromPublicKeyHash(to[:], t.mainnet)
	if err != nil {
		return nil, fmt.Errorf("payout: recipient address: %w", err)
	}
	toScript, err := p2pkh.Lock(toAddr)
	if err != nil {
		return nil, fmt.Errorf("payout: recipient lock script: %w", err)
	}
	tx.AddOutput(&transaction.TransactionOutput{
		Satoshis:      sats,
		LockingScript: toScript,
	})

	fundingScript, err := p2pkh.Lock(t.address)
	if err != nil {
		return nil, fmt.Errorf("payout: change lock script: %w", err)
	}
	// Change at or below dust goes to the miner.
	if change := total - sats - fee; change > DustLimit {
		tx.AddOutput(&transaction.TransactionOutput{
			Satoshis:      change,
			LockingScript: fundingScript,
		})
	}

	for i, u := range inputs {
		lockScript := fundingScript
		if u.ScriptPubKey != "" {
			raw, err := hex.DecodeString(u.ScriptPubKey)
			if err != nil {
				return nil, fmt.Errorf("%w: input %d script: %w", ErrInvalidResponse, i, err)
			}
			lockScript = script.NewFromBytes(raw)
		}
		tx.Inputs[i].SetSourceTxOutput(&transaction.TransactionOutput{
			Satoshis:      u.Amount,
			LockingScript: lockScript,
		})

		unlocker, err := p2pkh.Unlock(t.key, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: unlocker for input %d: %w", ErrSigningFailed, i, err)
		}
		tx.Inputs[i].UnlockingScriptTemplate = unlocker
	}

	if err := tx.Sign(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	return tx, nil
}
