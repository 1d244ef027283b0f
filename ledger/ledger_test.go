package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitfsorg/lpclaim-go/registry"
)

var errRail = errors.New("rail unavailable")

func makeID(seed byte) registry.Identity {
	var id registry.Identity
	for i := range id {
		id[i] = seed
	}
	return id
}

// eth returns whole units scaled by 1e18, as used by the reference vectors.
func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), Scale)
}

// milliEth returns n/1000 of a whole unit.
func milliEth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Quo(Scale, big.NewInt(1000)))
}

// recordingRail pays every transfer and keeps a per-identity total.
type recordingRail struct {
	mu    sync.Mutex
	paid  map[registry.Identity]*big.Int
	total *big.Int
	calls int
	fail  error
}

func newRecordingRail() *recordingRail {
	return &recordingRail{paid: make(map[registry.Identity]*big.Int), total: new(big.Int)}
}

func (r *recordingRail) Transfer(_ context.Context, to registry.Identity, amount *big.Int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail != nil {
		return "", r.fail
	}
	p, ok := r.paid[to]
	if !ok {
		p = new(big.Int)
		r.paid[to] = p
	}
	p.Add(p, amount)
	r.total.Add(r.total, amount)
	return "tx-" + to.String()[:8], nil
}

func (r *recordingRail) paidTo(id registry.Identity) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.paid[id]; ok {
		return new(big.Int).Set(p)
	}
	return new(big.Int)
}

var owner = makeID(0xF0)

func newTestLedger(t *testing.T, store Store, rail Transferer, opts Options) *Ledger {
	t.Helper()
	if opts.Owner.IsZero() {
		opts.Owner = owner
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewFakeClockAt(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	}
	l, err := Open(store, rail, opts)
	require.NoError(t, err)
	return l
}

// lps returns n distinct beneficiary identities.
func lps(n int) []registry.Identity {
	out := make([]registry.Identity, n)
	for i := range out {
		out[i][0] = 0x10
		out[i][18] = byte(i >> 8)
		out[i][19] = byte(i)
	}
	return out
}

// lockedLedger registers n beneficiaries one call at a time and locks.
func lockedLedger(t *testing.T, n int, rail Transferer) (*Ledger, []registry.Identity) {
	t.Helper()
	l := newTestLedger(t, NewMemStore(), rail, Options{})
	ids := lps(n)
	for _, id := range ids {
		_, err := l.AddBeneficiaries(owner, id)
		require.NoError(t, err)
	}
	require.Equal(t, n, l.Stats().Beneficiaries)
	require.NoError(t, l.LockRegistry(owner))
	return l, ids
}

// ---------------------------------------------------------------------------
// Reference scenarios
// ---------------------------------------------------------------------------

func TestScenario_ClaimMultipleTimes(t *testing.T) {
	rail := newRecordingRail()
	l, ids := lockedLedger(t, 106, rail)
	lp1, lp2 := ids[3], ids[4]

	// 1. Deposit 106, every beneficiary can claim exactly 1.
	rcpt, err := l.Deposit(owner, eth(106))
	require.NoError(t, err)
	assert.Equal(t, EventDeposited, rcpt.Kind)
	assert.Equal(t, eth(106), rcpt.Amount)
	for _, id := range ids {
		c, err := l.Claimable(id)
		require.NoError(t, err)
		require.Equal(t, eth(1), c)
	}

	// 2. lp1 claims 1.
	rcpt, err = l.Claim(context.Background(), lp1)
	require.NoError(t, err)
	assert.Equal(t, EventClaimed, rcpt.Kind)
	assert.Equal(t, eth(1), rcpt.Amount)
	assert.NotEmpty(t, rcpt.TransferRef)
	assert.Equal(t, eth(1), rail.paidTo(lp1))
	c, err := l.Claimable(lp1)
	require.NoError(t, err)
	assert.Zero(t, c.Sign())

	// 3. Deposit 53 more.
	_, err = l.Deposit(owner, eth(53))
	require.NoError(t, err)
	assert.Equal(t, eth(158), l.Stats().Balance)

	c, err = l.Claimable(lp1)
	require.NoError(t, err)
	assert.Equal(t, milliEth(500), c)
	c, err = l.Claimable(lp2)
	require.NoError(t, err)
	assert.Equal(t, milliEth(1500), c)

	// 4. lp1 claims 0.5, lp2 claims 1.5.
	rcpt, err = l.Claim(context.Background(), lp1)
	require.NoError(t, err)
	assert.Equal(t, milliEth(500), rcpt.Amount)
	rcpt, err = l.Claim(context.Background(), lp2)
	require.NoError(t, err)
	assert.Equal(t, milliEth(1500), rcpt.Amount)

	assert.Equal(t, milliEth(1500), rail.paidTo(lp1))
	assert.Equal(t, milliEth(1500), rail.paidTo(lp2))

	st := l.Stats()
	assert.Equal(t, eth(156), st.Balance)
	// 104 beneficiaries still hold 1.5 each.
	assert.Equal(t, new(big.Int).Mul(milliEth(1500), big.NewInt(104)), st.Outstanding)
	assert.Zero(t, st.Unallocated.Sign())

	acct, err := l.Account(lp1)
	require.NoError(t, err)
	assert.Equal(t, milliEth(1500), acct.Withdrawn)
	assert.Equal(t, uint64(2), acct.Claims)
	assert.Equal(t, st.AccPerShare, acct.LastAcc)
}

func TestScenario_RemoveAfterLock(t *testing.T) {
	l, ids := lockedLedger(t, 106, newRecordingRail())

	_, err := l.RemoveBeneficiaries(owner, ids[0])
	assert.ErrorIs(t, err, ErrRegistryLocked)
	_, err = l.AddBeneficiaries(owner, makeID(0xEE))
	assert.ErrorIs(t, err, ErrRegistryLocked)
	assert.Equal(t, 106, l.Stats().Beneficiaries)
}

func TestScenario_NonMemberClaim(t *testing.T) {
	rail := newRecordingRail()
	l, _ := lockedLedger(t, 3, rail)
	_, err := l.Deposit(owner, eth(3))
	require.NoError(t, err)

	_, err = l.Claim(context.Background(), makeID(0xEE))
	assert.ErrorIs(t, err, ErrNotAMember)
	_, err = l.Claimable(makeID(0xEE))
	assert.ErrorIs(t, err, ErrNotAMember)
	assert.Zero(t, rail.calls)
	assert.Equal(t, eth(3), l.Stats().Balance)
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func TestFairSplit(t *testing.T) {
	for _, n := range []int{1, 2, 7, 106, 300} {
		rail := newRecordingRail()
		l, ids := lockedLedger(t, n, rail)
		d := new(big.Int).Mul(big.NewInt(int64(n)), big.NewInt(12345))
		_, err := l.Deposit(makeID(0x01), d)
		require.NoError(t, err)

		for _, id := range ids {
			rcpt, err := l.Claim(context.Background(), id)
			require.NoError(t, err)
			require.Equal(t, big.NewInt(12345), rcpt.Amount)
		}
		assert.Zero(t, l.Stats().Balance.Sign())
	}
}

func TestConservation_RandomSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rail := newRecordingRail()
	const n = 7
	l, ids := lockedLedger(t, n, rail)

	deposited := new(big.Int)
	for step := 0; step < 500; step++ {
		if rng.Intn(3) == 0 {
			amount := big.NewInt(rng.Int63n(1_000_000) + 1)
			_, err := l.Deposit(makeID(0x02), amount)
			require.NoError(t, err)
			deposited.Add(deposited, amount)
			continue
		}

		id := ids[rng.Intn(n)]
		acct, err := l.Account(id)
		require.NoError(t, err)

		// Accumulator form and direct form agree exactly.
		want := new(big.Int).Quo(deposited, big.NewInt(n))
		want.Sub(want, acct.Withdrawn)
		got, err := l.Claimable(id)
		require.NoError(t, err)
		require.Zero(t, want.Cmp(got), "step %d: want %s, got %s", step, want, got)

		_, err = l.Claim(context.Background(), id)
		if want.Sign() == 0 {
			require.ErrorIs(t, err, ErrNothingToClaim)
		} else {
			require.NoError(t, err)
		}
		require.True(t, rail.total.Cmp(deposited) <= 0, "withdrawn exceeds deposited at step %d", step)
	}

	st := l.Stats()
	assert.Equal(t, deposited, st.TotalDeposited)
	assert.Equal(t, rail.total, st.TotalWithdrawn)
	// Dust never exceeds one unit per beneficiary.
	assert.True(t, st.Unallocated.Cmp(big.NewInt(n)) < 0)
}

func TestClaimable_UnevenDepositsCarryRemainder(t *testing.T) {
	l, ids := lockedLedger(t, 3, newRecordingRail())

	_, err := l.Deposit(owner, big.NewInt(10))
	require.NoError(t, err)
	c, err := l.Claimable(ids[0])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(3), c)
	assert.Equal(t, big.NewInt(1), l.Stats().Unallocated)

	_, err = l.Deposit(owner, big.NewInt(2))
	require.NoError(t, err)
	c, err = l.Claimable(ids[0])
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(4), c)
	assert.Zero(t, l.Stats().Unallocated.Sign())
}

func TestClaimable_DoesNotMutate(t *testing.T) {
	l, ids := lockedLedger(t, 4, newRecordingRail())
	_, err := l.Deposit(owner, big.NewInt(400))
	require.NoError(t, err)

	before := l.Stats()
	first, err := l.Claimable(ids[1])
	require.NoError(t, err)
	second, err := l.Claimable(ids[1])
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, before, l.Stats())
}

func TestEntitlement_Monotonic(t *testing.T) {
	l, _ := lockedLedger(t, 5, newRecordingRail())
	prev := new(big.Int)
	for i := int64(1); i <= 20; i++ {
		_, err := l.Deposit(owner, big.NewInt(i*3))
		require.NoError(t, err)
		e, err := l.Entitlement()
		require.NoError(t, err)
		require.True(t, e.Cmp(prev) >= 0)
		prev = e
	}
}

// ---------------------------------------------------------------------------
// Error paths
// ---------------------------------------------------------------------------

func TestClaim_BeforeLock(t *testing.T) {
	l := newTestLedger(t, NewMemStore(), newRecordingRail(), Options{})
	_, err := l.AddBeneficiaries(owner, makeID(1), makeID(2))
	require.NoError(t, err)
	_, err = l.Deposit(owner, big.NewInt(100))
	require.NoError(t, err)

	_, err = l.Claim(context.Background(), makeID(1))
	assert.ErrorIs(t, err, ErrWhitelistNotLocked)
	_, err = l.Claimable(makeID(1))
	assert.ErrorIs(t, err, ErrWhitelistNotLocked)
	_, err = l.Entitlement()
	assert.ErrorIs(t, err, ErrWhitelistNotLocked)
}

func TestClaim_NothingToClaim(t *testing.T) {
	l, ids := lockedLedger(t, 2, newRecordingRail())
	_, err := l.Claim(context.Background(), ids[0])
	assert.ErrorIs(t, err, ErrNothingToClaim)

	_, err = l.Deposit(owner, big.NewInt(1))
	require.NoError(t, err)
	_, err = l.Claim(context.Background(), ids[0])
	assert.ErrorIs(t, err, ErrNothingToClaim)
	assert.Equal(t, uint64(1), l.Stats().EventSeq)
}

func TestDeposit_InvalidAmount(t *testing.T) {
	l, _ := lockedLedger(t, 2, newRecordingRail())
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		_, err := l.Deposit(owner, amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	assert.Zero(t, l.Stats().TotalDeposited.Sign())
}

func TestAdmin_Unauthorized(t *testing.T) {
	l := newTestLedger(t, NewMemStore(), newRecordingRail(), Options{})
	intruder := makeID(0x66)

	_, err := l.AddBeneficiaries(intruder, makeID(1))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = l.AddBeneficiaries(registry.Identity{}, makeID(1))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = l.RemoveBeneficiaries(intruder, makeID(1))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, l.LockRegistry(intruder), ErrUnauthorized)
	assert.ErrorIs(t, l.TransferOwnership(intruder, intruder), ErrUnauthorized)
	assert.Equal(t, 0, l.Stats().Beneficiaries)
}

func TestAdmin_LockTwiceAndEmpty(t *testing.T) {
	l := newTestLedger(t, NewMemStore(), newRecordingRail(), Options{})
	assert.ErrorIs(t, l.LockRegistry(owner), ErrEmptyRegistry)

	_, err := l.AddBeneficiaries(owner, makeID(1))
	require.NoError(t, err)
	require.NoError(t, l.LockRegistry(owner))
	assert.ErrorIs(t, l.LockRegistry(owner), ErrAlreadyLocked)
}

func TestAdmin_RemoveBatchAbortsOnMissing(t *testing.T) {
	l := newTestLedger(t, NewMemStore(), newRecordingRail(), Options{})
	_, err := l.AddBeneficiaries(owner, makeID(1), makeID(2), makeID(3))
	require.NoError(t, err)

	_, err = l.RemoveBeneficiaries(owner, makeID(1), makeID(9))
	assert.ErrorIs(t, err, ErrNotAMember)
	assert.Equal(t, 3, l.Stats().Beneficiaries)

	removed, err := l.RemoveBeneficiaries(owner, makeID(1), makeID(1))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []registry.Identity{makeID(2), makeID(3)}, l.Members())
}

func TestAdmin_TransferOwnership(t *testing.T) {
	l := newTestLedger(t, NewMemStore(), newRecordingRail(), Options{})
	next := makeID(0x77)

	assert.ErrorIs(t, l.TransferOwnership(owner, registry.Identity{}), ErrInvalidIdentity)
	require.NoError(t, l.TransferOwnership(owner, next))
	assert.Equal(t, next, l.Owner())

	_, err := l.AddBeneficiaries(owner, makeID(1))
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = l.AddBeneficiaries(next, makeID(1))
	assert.NoError(t, err)
}

func TestOpen_RequiresOwner(t *testing.T) {
	_, err := Open(NewMemStore(), newRecordingRail(), Options{})
	assert.ErrorIs(t, err, ErrInvalidIdentity)

	_, err = Open(nil, newRecordingRail(), Options{Owner: owner})
	assert.ErrorIs(t, err, ErrNilParam)
	_, err = Open(NewMemStore(), nil, Options{Owner: owner})
	assert.ErrorIs(t, err, ErrNilParam)
}

// ---------------------------------------------------------------------------
// Pre-lock deposit policies
// ---------------------------------------------------------------------------

func TestPreLock_Accrue(t *testing.T) {
	l := newTestLedger(t, NewMemStore(), newRecordingRail(), Options{PreLock: PreLockAccrue})
	_, err := l.AddBeneficiaries(owner, makeID(1), makeID(2))
	require.NoError(t, err)

	_, err = l.Deposit(owner, big.NewInt(100))
	require.NoError(t, err)
	st := l.Stats()
	assert.Equal(t, big.NewInt(100), st.TotalDeposited)
	assert.Equal(t, big.NewInt(100), st.Unallocated)
	assert.Zero(t, st.Outstanding.Sign())

	require.NoError(t, l.LockRegistry(owner))
	c, err := l.Claimable(makeID(1))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), c)
}

func TestPreLock_Reject(t *testing.T) {
	l := newTestLedger(t, NewMemStore(), newRecordingRail(), Options{PreLock: PreLockReject})
	_, err := l.AddBeneficiaries(owner, makeID(1), makeID(2))
	require.NoError(t, err)

	_, err = l.Deposit(owner, big.NewInt(100))
	assert.ErrorIs(t, err, ErrWhitelistNotLocked)
	assert.Zero(t, l.Stats().TotalDeposited.Sign())

	require.NoError(t, l.LockRegistry(owner))
	_, err = l.Deposit(owner, big.NewInt(100))
	require.NoError(t, err)
	c, err := l.Claimable(makeID(2))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), c)
}

func TestParsePreLockPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    PreLockPolicy
		wantErr bool
	}{
		{"", PreLockAccrue, false},
		{"accrue", PreLockAccrue, false},
		{"REJECT", PreLockReject, false},
		{"later", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePreLockPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) PreLockPolicy {
	t.Helper()
	p, err := ParsePreLockPolicy(s)
	require.NoError(t, err)
	return p
}

// ---------------------------------------------------------------------------
// Transfer failure rollback
// ---------------------------------------------------------------------------

func TestClaim_TransferFailureRollsBack(t *testing.T) {
	rail := newRecordingRail()
	store := NewMemStore()
	l := newTestLedger(t, store, rail, Options{})
	_, err := l.AddBeneficiaries(owner, makeID(1), makeID(2))
	require.NoError(t, err)
	require.NoError(t, l.LockRegistry(owner))
	_, err = l.Deposit(owner, big.NewInt(100))
	require.NoError(t, err)

	before := l.Stats()
	rail.fail = errRail

	_, err = l.Claim(context.Background(), makeID(1))
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.ErrorIs(t, err, errRail)

	assert.Equal(t, before, l.Stats())
	c, err := l.Claimable(makeID(1))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), c)

	events, err := l.Events(1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventDeposited, events[0].Kind)

	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, before.TotalWithdrawn, snap.State.TotalWithdrawn)
	assert.Equal(t, uint64(1), snap.State.EventSeq)

	// The caller retries once the rail recovers.
	rail.fail = nil
	rcpt, err := l.Claim(context.Background(), makeID(1))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), rcpt.Amount)
	assert.Equal(t, uint64(2), rcpt.Seq)
}

func TestClaim_UnconfirmedTransferKeepsClaim(t *testing.T) {
	var calls int
	rail := &MockTransferer{TransferFn: func(_ context.Context, _ registry.Identity, _ *big.Int) (string, error) {
		calls++
		return "tx-sent", fmt.Errorf("%w: reply lost", ErrTransferUnconfirmed)
	}}
	store := NewMemStore()
	l := newTestLedger(t, store, rail, Options{})
	_, err := l.AddBeneficiaries(owner, makeID(1), makeID(2))
	require.NoError(t, err)
	require.NoError(t, l.LockRegistry(owner))
	_, err = l.Deposit(owner, big.NewInt(100))
	require.NoError(t, err)

	rcpt, err := l.Claim(context.Background(), makeID(1))
	require.NoError(t, err)
	assert.True(t, rcpt.Unconfirmed)
	assert.Equal(t, "tx-sent", rcpt.TransferRef)
	assert.Equal(t, big.NewInt(50), rcpt.Amount)

	// The payment may be out, so the debit stands and a retry finds nothing.
	_, err = l.Claim(context.Background(), makeID(1))
	assert.ErrorIs(t, err, ErrNothingToClaim)
	assert.Equal(t, 1, calls)

	st := l.Stats()
	assert.Equal(t, 0, st.TotalWithdrawn.Cmp(big.NewInt(50)))
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, snap.State.TotalWithdrawn.Cmp(big.NewInt(50)))

	events, err := l.Events(1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventClaimed, events[1].Kind)
}

// failingStore fails commits on demand.
type failingStore struct {
	*MemStore
	failAfter int // number of commits allowed; negative never fails
	commits   int
}

func (s *failingStore) Commit(c *Commit) error {
	if s.failAfter >= 0 && s.commits >= s.failAfter {
		return errors.New("disk full")
	}
	s.commits++
	return s.MemStore.Commit(c)
}

func TestClaim_CommitFailureSkipsTransfer(t *testing.T) {
	rail := newRecordingRail()
	store := &failingStore{MemStore: NewMemStore(), failAfter: -1}
	l := newTestLedger(t, store, rail, Options{})
	_, err := l.AddBeneficiaries(owner, makeID(1))
	require.NoError(t, err)
	require.NoError(t, l.LockRegistry(owner))
	_, err = l.Deposit(owner, big.NewInt(10))
	require.NoError(t, err)

	store.failAfter = store.commits
	_, err = l.Claim(context.Background(), makeID(1))
	require.Error(t, err)
	assert.Zero(t, rail.calls)
	assert.Zero(t, l.Stats().TotalWithdrawn.Sign())
}

func TestClaim_RollbackFailureKeepsCommittedState(t *testing.T) {
	rail := newRecordingRail()
	store := &failingStore{MemStore: NewMemStore(), failAfter: -1}
	l := newTestLedger(t, store, rail, Options{})
	_, err := l.AddBeneficiaries(owner, makeID(1))
	require.NoError(t, err)
	require.NoError(t, l.LockRegistry(owner))
	_, err = l.Deposit(owner, big.NewInt(10))
	require.NoError(t, err)

	rail.fail = errRail
	store.failAfter = store.commits + 1 // the claim commit lands, the undo does not
	_, err = l.Claim(context.Background(), makeID(1))
	require.ErrorIs(t, err, ErrTransferFailed)

	st := l.Stats()
	assert.Equal(t, big.NewInt(10), st.TotalWithdrawn)
	assert.True(t, st.TotalWithdrawn.Cmp(st.TotalDeposited) <= 0)
	snap, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, st.TotalWithdrawn, snap.State.TotalWithdrawn)
}

func TestClaim_StateCommittedBeforeTransfer(t *testing.T) {
	store := NewMemStore()
	var seen *big.Int
	rail := &MockTransferer{TransferFn: func(_ context.Context, to registry.Identity, amount *big.Int) (string, error) {
		acct, err := store.Account(to)
		if err != nil {
			return "", err
		}
		seen = new(big.Int).Set(acct.Withdrawn)
		return "ok", nil
	}}
	l := newTestLedger(t, store, rail, Options{})
	_, err := l.AddBeneficiaries(owner, makeID(1))
	require.NoError(t, err)
	require.NoError(t, l.LockRegistry(owner))
	_, err = l.Deposit(owner, big.NewInt(10))
	require.NoError(t, err)

	_, err = l.Claim(context.Background(), makeID(1))
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(10), seen)
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentClaimsNeverDoubleSpend(t *testing.T) {
	rail := newRecordingRail()
	l, ids := lockedLedger(t, 4, rail)
	_, err := l.Deposit(owner, big.NewInt(4000))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = l.Claim(context.Background(), ids[i%len(ids)])
			if i%8 == 0 {
				_, _ = l.Deposit(owner, big.NewInt(40))
			}
		}(i)
	}
	wg.Wait()

	st := l.Stats()
	assert.Equal(t, rail.total, st.TotalWithdrawn)
	assert.True(t, st.TotalWithdrawn.Cmp(st.TotalDeposited) <= 0)
	for _, id := range ids {
		acct, err := l.Account(id)
		require.NoError(t, err)
		assert.Equal(t, rail.paidTo(id), acct.Withdrawn)
	}
}

// ---------------------------------------------------------------------------
// Observers and journal
// ---------------------------------------------------------------------------

func TestObserversSeeEveryEvent(t *testing.T) {
	var got []*Event
	obs := ObserverFunc(func(ev *Event) { got = append(got, ev) })
	l := newTestLedger(t, NewMemStore(), newRecordingRail(), Options{Observers: []Observer{obs}})
	_, err := l.AddBeneficiaries(owner, makeID(1), makeID(2))
	require.NoError(t, err)
	require.NoError(t, l.LockRegistry(owner))

	_, err = l.Deposit(makeID(9), big.NewInt(10))
	require.NoError(t, err)
	_, err = l.Claim(context.Background(), makeID(2))
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, EventDeposited, got[0].Kind)
	assert.Equal(t, makeID(9), got[0].Identity)
	assert.Equal(t, EventClaimed, got[1].Kind)
	assert.Equal(t, makeID(2), got[1].Identity)
	assert.Equal(t, big.NewInt(5), got[1].Amount)
}

func TestJournalReplayMatchesLedger(t *testing.T) {
	rail := newRecordingRail()
	l, ids := lockedLedger(t, 5, rail)
	for i := int64(1); i <= 10; i++ {
		_, err := l.Deposit(makeID(0x03), big.NewInt(i*17))
		require.NoError(t, err)
		_, err = l.Claim(context.Background(), ids[int(i)%len(ids)])
		if err != nil {
			require.ErrorIs(t, err, ErrNothingToClaim)
		}
	}

	events, err := l.Events(1, 0)
	require.NoError(t, err)
	replayed, err := Replay(events)
	require.NoError(t, err)

	st := l.Stats()
	assert.Equal(t, st.TotalDeposited, replayed.TotalDeposited)
	assert.Equal(t, st.TotalWithdrawn, replayed.TotalWithdrawn)
	assert.Equal(t, st.EventSeq, replayed.LastSeq)
	for _, id := range ids {
		acct, err := l.Account(id)
		require.NoError(t, err)
		w, ok := replayed.Withdrawn[id]
		if !ok {
			w = new(big.Int)
		}
		assert.Zero(t, acct.Withdrawn.Cmp(w), "%s: ledger %s, journal %s", id, acct.Withdrawn, w)
	}

	page, err := l.Events(3, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(3), page[0].Seq)
}
