// Package ledger implements a pro-rata distribution ledger.
//
// A fixed set of beneficiaries (see package registry) shares every deposit
// equally. Deposits and claims are O(1): a deposit advances a scaled
// per-share accumulator, and a claim pays the difference between the
// accumulated entitlement and what the beneficiary already withdrew.
//
// All operations are serialized by a single mutex. A claim commits its
// bookkeeping to the Store before the payment is attempted and undoes that
// commit if the payment fails.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/bitfsorg/lpclaim-go/registry"
)

// Transferer moves value out of the ledger to a beneficiary. Transfer is a
// single attempt; it returns a rail-specific reference such as a txid.
// An error means nothing was paid, unless it wraps ErrTransferUnconfirmed.
type Transferer interface {
	Transfer(ctx context.Context, to registry.Identity, amount *big.Int) (string, error)
}

// Observer is notified after every successful deposit and claim.
type Observer interface {
	Observe(ev *Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev *Event)

// Observe calls f(ev).
func (f ObserverFunc) Observe(ev *Event) { f(ev) }

// Options configures Open.
type Options struct {
	// Owner is the administrator of a newly created ledger. It is ignored
	// when the store already holds a ledger.
	Owner registry.Identity

	// PreLock selects how deposits before the registry lock are handled.
	PreLock PreLockPolicy

	Logger    *slog.Logger
	Clock     clockwork.Clock
	Observers []Observer
}

// Ledger is the accounting core. It is safe for concurrent use.
type Ledger struct {
	mu        sync.Mutex
	store     Store
	xfer      Transferer
	reg       *registry.Registry
	state     *State
	preLock   PreLockPolicy
	log       *slog.Logger
	clock     clockwork.Clock
	observers []Observer
}

// Open loads the ledger held by store, or initializes a new one owned by
// opts.Owner when the store is empty.
func Open(store Store, xfer Transferer, opts Options) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store", ErrNilParam)
	}
	if xfer == nil {
		return nil, fmt.Errorf("%w: transferer", ErrNilParam)
	}

	l := &Ledger{
		store:     store,
		xfer:      xfer,
		preLock:   opts.PreLock,
		log:       opts.Logger,
		clock:     opts.Clock,
		observers: opts.Observers,
	}
	if l.log == nil {
		l.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if l.clock == nil {
		l.clock = clockwork.NewRealClock()
	}

	snap, err := store.Load()
	switch {
	case errors.Is(err, ErrNotFound):
		if opts.Owner.IsZero() {
			return nil, fmt.Errorf("%w: owner is required for a new ledger", ErrInvalidIdentity)
		}
		l.reg = registry.New()
		l.state = newState(opts.Owner)
		data, err := l.reg.Serialize()
		if err != nil {
			return nil, err
		}
		if err := store.Commit(&Commit{State: l.state.clone(), Registry: data}); err != nil {
			return nil, fmt.Errorf("ledger: initialize store: %w", err)
		}
		l.log.Info("ledger created", "owner", opts.Owner, "prelock", opts.PreLock)
	case err != nil:
		return nil, fmt.Errorf("ledger: load: %w", err)
	default:
		reg, err := registry.Deserialize(snap.Registry)
		if err != nil {
			return nil, fmt.Errorf("ledger: load registry: %w", err)
		}
		l.reg = reg
		l.state = snap.State
		if !opts.Owner.IsZero() && opts.Owner != l.state.Owner {
			l.log.Warn("configured owner differs from stored owner; keeping stored owner",
				"configured", opts.Owner, "stored", l.state.Owner)
		}
		l.log.Info("ledger loaded",
			"owner", l.state.Owner,
			"beneficiaries", reg.Count(),
			"locked", reg.IsLocked(),
			"seq", l.state.EventSeq)
	}
	return l, nil
}

// ---------------------------------------------------------------------------
// Administrator surface
// ---------------------------------------------------------------------------

// Owner returns the administrator identity.
func (l *Ledger) Owner() registry.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Owner
}

// AddBeneficiaries registers ids and returns how many were newly inserted.
func (l *Ledger) AddBeneficiaries(caller registry.Identity, ids ...registry.Identity) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.authorize(caller); err != nil {
		return 0, err
	}
	var inserted int
	err := l.mutateRegistry(nil, func(r *registry.Registry) error {
		var err error
		inserted, err = r.Add(ids...)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.log.Info("beneficiaries added", "inserted", inserted, "count", l.reg.Count())
	return inserted, nil
}

// RemoveBeneficiaries unregisters ids and returns how many were removed.
// If any id is not a member nothing is removed.
func (l *Ledger) RemoveBeneficiaries(caller registry.Identity, ids ...registry.Identity) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.authorize(caller); err != nil {
		return 0, err
	}
	var removed int
	err := l.mutateRegistry(nil, func(r *registry.Registry) error {
		var err error
		removed, err = r.Remove(ids...)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.log.Info("beneficiaries removed", "removed", removed, "count", l.reg.Count())
	return removed, nil
}

// LockRegistry finalizes the beneficiary set. Value deposited before the
// lock is distributed over the final member count.
func (l *Ledger) LockRegistry(caller registry.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.authorize(caller); err != nil {
		return err
	}

	next := l.state.clone()
	err := l.mutateRegistry(next, func(r *registry.Registry) error {
		if err := r.Lock(); err != nil {
			return err
		}
		if next.Pending.Sign() > 0 {
			next.AccPerShare, next.AccRemainder = accrue(next.AccPerShare, next.AccRemainder, next.Pending, r.Count())
			next.Pending = new(big.Int)
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.log.Info("registry locked",
		"beneficiaries", l.reg.Count(),
		"distributed", l.state.TotalDeposited.String())
	return nil
}

// TransferOwnership hands the administrator role to newOwner.
func (l *Ledger) TransferOwnership(caller, newOwner registry.Identity) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.authorize(caller); err != nil {
		return err
	}
	if newOwner.IsZero() {
		return fmt.Errorf("%w: new owner is zero", ErrInvalidIdentity)
	}

	next := l.state.clone()
	next.Owner = newOwner
	if err := l.store.Commit(&Commit{State: next}); err != nil {
		return fmt.Errorf("ledger: commit ownership: %w", err)
	}
	l.state = next
	l.log.Info("ownership transferred", "from", caller, "to", newOwner)
	return nil
}

func (l *Ledger) authorize(caller registry.Identity) error {
	if caller.IsZero() || caller != l.state.Owner {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	return nil
}

// mutateRegistry applies fn to a copy of the registry, commits the copy
// (and next, if non-nil) and only then swaps it in.
func (l *Ledger) mutateRegistry(next *State, fn func(r *registry.Registry) error) error {
	data, err := l.reg.Serialize()
	if err != nil {
		return err
	}
	work, err := registry.Deserialize(data)
	if err != nil {
		return err
	}
	if err := fn(work); err != nil {
		return err
	}
	data, err = work.Serialize()
	if err != nil {
		return err
	}
	c := &Commit{Registry: data}
	if next != nil {
		c.State = next
	}
	if err := l.store.Commit(c); err != nil {
		return fmt.Errorf("ledger: commit registry: %w", err)
	}
	l.reg = work
	if next != nil {
		l.state = next
	}
	return nil
}

// ---------------------------------------------------------------------------
// Funding surface
// ---------------------------------------------------------------------------

// Deposit records amount as received from the given identity. The
// depositor may be any identity, including the zero identity.
func (l *Ledger) Deposit(from registry.Identity, amount *big.Int) (*Receipt, error) {
	rcpt, ev, err := l.deposit(from, amount)
	if err != nil {
		return nil, err
	}
	l.notify(ev)
	return rcpt, nil
}

func (l *Ledger) deposit(from registry.Identity, amount *big.Int) (*Receipt, *Event, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state.clone()
	if l.reg.IsLocked() {
		next.AccPerShare, next.AccRemainder = accrue(next.AccPerShare, next.AccRemainder, amount, l.reg.Count())
	} else {
		if l.preLock == PreLockReject {
			return nil, nil, fmt.Errorf("%w: deposits are accepted after the registry is locked", ErrWhitelistNotLocked)
		}
		next.Pending.Add(next.Pending, amount)
	}
	next.TotalDeposited.Add(next.TotalDeposited, amount)

	rcpt := l.newReceipt(EventDeposited, from, amount)
	ev := l.appendEvent(next, rcpt)
	if err := l.store.Commit(&Commit{State: next, Append: []*Event{ev}}); err != nil {
		return nil, nil, fmt.Errorf("ledger: commit deposit: %w", err)
	}
	l.state = next

	l.log.Info("deposit received",
		"from", from,
		"amount", amount.String(),
		"total", next.TotalDeposited.String(),
		"seq", ev.Seq)
	return rcpt, ev.clone(), nil
}

// ---------------------------------------------------------------------------
// Beneficiary surface
// ---------------------------------------------------------------------------

// Claimable returns what id could withdraw right now. It never mutates state.
func (l *Ledger) Claimable(id registry.Identity) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.memberAccount(id)
	if err != nil {
		return nil, err
	}
	return owed(l.state.AccPerShare, acct.Withdrawn), nil
}

// Entitlement returns the total share owed to every beneficiary so far,
// before subtracting withdrawals.
func (l *Ledger) Entitlement() (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.reg.IsLocked() {
		return nil, ErrWhitelistNotLocked
	}
	return entitlement(l.state.AccPerShare), nil
}

// Account returns the withdrawal record of a member. Members who never
// claimed get a zero record.
func (l *Ledger) Account(id registry.Identity) (*Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.reg.IsMember(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotAMember, id)
	}
	return l.loadAccount(id)
}

// Claim pays caller everything currently claimable.
//
// The account update and journal entry are committed before the transfer
// is attempted. If the transfer fails the commit is undone and the error
// wraps ErrTransferFailed. No other operation can run in between.
//
// A transfer error wrapping ErrTransferUnconfirmed keeps the claim: the
// payment may already be out, so the receipt is returned with Unconfirmed
// set and the rail's reference.
func (l *Ledger) Claim(ctx context.Context, caller registry.Identity) (*Receipt, error) {
	rcpt, ev, err := l.claim(ctx, caller)
	if err != nil {
		return nil, err
	}
	l.notify(ev)
	return rcpt, nil
}

func (l *Ledger) claim(ctx context.Context, caller registry.Identity) (*Receipt, *Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.memberAccount(caller)
	if err != nil {
		return nil, nil, err
	}
	amount := owed(l.state.AccPerShare, acct.Withdrawn)
	if amount.Sign() == 0 {
		return nil, nil, fmt.Errorf("%w: %s", ErrNothingToClaim, caller)
	}

	prevState := l.state

	// Effects.
	nextAcct := acct.clone()
	nextAcct.Withdrawn.Add(nextAcct.Withdrawn, amount)
	nextAcct.LastAcc = clone(l.state.AccPerShare)
	nextAcct.Claims++

	next := l.state.clone()
	next.TotalWithdrawn.Add(next.TotalWithdrawn, amount)

	rcpt := l.newReceipt(EventClaimed, caller, amount)
	ev := l.appendEvent(next, rcpt)
	if err := l.store.Commit(&Commit{State: next, Accounts: []*Account{nextAcct}, Append: []*Event{ev}}); err != nil {
		return nil, nil, fmt.Errorf("ledger: commit claim: %w", err)
	}
	l.state = next

	// Interaction.
	ref, xferErr := l.xfer.Transfer(ctx, caller, clone(amount))
	if errors.Is(xferErr, ErrTransferUnconfirmed) {
		rcpt.TransferRef = ref
		rcpt.Unconfirmed = true
		l.log.Warn("claim payment unconfirmed",
			"caller", caller,
			"amount", amount.String(),
			"ref", ref,
			"seq", ev.Seq,
			"error", xferErr)
		return rcpt, ev.clone(), nil
	}
	if xferErr != nil {
		failed := fmt.Errorf("%w: %w", ErrTransferFailed, xferErr)
		undo := &Commit{State: prevState, Accounts: []*Account{acct}, TruncateFrom: ev.Seq}
		if err := l.store.Commit(undo); err != nil {
			// The claim stays recorded without a payment; conservation still holds.
			l.log.Error("claim rollback failed",
				"caller", caller,
				"amount", amount.String(),
				"seq", ev.Seq,
				"transfer_error", xferErr,
				"error", err)
			return nil, nil, errors.Join(failed, fmt.Errorf("ledger: roll back claim: %w", err))
		}
		l.state = prevState
		l.log.Warn("claim rolled back", "caller", caller, "amount", amount.String(), "error", xferErr)
		return nil, nil, failed
	}

	rcpt.TransferRef = ref
	l.log.Info("claim paid",
		"caller", caller,
		"amount", amount.String(),
		"withdrawn", nextAcct.Withdrawn.String(),
		"ref", ref,
		"seq", ev.Seq)
	return rcpt, ev.clone(), nil
}

// memberAccount checks the lock and membership, then loads the account.
func (l *Ledger) memberAccount(id registry.Identity) (*Account, error) {
	if !l.reg.IsLocked() {
		return nil, ErrWhitelistNotLocked
	}
	if !l.reg.IsMember(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotAMember, id)
	}
	return l.loadAccount(id)
}

func (l *Ledger) loadAccount(id registry.Identity) (*Account, error) {
	acct, err := l.store.Account(id)
	if errors.Is(err, ErrNotFound) {
		return newAccount(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: load account: %w", err)
	}
	return acct, nil
}

// ---------------------------------------------------------------------------
// Reporting
// ---------------------------------------------------------------------------

// Stats summarizes balances without iterating over beneficiaries.
func (l *Ledger) Stats() *Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := &Stats{
		Owner:          l.state.Owner,
		Locked:         l.reg.IsLocked(),
		Beneficiaries:  l.reg.Count(),
		TotalDeposited: clone(l.state.TotalDeposited),
		TotalWithdrawn: clone(l.state.TotalWithdrawn),
		AccPerShare:    clone(l.state.AccPerShare),
		Entitlement:    entitlement(l.state.AccPerShare),
		EventSeq:       l.state.EventSeq,
	}
	st.Balance = new(big.Int).Sub(st.TotalDeposited, st.TotalWithdrawn)

	st.Outstanding = new(big.Int)
	if st.Locked {
		st.Outstanding.Mul(st.Entitlement, big.NewInt(int64(st.Beneficiaries)))
		st.Outstanding.Sub(st.Outstanding, st.TotalWithdrawn)
	}
	st.Unallocated = new(big.Int).Sub(st.Balance, st.Outstanding)
	return st
}

// Members returns the registered beneficiaries in ascending order.
func (l *Ledger) Members() []registry.Identity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.Members()
}

// IsLocked reports whether the registry is finalized.
func (l *Ledger) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reg.IsLocked()
}

// Events returns up to limit journal events starting at sequence from.
func (l *Ledger) Events(from uint64, limit int) ([]*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Events(from, limit)
}

// ---------------------------------------------------------------------------
// Journal helpers
// ---------------------------------------------------------------------------

func (l *Ledger) newReceipt(kind EventKind, id registry.Identity, amount *big.Int) *Receipt {
	return &Receipt{
		ID:       uuid.NewString(),
		Kind:     kind,
		Identity: id,
		Amount:   clone(amount),
		Time:     l.clock.Now().UTC(),
	}
}

// appendEvent builds the next journal event for rcpt and advances the
// journal head in next.
func (l *Ledger) appendEvent(next *State, rcpt *Receipt) *Event {
	ev := &Event{
		Seq:      next.EventSeq + 1,
		Kind:     rcpt.Kind,
		Identity: rcpt.Identity,
		Amount:   clone(rcpt.Amount),
		Ref:      rcpt.ID,
		Time:     rcpt.Time,
		PrevHash: append([]byte(nil), next.EventHash...),
	}
	ev.Hash = ev.ComputeHash()

	next.EventSeq = ev.Seq
	next.EventHash = append([]byte(nil), ev.Hash...)
	rcpt.Seq = ev.Seq
	return ev
}

func (l *Ledger) notify(ev *Event) {
	for _, o := range l.observers {
		o.Observe(ev)
	}
}
