package ledger

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/bitfsorg/lpclaim-go/registry"
)

// PreLockPolicy decides what happens to deposits made before the registry is locked.
type PreLockPolicy int

const (
	// PreLockAccrue counts early deposits and distributes them when the registry locks.
	PreLockAccrue PreLockPolicy = iota
	// PreLockReject refuses deposits until the registry is locked.
	PreLockReject
)

// ParsePreLockPolicy maps "accrue" or "reject" to a policy.
func ParsePreLockPolicy(s string) (PreLockPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accrue":
		return PreLockAccrue, nil
	case "reject":
		return PreLockReject, nil
	}
	return 0, fmt.Errorf("ledger: unknown pre-lock policy %q", s)
}

func (p PreLockPolicy) String() string {
	switch p {
	case PreLockAccrue:
		return "accrue"
	case PreLockReject:
		return "reject"
	}
	return fmt.Sprintf("PreLockPolicy(%d)", int(p))
}

// State is the ledger-wide record persisted on every mutation.
type State struct {
	Owner          registry.Identity
	AccPerShare    *big.Int // floor(distributed * Scale / N)
	AccRemainder   *big.Int // (distributed * Scale) mod N
	TotalDeposited *big.Int
	TotalWithdrawn *big.Int
	Pending        *big.Int // deposited before lock, not yet in AccPerShare
	EventSeq       uint64   // sequence of the last journal event
	EventHash      []byte   // hash of the last journal event
}

func newState(owner registry.Identity) *State {
	return &State{
		Owner:          owner,
		AccPerShare:    new(big.Int),
		AccRemainder:   new(big.Int),
		TotalDeposited: new(big.Int),
		TotalWithdrawn: new(big.Int),
		Pending:        new(big.Int),
	}
}

func (s *State) clone() *State {
	return &State{
		Owner:          s.Owner,
		AccPerShare:    clone(s.AccPerShare),
		AccRemainder:   clone(s.AccRemainder),
		TotalDeposited: clone(s.TotalDeposited),
		TotalWithdrawn: clone(s.TotalWithdrawn),
		Pending:        clone(s.Pending),
		EventSeq:       s.EventSeq,
		EventHash:      append([]byte(nil), s.EventHash...),
	}
}

// Account is a beneficiary's withdrawal record. It is created on first claim.
type Account struct {
	Identity  registry.Identity
	Withdrawn *big.Int // cumulative value paid out
	LastAcc   *big.Int // AccPerShare observed at the last claim
	Claims    uint64
}

func newAccount(id registry.Identity) *Account {
	return &Account{Identity: id, Withdrawn: new(big.Int), LastAcc: new(big.Int)}
}

func (a *Account) clone() *Account {
	return &Account{
		Identity:  a.Identity,
		Withdrawn: clone(a.Withdrawn),
		LastAcc:   clone(a.LastAcc),
		Claims:    a.Claims,
	}
}

// Receipt describes a completed deposit or claim.
type Receipt struct {
	ID          string
	Kind        EventKind
	Identity    registry.Identity
	Amount      *big.Int
	Seq         uint64 // journal sequence of the matching event
	TransferRef string // payment rail reference, claims only
	Unconfirmed bool   // the rail sent the payment without acknowledgement
	Time        time.Time
}

// Stats is an O(1) summary of the ledger.
type Stats struct {
	Owner          registry.Identity
	Locked         bool
	Beneficiaries  int
	TotalDeposited *big.Int
	TotalWithdrawn *big.Int
	Balance        *big.Int // TotalDeposited - TotalWithdrawn
	Outstanding    *big.Int // sum of every beneficiary's claimable amount
	Unallocated    *big.Int // Balance - Outstanding: dust and undistributed pre-lock value
	Entitlement    *big.Int // per-beneficiary entitlement
	AccPerShare    *big.Int
	EventSeq       uint64
}
