package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/bitfsorg/lpclaim-go/registry"
)

// EventKind identifies a journal entry.
type EventKind uint8

const (
	// EventDeposited records value entering the ledger.
	EventDeposited EventKind = iota + 1
	// EventClaimed records value paid out to a beneficiary.
	EventClaimed
)

func (k EventKind) String() string {
	switch k {
	case EventDeposited:
		return "deposited"
	case EventClaimed:
		return "claimed"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is one entry of the append-only audit journal. Each event commits to
// its predecessor through PrevHash, so the journal can be verified and
// replayed without trusting the ledger's balances.
type Event struct {
	Seq      uint64
	Kind     EventKind
	Identity registry.Identity // depositor or claimant
	Amount   *big.Int
	Ref      string // receipt ID
	Time     time.Time
	PrevHash []byte
	Hash     []byte
}

// ComputeHash returns BLAKE2b-256 over the event's content and PrevHash.
func (e *Event) ComputeHash() []byte {
	var buf bytes.Buffer
	buf.Write(e.PrevHash)

	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], e.Seq)
	buf.Write(scratch[:])
	buf.WriteByte(byte(e.Kind))
	buf.Write(e.Identity[:])

	var amount []byte
	if e.Amount != nil {
		amount = e.Amount.Bytes()
	}
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(amount)))
	buf.Write(scratch[:4])
	buf.Write(amount)

	binary.BigEndian.PutUint64(scratch[:], uint64(e.Time.UnixNano()))
	buf.Write(scratch[:])
	buf.WriteString(e.Ref)

	sum := blake2b.Sum256(buf.Bytes())
	return sum[:]
}

// Verify checks that Hash matches the event content.
func (e *Event) Verify() error {
	if !bytes.Equal(e.Hash, e.ComputeHash()) {
		return fmt.Errorf("%w: event %d hash mismatch", ErrJournalCorrupt, e.Seq)
	}
	return nil
}

func (e *Event) clone() *Event {
	out := *e
	out.Amount = clone(e.Amount)
	out.PrevHash = append([]byte(nil), e.PrevHash...)
	out.Hash = append([]byte(nil), e.Hash...)
	return &out
}

// Replayed holds balances reconstructed from the journal alone.
type Replayed struct {
	TotalDeposited *big.Int
	TotalWithdrawn *big.Int
	Withdrawn      map[registry.Identity]*big.Int
	LastSeq        uint64
	LastHash       []byte
}

// Replay verifies a contiguous run of events and folds them into totals.
// A run starting at sequence 1 must have an empty PrevHash.
func Replay(events []*Event) (*Replayed, error) {
	out := &Replayed{
		TotalDeposited: new(big.Int),
		TotalWithdrawn: new(big.Int),
		Withdrawn:      make(map[registry.Identity]*big.Int),
	}

	for i, ev := range events {
		if ev == nil {
			return nil, fmt.Errorf("%w: event %d", ErrNilParam, i)
		}
		if i == 0 {
			if ev.Seq == 1 && len(ev.PrevHash) != 0 {
				return nil, fmt.Errorf("%w: first event has a predecessor hash", ErrJournalCorrupt)
			}
		} else {
			if ev.Seq != out.LastSeq+1 {
				return nil, fmt.Errorf("%w: expected seq %d, got %d", ErrJournalCorrupt, out.LastSeq+1, ev.Seq)
			}
			if !bytes.Equal(ev.PrevHash, out.LastHash) {
				return nil, fmt.Errorf("%w: event %d does not chain to %d", ErrJournalCorrupt, ev.Seq, out.LastSeq)
			}
		}
		if err := ev.Verify(); err != nil {
			return nil, err
		}
		if ev.Amount == nil || ev.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("%w: event %d has non-positive amount", ErrJournalCorrupt, ev.Seq)
		}

		switch ev.Kind {
		case EventDeposited:
			out.TotalDeposited.Add(out.TotalDeposited, ev.Amount)
		case EventClaimed:
			w, ok := out.Withdrawn[ev.Identity]
			if !ok {
				w = new(big.Int)
				out.Withdrawn[ev.Identity] = w
			}
			w.Add(w, ev.Amount)
			out.TotalWithdrawn.Add(out.TotalWithdrawn, ev.Amount)
			if out.TotalWithdrawn.Cmp(out.TotalDeposited) > 0 {
				return nil, fmt.Errorf("%w: event %d withdraws more than was deposited", ErrJournalCorrupt, ev.Seq)
			}
		default:
			return nil, fmt.Errorf("%w: event %d has unknown kind %d", ErrJournalCorrupt, ev.Seq, ev.Kind)
		}

		out.LastSeq = ev.Seq
		out.LastHash = ev.Hash
	}
	return out, nil
}
