package ledger

import (
	"fmt"
	"sync"

	"github.com/bitfsorg/lpclaim-go/registry"
)

// Snapshot is the ledger-wide data loaded when a ledger is opened.
type Snapshot struct {
	State    *State
	Registry []byte // registry.Serialize output
}

// Commit is a set of writes applied atomically by a Store.
type Commit struct {
	State    *State     // nil leaves the stored state unchanged
	Registry []byte     // nil leaves the stored registry unchanged
	Accounts []*Account // upserted by identity
	Append   []*Event   // appended after truncation

	// TruncateFrom removes every event with Seq >= TruncateFrom before
	// Append is applied. Zero disables truncation.
	TruncateFrom uint64
}

// Store persists ledger state, accounts and the event journal.
type Store interface {
	// Load returns the ledger snapshot, or ErrNotFound for a new store.
	Load() (*Snapshot, error)

	// Account returns the account for id, or ErrNotFound if it never claimed.
	Account(id registry.Identity) (*Account, error)

	// Commit applies c atomically: either every write lands or none does.
	Commit(c *Commit) error

	// Events returns up to limit events with Seq >= from, in order.
	// A limit <= 0 returns all remaining events.
	Events(from uint64, limit int) ([]*Event, error)

	// Close releases resources held by the store.
	Close() error
}

// MemStore is an in-memory implementation of Store for testing.
type MemStore struct {
	mu       sync.RWMutex
	state    *State
	registry []byte
	accounts map[registry.Identity]*Account
	events   []*Event
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{accounts: make(map[registry.Identity]*Account)}
}

// Load returns copies of the stored state and registry.
func (s *MemStore) Load() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state == nil {
		return nil, ErrNotFound
	}
	return &Snapshot{
		State:    s.state.clone(),
		Registry: append([]byte(nil), s.registry...),
	}, nil
}

// Account returns a copy of the stored account.
func (s *MemStore) Account(id registry.Identity) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return a.clone(), nil
}

// Commit validates c and then applies it.
func (s *MemStore) Commit(c *Commit) error {
	if c == nil {
		return fmt.Errorf("%w: commit", ErrNilParam)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.events
	if c.TruncateFrom > 0 {
		kept := make([]*Event, 0, len(events))
		for _, ev := range events {
			if ev.Seq < c.TruncateFrom {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	var last uint64
	if n := len(events); n > 0 {
		last = events[n-1].Seq
	}
	for _, ev := range c.Append {
		if ev == nil {
			return fmt.Errorf("%w: event", ErrNilParam)
		}
		if ev.Seq <= last {
			return fmt.Errorf("%w: seq %d", ErrDuplicateEvent, ev.Seq)
		}
		last = ev.Seq
	}
	for _, a := range c.Accounts {
		if a == nil {
			return fmt.Errorf("%w: account", ErrNilParam)
		}
	}

	for _, ev := range c.Append {
		events = append(events, ev.clone())
	}
	s.events = events
	for _, a := range c.Accounts {
		s.accounts[a.Identity] = a.clone()
	}
	if c.State != nil {
		s.state = c.State.clone()
	}
	if c.Registry != nil {
		s.registry = append([]byte(nil), c.Registry...)
	}
	return nil
}

// Events returns copies of stored events starting at from.
func (s *MemStore) Events(from uint64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, ev := range s.events {
		if ev.Seq < from {
			continue
		}
		out = append(out, ev.clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
