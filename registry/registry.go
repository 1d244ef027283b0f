// Package registry holds the beneficiary set of a distribution ledger.
//
// A Registry is open for edits until Lock is called; from then on membership
// and the share denominator Count() are frozen for the life of the registry.
package registry

import (
	"fmt"
	"slices"
	"sync"
)

// Registry is a set of beneficiary identities with a one-way lock.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	members map[Identity]struct{}
	locked  bool
}

// New creates an empty, unlocked registry.
func New() *Registry {
	return &Registry{members: make(map[Identity]struct{})}
}

// Add inserts the given identities and returns how many were not already
// present. Existing members and duplicates within ids are skipped. A zero
// identity rejects the whole batch.
func (r *Registry) Add(ids ...Identity) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return 0, ErrRegistryLocked
	}
	for i, id := range ids {
		if id.IsZero() {
			return 0, fmt.Errorf("%w: entry %d is zero", ErrInvalidIdentity, i)
		}
	}

	inserted := 0
	for _, id := range ids {
		if _, ok := r.members[id]; ok {
			continue
		}
		r.members[id] = struct{}{}
		inserted++
	}
	return inserted, nil
}

// Remove deletes the given identities and returns how many members were
// removed; repeated ids count once. If any of them is not a member the call
// fails with ErrNotAMember and nothing is removed.
func (r *Registry) Remove(ids ...Identity) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return 0, ErrRegistryLocked
	}
	for _, id := range ids {
		if _, ok := r.members[id]; !ok {
			return 0, fmt.Errorf("%w: %s", ErrNotAMember, id)
		}
	}
	removed := 0
	for _, id := range ids {
		if _, ok := r.members[id]; ok {
			delete(r.members, id)
			removed++
		}
	}
	return removed, nil
}

// Lock finalizes the registry. It fails if the registry is already locked
// or has no members.
func (r *Registry) Lock() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return ErrAlreadyLocked
	}
	if len(r.members) == 0 {
		return ErrEmptyRegistry
	}
	r.locked = true
	return nil
}

// IsLocked reports whether the registry has been finalized.
func (r *Registry) IsLocked() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.locked
}

// Count returns the number of members.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// IsMember reports whether id is registered.
func (r *Registry) IsMember(id Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[id]
	return ok
}

// Members returns the registered identities in ascending byte order.
func (r *Registry) Members() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked()
}

func (r *Registry) sortedLocked() []Identity {
	out := make([]Identity, 0, len(r.members))
	for id := range r.members {
		out = append(out, id)
	}
	slices.SortFunc(out, Identity.Compare)
	return out
}
