package ledger

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/bitfsorg/lpclaim-go/registry"
)

var (
	bucketMeta     = []byte("meta")
	bucketAccounts = []byte("accounts")
	bucketEvents   = []byte("events")

	keyState    = []byte("state")
	keyRegistry = []byte("registry")
)

// BoltStore persists the ledger in a bbolt database. Every Commit is a
// single bbolt write transaction.
type BoltStore struct {
	db *bbolt.DB
}

// Compile-time interface check.
var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens or creates the bbolt database at dbPath.
// The parent directory is created if it does not exist.
func OpenBoltStore(dbPath string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketAccounts, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("boltstore: create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

// seqKey encodes an event sequence as an 8-byte big-endian key for sorted storage.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// encodeGob serializes a value using gob encoding.
func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeGob deserializes gob-encoded data into a value.
func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Load reads the ledger state and registry snapshot.
func (s *BoltStore) Load() (*Snapshot, error) {
	var snap Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		data := meta.Get(keyState)
		if data == nil {
			return ErrNotFound
		}
		var st State
		if err := decodeGob(data, &st); err != nil {
			return fmt.Errorf("boltstore: decode state: %w", err)
		}
		snap.State = normalizeState(&st)
		if reg := meta.Get(keyRegistry); reg != nil {
			snap.Registry = append([]byte(nil), reg...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Account reads the account for id.
func (s *BoltStore) Account(id registry.Identity) (*Account, error) {
	var a Account
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get(id[:])
		if data == nil {
			return fmt.Errorf("%w: account %s", ErrNotFound, id)
		}
		if err := decodeGob(data, &a); err != nil {
			return fmt.Errorf("boltstore: decode account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if a.Withdrawn == nil {
		a.Withdrawn = new(big.Int)
	}
	if a.LastAcc == nil {
		a.LastAcc = new(big.Int)
	}
	return &a, nil
}

// Commit writes c in one bbolt transaction. Any error rolls back every write.
func (s *BoltStore) Commit(c *Commit) error {
	if c == nil {
		return fmt.Errorf("%w: commit", ErrNilParam)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		accounts := tx.Bucket(bucketAccounts)
		events := tx.Bucket(bucketEvents)

		if c.TruncateFrom > 0 {
			// Collect first: deleting under a live cursor skips keys.
			var doomed [][]byte
			cur := events.Cursor()
			for k, _ := cur.Seek(seqKey(c.TruncateFrom)); k != nil; k, _ = cur.Next() {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			for _, k := range doomed {
				if err := events.Delete(k); err != nil {
					return fmt.Errorf("boltstore: truncate events: %w", err)
				}
			}
		}

		for _, ev := range c.Append {
			if ev == nil {
				return fmt.Errorf("%w: event", ErrNilParam)
			}
			key := seqKey(ev.Seq)
			if events.Get(key) != nil {
				return fmt.Errorf("%w: seq %d", ErrDuplicateEvent, ev.Seq)
			}
			data, err := encodeGob(ev)
			if err != nil {
				return fmt.Errorf("boltstore: encode event: %w", err)
			}
			if err := events.Put(key, data); err != nil {
				return fmt.Errorf("boltstore: put event: %w", err)
			}
		}

		for _, a := range c.Accounts {
			if a == nil {
				return fmt.Errorf("%w: account", ErrNilParam)
			}
			data, err := encodeGob(a)
			if err != nil {
				return fmt.Errorf("boltstore: encode account: %w", err)
			}
			if err := accounts.Put(a.Identity[:], data); err != nil {
				return fmt.Errorf("boltstore: put account: %w", err)
			}
		}

		if c.State != nil {
			data, err := encodeGob(c.State)
			if err != nil {
				return fmt.Errorf("boltstore: encode state: %w", err)
			}
			if err := meta.Put(keyState, data); err != nil {
				return fmt.Errorf("boltstore: put state: %w", err)
			}
		}
		if c.Registry != nil {
			if err := meta.Put(keyRegistry, c.Registry); err != nil {
				return fmt.Errorf("boltstore: put registry: %w", err)
			}
		}
		return nil
	})
}

// Events reads up to limit events starting at sequence from.
func (s *BoltStore) Events(from uint64, limit int) ([]*Event, error) {
	var out []*Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := tx.Bucket(bucketEvents).Cursor()
		for k, v := cur.Seek(seqKey(from)); k != nil; k, v = cur.Next() {
			var ev Event
			if err := decodeGob(v, &ev); err != nil {
				return fmt.Errorf("boltstore: decode event %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if ev.Amount == nil {
				ev.Amount = new(big.Int)
			}
			out = append(out, &ev)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeState replaces nil amounts left by gob with zero values.
func normalizeState(st *State) *State {
	for _, p := range []**big.Int{&st.AccPerShare, &st.AccRemainder, &st.TotalDeposited, &st.TotalWithdrawn, &st.Pending} {
		if *p == nil {
			*p = new(big.Int)
		}
	}
	return st
}
