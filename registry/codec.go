package registry

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	registryHeaderSize  = 4 // num_entries(4)
	registryEntrySize   = IdentitySize
	registryTrailerSize = 1 // mode_flags(1)

	modeLocked = 0x02
)

// Serialize encodes the registry as num_entries(4) || entries(20 each, sorted) || mode_flags(1).
func (r *Registry) Serialize() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.members) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d entries", ErrInvalidRegistryData, len(r.members))
	}
	entries := r.sortedLocked()

	buf := make([]byte, registryHeaderSize+registryEntrySize*len(entries)+registryTrailerSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	offset := registryHeaderSize
	for _, id := range entries {
		copy(buf[offset:offset+registryEntrySize], id[:])
		offset += registryEntrySize
	}
	if r.locked {
		buf[offset] = modeLocked
	}
	return buf, nil
}

// Deserialize decodes a registry produced by Serialize.
func Deserialize(data []byte) (*Registry, error) {
	if len(data) < registryHeaderSize+registryTrailerSize {
		return nil, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidRegistryData, len(data))
	}
	numEntries := int(binary.BigEndian.Uint32(data[0:4]))
	expected := registryHeaderSize + registryEntrySize*numEntries + registryTrailerSize
	if len(data) != expected {
		return nil, fmt.Errorf("%w: expected %d bytes for %d entries, got %d",
			ErrInvalidRegistryData, expected, numEntries, len(data))
	}

	r := New()
	offset := registryHeaderSize
	for i := 0; i < numEntries; i++ {
		var id Identity
		copy(id[:], data[offset:offset+registryEntrySize])
		offset += registryEntrySize
		if id.IsZero() {
			return nil, fmt.Errorf("%w: entry %d is zero", ErrInvalidRegistryData, i)
		}
		if _, dup := r.members[id]; dup {
			return nil, fmt.Errorf("%w: duplicate entry %s", ErrInvalidRegistryData, id)
		}
		r.members[id] = struct{}{}
	}

	flags := data[offset]
	if flags&^modeLocked != 0 {
		return nil, fmt.Errorf("%w: unknown mode flags 0x%02x", ErrInvalidRegistryData, flags)
	}
	r.locked = flags&modeLocked != 0
	if r.locked && numEntries == 0 {
		return nil, fmt.Errorf("%w: locked with no entries", ErrInvalidRegistryData)
	}
	return r, nil
}
