package registry

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	ec "github.com/bsv-blockchain/go-sdk/primitives/ec"
	"github.com/bsv-blockchain/go-sdk/script"
)

// IdentitySize is the length of an identity: a P2PKH public key hash.
const IdentitySize = 20

// Identity names a beneficiary, owner or depositor by its public key hash.
type Identity [IdentitySize]byte

// ParseIdentity accepts a Base58Check P2PKH address (any network) or the
// 40-character hex encoding of the public key hash.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	s = strings.TrimSpace(s)
	if s == "" {
		return id, fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}

	if len(s) == 2*IdentitySize {
		if raw, err := hex.DecodeString(s); err == nil {
			copy(id[:], raw)
			if id.IsZero() {
				return Identity{}, fmt.Errorf("%w: zero hash", ErrInvalidIdentity)
			}
			return id, nil
		}
	}

	addr, err := script.NewAddressFromString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	if len(addr.PublicKeyHash) != IdentitySize {
		return id, fmt.Errorf("%w: public key hash is %d bytes", ErrInvalidIdentity, len(addr.PublicKeyHash))
	}
	copy(id[:], addr.PublicKeyHash)
	if id.IsZero() {
		return Identity{}, fmt.Errorf("%w: zero hash", ErrInvalidIdentity)
	}
	return id, nil
}

// IdentityFromPublicKey derives the identity owning the given public key.
func IdentityFromPublicKey(pub *ec.PublicKey) (Identity, error) {
	var id Identity
	if pub == nil {
		return id, fmt.Errorf("%w: nil public key", ErrInvalidIdentity)
	}
	addr, err := script.NewAddressFromPublicKey(pub, true)
	if err != nil {
		return id, fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	copy(id[:], addr.PublicKeyHash)
	return id, nil
}

// IsZero reports whether id is the all-zero identity.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// String returns the hex encoding of the public key hash.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Address renders id as a P2PKH address for mainnet or testnet.
func (id Identity) Address(mainnet bool) (string, error) {
	addr, err := script.NewAddressFromPublicKeyHash(id[:], mainnet)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidIdentity, err)
	}
	return addr.AddressString, nil
}

// Compare orders identities bytewise.
func (id Identity) Compare(other Identity) int {
	return bytes.Compare(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler using the hex form.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Both the hex form and
// P2PKH addresses are accepted.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
