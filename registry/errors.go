package registry

import "errors"

var (
	// ErrRegistryLocked indicates a membership mutation after finalization.
	ErrRegistryLocked = errors.New("registry: registry is locked")

	// ErrAlreadyLocked indicates Lock was called on a finalized registry.
	ErrAlreadyLocked = errors.New("registry: registry has already been locked")

	// ErrNotAMember indicates the identity is absent from the registry.
	ErrNotAMember = errors.New("registry: identity is not a member")

	// ErrEmptyRegistry indicates an attempt to lock a registry with no members.
	ErrEmptyRegistry = errors.New("registry: cannot lock an empty registry")

	// ErrInvalidIdentity indicates a malformed or zero identity.
	ErrInvalidIdentity = errors.New("registry: invalid identity")

	// ErrInvalidRegistryData indicates the registry snapshot is malformed.
	ErrInvalidRegistryData = errors.New("registry: invalid registry data")
)
