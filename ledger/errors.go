package ledger

import (
	"errors"

	"github.com/bitfsorg/lpclaim-go/registry"
)

var (
	// ErrUnauthorized indicates the caller is not the ledger owner.
	ErrUnauthorized = errors.New("ledger: caller is not the owner")

	// ErrWhitelistNotLocked indicates an operation that requires a finalized registry.
	ErrWhitelistNotLocked = errors.New("ledger: whitelist is not locked")

	// ErrNothingToClaim indicates the caller has no claimable value.
	ErrNothingToClaim = errors.New("ledger: nothing to claim")

	// ErrTransferFailed indicates the outbound payment did not complete.
	ErrTransferFailed = errors.New("ledger: transfer failed")

	// ErrTransferUnconfirmed indicates the payment was handed to the rail but
	// its outcome is unknown. Transferers wrap it; the claim is kept.
	ErrTransferUnconfirmed = errors.New("ledger: transfer outcome unknown")

	// ErrInvalidAmount indicates a non-positive or missing amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrNotFound indicates a record is absent from the store.
	ErrNotFound = errors.New("ledger: not found")

	// ErrJournalCorrupt indicates the event journal is out of sequence or fails its hash chain.
	ErrJournalCorrupt = errors.New("ledger: journal corrupt")

	// ErrDuplicateEvent indicates an event with this sequence number already exists.
	ErrDuplicateEvent = errors.New("ledger: duplicate event")

	// ErrNilParam indicates a required parameter is nil.
	ErrNilParam = errors.New("ledger: required parameter is nil")
)

// Registry errors surfaced unchanged by the ledger.
var (
	ErrRegistryLocked  = registry.ErrRegistryLocked
	ErrAlreadyLocked   = registry.ErrAlreadyLocked
	ErrNotAMember      = registry.ErrNotAMember
	ErrEmptyRegistry   = registry.ErrEmptyRegistry
	ErrInvalidIdentity = registry.ErrInvalidIdentity
)
