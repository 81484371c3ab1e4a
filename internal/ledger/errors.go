package ledger

import (
	"errors"

	"commission-ledger/internal/catalog"
)

// Validation errors: rejected before any mutation.
var (
	ErrBelowMinimumDeposit = errors.New("deposit below minimum")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrNotAccessible       = errors.New("position not accessible")
	ErrUnknownBot          = catalog.ErrUnknownBot
)

// Conflict errors: the state did not allow the operation, or another writer won.
var (
	ErrAlreadyActive     = errors.New("position already active")
	ErrAlreadyConfirmed  = errors.New("transaction already confirmed")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrContention        = errors.New("position busy, retry later")
	ErrWithdrawalPending = errors.New("withdrawal pending")
)

// ErrNotFound means no position exists for the (user, bot) pair.
var ErrNotFound = errors.New("position not found")

// IsValidation reports whether err is a caller input error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrBelowMinimumDeposit) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrNotAccessible) ||
		errors.Is(err, ErrUnknownBot)
}

// IsConflict reports whether err is a state conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrAlreadyConfirmed) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrWithdrawalPending) ||
		errors.Is(err, ErrContention)
}

// IsRetryable reports whether retrying the same call may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}
