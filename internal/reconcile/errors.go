package reconcile

import "errors"

var (
	// ErrTransactionNotFound is returned when no transaction matches a reference.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrInvalidKind is returned for an unknown transaction kind.
	ErrInvalidKind = errors.New("invalid transaction kind")
	// ErrInvalidReference is returned for an empty or already used settlement reference.
	ErrInvalidReference = errors.New("invalid settlement reference")
	// ErrSettlementRejected is returned when a settled transfer cannot be
	// applied to its position. The transaction is Failed and owes a refund.
	ErrSettlementRejected = errors.New("settlement rejected")
)

// RefundOwed prefixes the failure reason of a settled transaction the ledger
// could not apply.
const RefundOwed = "refund owed"
