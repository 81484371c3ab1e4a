// Package solana talks to a Solana node: JSON-RPC over HTTP for status
// lookups and a WebSocket for signature notifications. It only reads;
// signing and submission happen outside this service.
package solana

import "context"

// RPCClient defines the Solana RPC HTTP calls settlement needs.
type RPCClient interface {
	// GetSignatureStatuses returns the status of each signature, nil where unknown.
	GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error)

	// GetTransaction retrieves a transaction by signature. Returns nil if not found.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (int64, error)
}
