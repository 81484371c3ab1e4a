// Package idhash derives deterministic identifiers from their inputs.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
)

// ComputeIdempotencyKey computes the key of a pending transaction.
// Formula: SHA256(user_id|bot_id|kind|amount|nonce)
// amount is written in canonical form, so 10 and 10.00 give the same key.
// Returns hex-encoded hash (64 characters).
func ComputeIdempotencyKey(
	userID string,
	botID string,
	kind domain.TxKind,
	amount decimal.Decimal,
	nonce string,
) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s",
		userID,
		botID,
		string(kind),
		amount.String(),
		nonce,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
