package idhash

import (
	"testing"

	"github.com/shopspring/decimal"

	"commission-ledger/internal/domain"
)

func TestComputeIdempotencyKey(t *testing.T) {
	tests := []struct {
		name   string
		userID string
		botID  string
		kind   domain.TxKind
		amount string
		nonce  string
	}{
		{"deposit", "user-1", "bot-alpha", domain.TxKindDeposit, "10", "n1"},
		{"topup", "user-1", "bot-alpha", domain.TxKindTopup, "2.5", "n2"},
		{"withdraw", "user-2", "bot-beta", domain.TxKindWithdraw, "0", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount := decimal.RequireFromString(tt.amount)
			got := ComputeIdempotencyKey(tt.userID, tt.botID, tt.kind, amount, tt.nonce)

			if len(got) != 64 {
				t.Errorf("ComputeIdempotencyKey() length = %d, want 64", len(got))
			}

			got2 := ComputeIdempotencyKey(tt.userID, tt.botID, tt.kind, amount, tt.nonce)
			if got != got2 {
				t.Errorf("ComputeIdempotencyKey() not deterministic: %s != %s", got, got2)
			}
		})
	}
}

func TestComputeIdempotencyKey_CanonicalAmount(t *testing.T) {
	a := ComputeIdempotencyKey("u", "b", domain.TxKindDeposit, decimal.RequireFromString("10"), "n")
	b := ComputeIdempotencyKey("u", "b", domain.TxKindDeposit, decimal.RequireFromString("10.000"), "n")
	if a != b {
		t.Errorf("equal amounts produced different keys: %s != %s", a, b)
	}
}

func TestComputeIdempotencyKey_DistinctInputs(t *testing.T) {
	base := ComputeIdempotencyKey("u", "b", domain.TxKindDeposit, decimal.NewFromInt(10), "n")

	variants := map[string]string{
		"user":   ComputeIdempotencyKey("u2", "b", domain.TxKindDeposit, decimal.NewFromInt(10), "n"),
		"bot":    ComputeIdempotencyKey("u", "b2", domain.TxKindDeposit, decimal.NewFromInt(10), "n"),
		"kind":   ComputeIdempotencyKey("u", "b", domain.TxKindTopup, decimal.NewFromInt(10), "n"),
		"amount": ComputeIdempotencyKey("u", "b", domain.TxKindDeposit, decimal.NewFromInt(11), "n"),
		"nonce":  ComputeIdempotencyKey("u", "b", domain.TxKindDeposit, decimal.NewFromInt(10), "n2"),
	}

	for field, key := range variants {
		if key == base {
			t.Errorf("changing %s did not change the key", field)
		}
	}
}
