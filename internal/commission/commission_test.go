package commission

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"commission-ledger/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func schedule() *domain.RateSchedule {
	return &domain.RateSchedule{
		BotID:         "alpha",
		TotalRate:     d("0.10"),
		DeveloperRate: d("0.09"),
		PlatformRate:  d("0.01"),
		MinDeposit:    d("10"),
		FeeMode:       domain.FeeModeFullProfit,
		AssetPrice:    d("1"),
	}
}

func TestGate(t *testing.T) {
	tests := []struct {
		name       string
		profit     string
		newBalance string
		hwm        string
		want       bool
	}{
		{"new peak", "5", "105", "100", true},
		{"loss", "-2.1", "102.9", "105", false},
		{"recovery below peak", "1.029", "103.929", "105", false},
		{"exactly at peak", "2", "105", "105", false},
		{"zero profit above peak", "0", "106", "105", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Gate(d(tt.profit), d(tt.newBalance), d(tt.hwm)))
		})
	}
}

func TestBase(t *testing.T) {
	// From 99 below a peak of 100 up to 104.
	profit, newBalance, hwm := d("5"), d("104"), d("100")

	assert.True(t, Base(domain.FeeModeFullProfit, profit, newBalance, hwm).Equal(d("5")))
	assert.True(t, Base(domain.FeeModeExcessOverHWM, profit, newBalance, hwm).Equal(d("4")))

	// Both modes agree when the day starts at the peak.
	assert.True(t, Base(domain.FeeModeExcessOverHWM, d("5"), d("105"), d("100")).Equal(d("5")))
}

func TestSplit_Scenario(t *testing.T) {
	f := Split(d("5"), schedule())

	assert.Equal(t, "0.5", f.Total.String())
	assert.Equal(t, "0.45", f.Developer.String())
	assert.Equal(t, "0.05", f.Platform.String())
}

func TestSplit_SumIsExact(t *testing.T) {
	s := &domain.RateSchedule{
		TotalRate:     d("0.12"),
		DeveloperRate: d("0.07"),
		PlatformRate:  d("0.05"),
		AssetPrice:    d("0.4"),
	}

	for _, base := range []string{"0.000000001", "1.23456789", "3.333333333", "7.77777777", "1000.00000005"} {
		f := Split(d(base), s)
		assert.True(t, f.Developer.Add(f.Platform).Equal(f.Total), "base %s: %s + %s != %s", base, f.Developer, f.Platform, f.Total)
		assert.LessOrEqual(t, f.Total.Exponent(), int32(0))
		assert.GreaterOrEqual(t, f.Total.Exponent(), -domain.AmountPlaces)
		assert.False(t, f.Platform.IsNegative())
	}
}

func TestSplit_RoundsHalfAwayFromZero(t *testing.T) {
	s := &domain.RateSchedule{
		TotalRate:     d("0.1"),
		DeveloperRate: d("0.05"),
		PlatformRate:  d("0.05"),
		AssetPrice:    d("1"),
	}

	// 0.00000001 * 0.05 = 0.0000000005 → developer rounds up to 1e-9.
	f := Split(d("0.00000001"), s)
	assert.Equal(t, "0.000000001", f.Total.String())
	assert.Equal(t, "0.000000001", f.Developer.String())
	assert.True(t, f.Platform.IsZero())
}

func TestSplit_ConvertsByAssetPrice(t *testing.T) {
	s := schedule()
	s.AssetPrice = d("0.40")

	f := Split(d("5"), s)
	assert.Equal(t, "1.25", f.Total.String())
	assert.Equal(t, "1.125", f.Developer.String())
	assert.Equal(t, "0.125", f.Platform.String())
}

func TestSplit_NoBase(t *testing.T) {
	assert.True(t, Split(decimal.Zero, schedule()).IsZero())
	assert.True(t, Split(d("-1"), schedule()).IsZero())
}

func TestClamp(t *testing.T) {
	s := schedule()

	t.Run("within balance", func(t *testing.T) {
		f := Fees{Developer: d("0.45"), Platform: d("0.05"), Total: d("0.5")}
		got, forgone := Clamp(f, d("10"), s)
		assert.Equal(t, f, got)
		assert.True(t, forgone.IsZero())
	})

	t.Run("exactly the balance", func(t *testing.T) {
		f := Fees{Developer: d("0.45"), Platform: d("0.05"), Total: d("0.5")}
		got, forgone := Clamp(f, d("0.5"), s)
		assert.True(t, got.Total.Equal(d("0.5")))
		assert.True(t, forgone.IsZero())
	})

	t.Run("capped", func(t *testing.T) {
		f := Fees{Developer: d("0.9"), Platform: d("0.1"), Total: d("1.0")}
		got, forgone := Clamp(f, d("0.3"), s)
		assert.Equal(t, "0.3", got.Total.String())
		assert.Equal(t, "0.27", got.Developer.String())
		assert.Equal(t, "0.03", got.Platform.String())
		assert.Equal(t, "0.7", forgone.String())
	})

	t.Run("empty balance", func(t *testing.T) {
		f := Fees{Developer: d("0.9"), Platform: d("0.1"), Total: d("1.0")}
		got, forgone := Clamp(f, decimal.Zero, s)
		assert.True(t, got.IsZero())
		assert.True(t, forgone.Equal(d("1")))
	})
}

func TestCharge(t *testing.T) {
	s := schedule()

	f, forgone := Charge(s, d("5"), d("105"), d("100"), d("10"))
	assert.Equal(t, "0.5", f.Total.String())
	assert.True(t, forgone.IsZero())

	f, _ = Charge(s, d("1.029"), d("103.929"), d("105"), d("9.5"))
	assert.True(t, f.IsZero())

	// Gated day of 10 profit on a 0.3 balance.
	f, forgone = Charge(s, d("10"), d("110"), d("100"), d("0.3"))
	assert.Equal(t, "0.3", f.Total.String())
	assert.Equal(t, "0.7", forgone.String())

	s.FeeMode = domain.FeeModeExcessOverHWM
	f, _ = Charge(s, d("5"), d("104"), d("100"), d("10"))
	assert.Equal(t, "0.4", f.Total.String())
}
