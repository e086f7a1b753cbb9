package fixed_test

import (
	"math"
	"testing"

	"PerpCore/internal/fixed"
)

func TestAddChecked_DetectsOverflow(t *testing.T) {
	if _, ok := fixed.AddChecked(math.MaxInt64, 1); ok {
		t.Error("expected overflow on MaxInt64+1")
	}
	if _, ok := fixed.AddChecked(math.MinInt64, -1); ok {
		t.Error("expected overflow on MinInt64-1")
	}
	if v, ok := fixed.AddChecked(40, 2); !ok || v != 42 {
		t.Errorf("expected 42, got %d ok=%v", v, ok)
	}
}

func TestSubChecked_DetectsOverflow(t *testing.T) {
	if _, ok := fixed.SubChecked(math.MinInt64, 1); ok {
		t.Error("expected overflow on MinInt64-1")
	}
	if v, ok := fixed.SubChecked(10, 25); !ok || v != -15 {
		t.Errorf("expected -15, got %d ok=%v", v, ok)
	}
}

func TestMulDiv_TruncatesTowardZero(t *testing.T) {
	cases := []struct {
		a, b, den, want int64
	}{
		{105, -100_000, 1_000_000, -10}, // -10.5 truncates to -10
		{7, 3, 2, 10},                   // 10.5 truncates to 10
		{100_000, 930_000, 1_000_000, 93_000},
		{0, 5, 3, 0},
	}
	for _, c := range cases {
		got, ok := fixed.MulDiv(c.a, c.b, c.den)
		if !ok || got != c.want {
			t.Errorf("MulDiv(%d,%d,%d) = %d ok=%v, want %d", c.a, c.b, c.den, got, ok, c.want)
		}
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// a*b overflows int64 but the quotient fits.
	got, ok := fixed.MulDiv(math.MaxInt64/2, 4, 8)
	if !ok || got != math.MaxInt64/4 {
		t.Errorf("expected %d, got %d ok=%v", int64(math.MaxInt64/4), got, ok)
	}

	// Quotient itself out of range.
	if _, ok := fixed.MulDiv(math.MaxInt64, 2, 1); ok {
		t.Error("expected overflow when quotient exceeds int64")
	}
}

func TestMulDivCeil_RoundsUp(t *testing.T) {
	if v, ok := fixed.MulDivCeil(1000, 1, 100); !ok || v != 10 {
		t.Errorf("expected 10, got %d ok=%v", v, ok)
	}
	if v, ok := fixed.MulDivCeil(1001, 1, 100); !ok || v != 11 {
		t.Errorf("expected 11, got %d ok=%v", v, ok)
	}
}

func TestNotional_UsesAbsoluteSize(t *testing.T) {
	long, ok := fixed.Notional(10_000, 930_000)
	if !ok || long != 9_300 {
		t.Fatalf("expected 9300, got %d ok=%v", long, ok)
	}
	short, ok := fixed.Notional(-10_000, 930_000)
	if !ok || short != long {
		t.Errorf("expected symmetric notional, got %d vs %d", short, long)
	}
}
