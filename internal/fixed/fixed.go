// Package fixed provides the checked fixed-point arithmetic used by the
// risk engine. All ledger quantities are int64: prices and the funding
// index are quote-per-base at 1e6 scale, position sizes are base units,
// and capital/pnl/fees are quote units. Intermediate products that can
// exceed 64 bits go through big.Int; any result outside the int64 range
// is reported to the caller instead of being saturated.
package fixed

import (
	"math"
	"math/big"
	"sync"
)

const (
	// PriceScale is the fixed-point scale for oracle prices and the
	// global funding index (quote units per base unit).
	PriceScale = 1_000_000

	// BpsDenom converts basis-point parameters to ratios.
	BpsDenom = 10_000

	// MaxOraclePrice bounds every externally supplied mark price.
	MaxOraclePrice = 1_000_000_000_000_000 // 10^15
)

var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// AddChecked returns a+b, reporting whether the sum fits in int64.
func AddChecked(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}

// SubChecked returns a-b, reporting whether the difference fits in int64.
func SubChecked(a, b int64) (int64, bool) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, false
	}
	return diff, true
}

// MulDiv computes a*b/den with a 128-bit intermediate, truncating toward
// zero. Reports false if den == 0 or the quotient overflows int64.
func MulDiv(a, b, den int64) (int64, bool) {
	if den == 0 {
		return 0, false
	}

	prod := getInt()
	tmp := getInt()
	defer putInt(prod)
	defer putInt(tmp)

	prod.SetInt64(a)
	tmp.SetInt64(b)
	prod.Mul(prod, tmp)
	tmp.SetInt64(den)
	prod.Quo(prod, tmp)

	if !prod.IsInt64() {
		return 0, false
	}
	return prod.Int64(), true
}

// MulDivCeil is MulDiv rounding away from zero for positive operands.
// Used where an under-estimate would violate an invariant (warmup slope,
// liquidation close size).
func MulDivCeil(a, b, den int64) (int64, bool) {
	if den <= 0 || a < 0 || b < 0 {
		return 0, false
	}

	prod := getInt()
	tmp := getInt()
	rem := getInt()
	defer putInt(prod)
	defer putInt(tmp)
	defer putInt(rem)

	prod.SetInt64(a)
	tmp.SetInt64(b)
	prod.Mul(prod, tmp)
	tmp.SetInt64(den)
	prod.QuoRem(prod, tmp, rem)

	if rem.Sign() != 0 {
		prod.Add(prod, big.NewInt(1))
	}
	if !prod.IsInt64() {
		return 0, false
	}
	return prod.Int64(), true
}

// Notional returns |size| * price / PriceScale in quote units.
func Notional(size, price int64) (int64, bool) {
	return MulDiv(Abs(size), price, PriceScale)
}

// Abs returns |v|. math.MinInt64 has no positive counterpart and is
// rejected upstream by the position bound checks.
func Abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// InInt64Range reports whether a big.Int product check would be needed;
// retained for callers validating externally supplied values.
func InInt64Range(v *big.Int) bool {
	return v.IsInt64() && v.Int64() != math.MinInt64
}
