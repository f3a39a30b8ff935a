// Package fixed holds the integer fixed-point conventions shared by the engine.
//
// USD values and prices carry 30 decimals (PricePrecision). Pool shares carry
// 18 decimals. Basis points use a divisor of 100000, so 1000 bp is 1%.
// All divisions round toward zero on non-negative operands (floor).
package fixed

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// USDDecimals is the number of decimals of every USD quantity.
	USDDecimals = 30
	// ShareDecimals is the number of decimals of the pool share token.
	ShareDecimals = 18
	// BasisPointsDivisor is 100% expressed in basis points.
	BasisPointsDivisor = 100000
)

var (
	// PricePrecision is 1e30.
	PricePrecision = Pow10(USDDecimals)
	// ShareUnit is 1e18.
	ShareUnit = Pow10(ShareDecimals)
	// BPD is BasisPointsDivisor as a big.Int.
	BPD = big.NewInt(BasisPointsDivisor)
)

// Pow10 returns 10^n.
func Pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// Zero returns a fresh zero value.
func Zero() *big.Int {
	return new(big.Int)
}

// Copy returns a copy of x, treating nil as zero.
func Copy(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}

// MulDiv returns a*b/c rounded toward zero. c must be non-zero.
func MulDiv(a, b, c *big.Int) *big.Int {
	result := new(big.Int).Mul(a, b)
	return result.Quo(result, c)
}

// ApplyBP returns amount*bp/BasisPointsDivisor.
func ApplyBP(amount *big.Int, bp uint64) *big.Int {
	return MulDiv(amount, new(big.Int).SetUint64(bp), BPD)
}

// USD builds a 1e30 fixed-point value from a whole-dollar integer.
func USD(dollars int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), PricePrecision)
}

// Units scales a whole-token integer to a token with the given decimals.
func Units(amount int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), Pow10(int(decimals)))
}

// ParseUSD parses a decimal string such as "57000.5" into a 1e30 value.
func ParseUSD(s string) (*big.Int, error) {
	return ParseScaled(s, USDDecimals)
}

// ParseScaled parses a decimal string and scales it by 10^decimals, truncating
// any remaining fraction.
func ParseScaled(s string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return d.Shift(decimals).BigInt(), nil
}

// FromDecimal scales a decimal by 10^decimals.
func FromDecimal(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).BigInt()
}

// ToDecimal converts a scaled integer back into a decimal.
func ToDecimal(x *big.Int, decimals int32) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x, -decimals)
}

// FormatUSD renders a 1e30 value as a human readable string.
func FormatUSD(x *big.Int) string {
	return ToDecimal(x, USDDecimals).String()
}

// Min returns the smaller of a and b.
func Min(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

// IsPositive reports whether x is non-nil and greater than zero.
func IsPositive(x *big.Int) bool {
	return x != nil && x.Sign() > 0
}
