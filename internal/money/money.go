// Package money provides fixed-point token-amount parsing and formatting.
//
// Every supported token has a fixed decimal precision. Amounts are stored
// as big.Int in the token's smallest unit (e.g. 1 USDT = 1,000,000 units
// at 6 decimals). All on-chain math happens on these integers; there is no
// floating point anywhere in the settlement path.
package money

import (
	"math/big"
	"strings"
)

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation at the given precision. Returns (nil, false) on
// invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to the token's precision
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with exactly
// the token's number of decimal places (e.g. "1.500000" at 6 decimals).
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = big.NewInt(0)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - decimals
	result := s[:decimal]
	if decimals > 0 {
		result += "." + s[decimal:]
	}
	if neg {
		result = "-" + result
	}
	return result
}

// MustParse is Parse for trusted inputs (tests, config constants).
// It panics on invalid input.
func MustParse(s string, decimals int) *big.Int {
	v, ok := Parse(s, decimals)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return v
}

// Rescale converts an amount from one precision to another. Scaling down
// truncates toward zero; scaling up is exact.
func Rescale(amount *big.Int, from, to int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Set(amount)
	switch {
	case from < to:
		out.Mul(out, pow10(to-from))
	case from > to:
		out.Quo(out, pow10(from-to))
	}
	return out
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
