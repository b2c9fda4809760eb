package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrRateUnavailable means no conversion rate exists for the token pair.
var ErrRateUnavailable = errors.New("bridge: no conversion rate for pair")

// RateProvider quotes the target-per-source conversion rate for a token
// pair, in whole-token terms (decimals are handled by ConvertAmount).
type RateProvider interface {
	Rate(ctx context.Context, sourceToken, targetToken string) (decimal.Decimal, error)
}

// StaticRates is a fixed in-memory rate table keyed "SRC/DST". Same-symbol
// pairs always quote 1. Production wires a price-feed-backed provider.
type StaticRates struct {
	mu    sync.RWMutex
	rates map[string]decimal.Decimal
}

// NewStaticRates creates an empty rate table.
func NewStaticRates() *StaticRates {
	return &StaticRates{rates: make(map[string]decimal.Decimal)}
}

// Set stores the rate for a pair.
func (s *StaticRates) Set(sourceToken, targetToken string, rate decimal.Decimal) {
	s.mu.Lock()
	s.rates[pairKey(sourceToken, targetToken)] = rate
	s.mu.Unlock()
}

func (s *StaticRates) Rate(ctx context.Context, sourceToken, targetToken string) (decimal.Decimal, error) {
	if strings.EqualFold(sourceToken, targetToken) {
		return decimal.NewFromInt(1), nil
	}
	s.mu.RLock()
	rate, ok := s.rates[pairKey(sourceToken, targetToken)]
	s.mu.RUnlock()
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s -> %s", ErrRateUnavailable, sourceToken, targetToken)
	}
	return rate, nil
}

func pairKey(sourceToken, targetToken string) string {
	return strings.ToUpper(sourceToken) + "/" + strings.ToUpper(targetToken)
}

// ConvertAmount converts a base-unit source amount to base units of the
// target token: decimal arithmetic for the rate, truncated (never rounded
// up) back to an integer so the pool can never pay out more than the rate
// allows.
func ConvertAmount(amount *big.Int, rate decimal.Decimal, sourceDecimals, targetDecimals int) *big.Int {
	src := decimal.NewFromBigInt(amount, -int32(sourceDecimals))
	out := src.Mul(rate).Shift(int32(targetDecimals)).Floor()
	return out.BigInt()
}
