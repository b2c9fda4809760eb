package chain

import "strings"

// DefaultConfirmations is used for any currency without an explicit entry.
const DefaultConfirmations uint64 = 12

// requiredConfirmations is the per-currency finality table. The values
// follow common exchange practice; MATIC is high because Polygon reorgs
// run deep.
var requiredConfirmations = map[string]uint64{
	"BTC":   6,
	"ETH":   12,
	"BNB":   15,
	"MATIC": 256,
}

// RequiredConfirmations returns the confirmation threshold for a currency
// symbol. Overrides (from config) win over the built-in table; unknown
// symbols fall back to DefaultConfirmations.
func RequiredConfirmations(symbol string, overrides map[string]uint64) uint64 {
	symbol = strings.ToUpper(symbol)
	if overrides != nil {
		if n, ok := overrides[symbol]; ok {
			return n
		}
	}
	if n, ok := requiredConfirmations[symbol]; ok {
		return n
	}
	return DefaultConfirmations
}
