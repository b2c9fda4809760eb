package money

import "strings"

// Token describes a supported token on a specific chain.
type Token struct {
	Symbol   string
	ChainID  int64
	Decimals int
	Contract string // empty for native coins
}

// Chain IDs for the supported networks. Non-EVM chains use internal IDs
// that never collide with EVM chain IDs.
const (
	ChainEthereum int64 = 1
	ChainBNB      int64 = 56
	ChainPolygon  int64 = 137
	ChainBitcoin  int64 = -1
	ChainTron     int64 = -2
	ChainSolana   int64 = -3
)

// tokenTable is the closed set of (symbol, chain) pairs the platform settles.
// Contract addresses are mainnet; test deployments override via config.
var tokenTable = []Token{
	{Symbol: "ETH", ChainID: ChainEthereum, Decimals: 18},
	{Symbol: "USDT", ChainID: ChainEthereum, Decimals: 6, Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7"},
	{Symbol: "USDC", ChainID: ChainEthereum, Decimals: 6, Contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},

	{Symbol: "BNB", ChainID: ChainBNB, Decimals: 18},
	{Symbol: "USDT", ChainID: ChainBNB, Decimals: 18, Contract: "0x55d398326f99059fF775485246999027B3197955"},
	{Symbol: "USDC", ChainID: ChainBNB, Decimals: 18, Contract: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"},
	{Symbol: "BUSD", ChainID: ChainBNB, Decimals: 18, Contract: "0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56"},

	{Symbol: "MATIC", ChainID: ChainPolygon, Decimals: 18},
	{Symbol: "USDT", ChainID: ChainPolygon, Decimals: 6, Contract: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F"},
	{Symbol: "USDC", ChainID: ChainPolygon, Decimals: 6, Contract: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"},

	{Symbol: "BTC", ChainID: ChainBitcoin, Decimals: 8},

	{Symbol: "TRX", ChainID: ChainTron, Decimals: 6},
	{Symbol: "USDT", ChainID: ChainTron, Decimals: 6, Contract: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"},

	{Symbol: "SOL", ChainID: ChainSolana, Decimals: 9},
	{Symbol: "USDC", ChainID: ChainSolana, Decimals: 6, Contract: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"},
}

// LookupToken returns the token entry for (symbol, chainID).
func LookupToken(symbol string, chainID int64) (Token, bool) {
	symbol = strings.ToUpper(symbol)
	for _, t := range tokenTable {
		if t.Symbol == symbol && t.ChainID == chainID {
			return t, true
		}
	}
	return Token{}, false
}

// IsValidTokenForNetwork reports whether the chain's token list contains
// the symbol.
func IsValidTokenForNetwork(symbol string, chainID int64) bool {
	_, ok := LookupToken(symbol, chainID)
	return ok
}

// TokensForChain returns all tokens settled on the given chain.
func TokensForChain(chainID int64) []Token {
	var out []Token
	for _, t := range tokenTable {
		if t.ChainID == chainID {
			out = append(out, t)
		}
	}
	return out
}
