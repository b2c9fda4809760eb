package money

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals int
		expected int64
	}{
		{"one usdt", "1.00", 6, 1_000_000},
		{"fifty cents", "0.50", 6, 500_000},
		{"whole number", "100", 6, 100_000_000},
		{"smallest unit", "0.000001", 6, 1},
		{"btc sats", "0.00000001", 8, 1},
		{"one btc", "1", 8, 100_000_000},
		{"short frac", "1.5", 6, 1_500_000},
		{"truncates extra digits", "1.1234567890", 6, 1_123_456},
		{"leading zeros", "007.50", 6, 7_500_000},
		{"no whole part", ".50", 6, 500_000},
		{"zero decimals", "42", 0, 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input, tt.decimals)
			if !ok {
				t.Fatalf("Parse(%q, %d) returned ok=false", tt.input, tt.decimals)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q, %d) = %d, want %d", tt.input, tt.decimals, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"negative", "-1.00"},
		{"negative zero", "-0"},
		{"alphabetic", "abc"},
		{"multiple dots", "1.2.3"},
		{"trailing letters", "12abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Parse(tt.input, 6); ok {
				t.Errorf("Parse(%q) should return ok=false", tt.input)
			}
		})
	}
}

func TestParse_EmptyIsZero(t *testing.T) {
	got, ok := Parse("", 6)
	if !ok || got.Sign() != 0 {
		t.Fatalf("Parse(\"\") = %v, %v; want 0, true", got, ok)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		decimals int
		want     string
	}{
		{"one usdt", 1_000_000, 6, "1.000000"},
		{"fraction", 1_500_000, 6, "1.500000"},
		{"sub unit", 1, 6, "0.000001"},
		{"one eth wei-ish", 5, 18, "0.000000000000000005"},
		{"zero decimals", 42, 0, "42"},
		{"negative", -1_500_000, 6, "-1.500000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(big.NewInt(tt.amount), tt.decimals); got != tt.want {
				t.Errorf("Format(%d, %d) = %q, want %q", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestFormat_NilIsZero(t *testing.T) {
	if got := Format(nil, 6); got != "0.000000" {
		t.Errorf("Format(nil) = %q, want 0.000000", got)
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	inputs := []string{"0.000001", "1.000000", "999999.999999"}
	for _, in := range inputs {
		v, ok := Parse(in, 6)
		if !ok {
			t.Fatalf("Parse(%q) failed", in)
		}
		if got := Format(v, 6); got != in {
			t.Errorf("round trip %q -> %q", in, got)
		}
	}
}

func TestRescale(t *testing.T) {
	// 1.5 at 6 decimals -> 18 decimals and back
	v := big.NewInt(1_500_000)
	up := Rescale(v, 6, 18)
	want, _ := new(big.Int).SetString("1500000000000000000", 10)
	if up.Cmp(want) != 0 {
		t.Fatalf("Rescale up = %s, want %s", up, want)
	}
	down := Rescale(up, 18, 6)
	if down.Cmp(v) != 0 {
		t.Fatalf("Rescale down = %s, want %s", down, v)
	}

	// Scaling down truncates toward zero.
	odd := big.NewInt(1_999_999)
	if got := Rescale(odd, 6, 0); got.Int64() != 1 {
		t.Errorf("Rescale truncate = %d, want 1", got.Int64())
	}
}

func TestIsValidTokenForNetwork(t *testing.T) {
	tests := []struct {
		symbol  string
		chainID int64
		want    bool
	}{
		{"USDT", ChainBNB, true},
		{"usdt", ChainBNB, true}, // case-insensitive
		{"USDT", ChainEthereum, true},
		{"USDC", ChainSolana, true},
		{"BTC", ChainBitcoin, true},
		{"BTC", ChainEthereum, false},
		{"BUSD", ChainPolygon, false},
		{"DOGE", ChainBNB, false},
		{"USDT", 999, false},
	}

	for _, tt := range tests {
		if got := IsValidTokenForNetwork(tt.symbol, tt.chainID); got != tt.want {
			t.Errorf("IsValidTokenForNetwork(%q, %d) = %v, want %v", tt.symbol, tt.chainID, got, tt.want)
		}
	}
}

func TestLookupToken_Decimals(t *testing.T) {
	// USDT has 6 decimals on Ethereum but 18 on BNB chain.
	eth, ok := LookupToken("USDT", ChainEthereum)
	if !ok || eth.Decimals != 6 {
		t.Fatalf("USDT on Ethereum: %+v, ok=%v", eth, ok)
	}
	bnb, ok := LookupToken("USDT", ChainBNB)
	if !ok || bnb.Decimals != 18 {
		t.Fatalf("USDT on BNB: %+v, ok=%v", bnb, ok)
	}
}

func TestTokensForChain(t *testing.T) {
	tokens := TokensForChain(ChainBNB)
	if len(tokens) != 4 {
		t.Fatalf("expected 4 BNB chain tokens, got %d", len(tokens))
	}
	for _, tok := range tokens {
		if tok.ChainID != ChainBNB {
			t.Errorf("token %s has wrong chain %d", tok.Symbol, tok.ChainID)
		}
	}
}
