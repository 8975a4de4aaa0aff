package usdc

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"service price", "0.05", 50_000},
		{"one dollar", "1.00", 1_000_000},
		{"no frac", "1", 1_000_000},
		{"short frac", "1.5", 1_500_000},
		{"smallest unit", "0.000001", 1},
		{"six decimals", "1.123456", 1_123_456},
		{"large amount", "999999.999999", 999_999_999_999},
		{"leading zeros", "007.50", 7_500_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, input := range []string{"-1", "-0.50", "1.2.3", "abc", "1.x"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestParse_EmptyString(t *testing.T) {
	got, ok := Parse("")
	if !ok {
		t.Fatal("Parse(\"\") returned ok=false")
	}
	if got.Sign() != 0 {
		t.Errorf("Parse(\"\") = %s, want 0", got.String())
	}
}

func TestParse_TruncationBeyondSixDecimals(t *testing.T) {
	got, ok := Parse("1.1234567890")
	if !ok {
		t.Fatal("Parse returned ok=false")
	}
	if got.Int64() != 1_123_456 {
		t.Errorf("got %d, want 1123456", got.Int64())
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		input    *big.Int
		expected string
	}{
		{"nil", nil, "0.000000"},
		{"zero", big.NewInt(0), "0.000000"},
		{"price", big.NewInt(50_000), "0.050000"},
		{"one", big.NewInt(1_000_000), "1.000000"},
		{"smallest", big.NewInt(1), "0.000001"},
		{"negative", big.NewInt(-1_500_000), "-1.500000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.input); got != tt.expected {
				t.Errorf("Format = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestParseFormatRoundTrip(t *testing.T) {
	in := "12.345678"
	v, ok := Parse(in)
	if !ok {
		t.Fatal("Parse failed")
	}
	if got := Format(v); got != "12.345678" {
		t.Errorf("round trip = %q", got)
	}
}
