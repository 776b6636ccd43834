package ledger

import (
	"math/big"
	"testing"
)

func TestParseUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals int
		want     string
		wantErr  bool
	}{
		{"100", 6, "100000000", false},
		{"100.5", 6, "100500000", false},
		{"0.000001", 6, "1", false},
		{".5", 6, "500000", false},
		{"1", 0, "1", false},
		{"0", 6, "", true},
		{"-3", 6, "", true},
		{"0.0000001", 6, "", true}, // more precision than the asset carries
		{"abc", 6, "", true},
		{"1.2.3", 6, "", true},
		{"", 6, "", true},
	}

	for _, tc := range cases {
		got, err := ParseUnits(tc.in, tc.decimals)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseUnits(%q): expected error, got %v", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseUnits(%q): %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseUnits(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals int
		want     string
	}{
		{"100000000", 6, "100"},
		{"100500000", 6, "100.5"},
		{"1", 6, "0.000001"},
		{"0", 6, "0"},
	}

	for _, tc := range cases {
		v, ok := new(big.Int).SetString(tc.in, 10)
		if !ok {
			t.Fatalf("bad big int %q", tc.in)
		}
		got := FormatUnits(v, tc.decimals)
		if got != tc.want {
			t.Fatalf("FormatUnits(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
