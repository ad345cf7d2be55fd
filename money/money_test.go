package money

import (
	"errors"
	"math/big"
	"testing"
)

func TestToWei(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"0.5", "500000000000000000"},
		{"0.000000000000000001", "1"},
		{" 2.25 ", "2250000000000000000"},
	}
	for _, tc := range cases {
		got, err := ToWei(tc.in)
		if err != nil {
			t.Fatalf("ToWei(%q): %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ToWei(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestToWei_Rejects(t *testing.T) {
	for _, in := range []string{"", "abc", "-1", "0.0000000000000000001"} {
		if _, err := ToWei(in); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("ToWei(%q): expected ErrInvalidAmount, got %v", in, err)
		}
	}
}

func TestGweiToWei(t *testing.T) {
	got, err := GweiToWei("1")
	if err != nil {
		t.Fatalf("GweiToWei: %v", err)
	}
	if got.Cmp(big.NewInt(1_000_000_000)) != 0 {
		t.Fatalf("GweiToWei(1) = %s", got)
	}
}

func TestFromWei(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000000", 10)
	if got := FromWei(wei); got != "1.5" {
		t.Fatalf("FromWei = %s, want 1.5", got)
	}
	if got := FromWei(nil); got != "0" {
		t.Fatalf("FromWei(nil) = %s", got)
	}
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency("jcr")
	if err != nil || c != CurrencyJCR {
		t.Fatalf("ParseCurrency(jcr) = %q, %v", c, err)
	}
	if c.Ledger() != LedgerPermissioned {
		t.Fatalf("JCR ledger = %s", c.Ledger())
	}
	if CurrencyETH.Ledger() != LedgerChain {
		t.Fatalf("ETH ledger = %s", CurrencyETH.Ledger())
	}
	if _, err := ParseCurrency("BTC"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
}
