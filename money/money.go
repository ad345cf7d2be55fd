package money

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is the closed set of assets the orchestrator moves.
type Currency string

const (
	CurrencyETH Currency = "ETH"
	CurrencyJCR Currency = "JCR"
)

// Ledger identifies which external ledger settles a currency.
type Ledger string

const (
	LedgerChain        Ledger = "chain"
	LedgerPermissioned Ledger = "permissioned"
)

var (
	ErrUnknownCurrency = errors.New("money: unknown currency")
	ErrInvalidAmount   = errors.New("money: invalid amount")
)

const (
	weiExponent  = 18
	gweiExponent = 9
)

// ParseCurrency normalises and validates a currency tag.
func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	switch c {
	case CurrencyETH, CurrencyJCR:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCurrency, s)
	}
}

// Ledger reports the ledger that settles c.
func (c Currency) Ledger() Ledger {
	if c == CurrencyJCR {
		return LedgerPermissioned
	}
	return LedgerChain
}

// ToWei converts a decimal ether amount into wei.
func ToWei(amount string) (*big.Int, error) {
	return scale(amount, weiExponent)
}

// GweiToWei converts a decimal gwei amount into wei.
func GweiToWei(gwei string) (*big.Int, error) {
	return scale(gwei, gweiExponent)
}

// FromWei renders wei as a decimal ether string without trailing zeros.
func FromWei(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -weiExponent).String()
}

func scale(amount string, exp int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, amount)
	}
	shifted := d.Shift(exp)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q exceeds smallest unit precision", ErrInvalidAmount, amount)
	}
	return shifted.BigInt(), nil
}
