package numbers

import (
	"math/big"

	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
)

// NewBig128 returns a fresh big.Int for parsing chain-native u128 balances.
// Balances stay string-encoded everywhere outside of arithmetic so no
// precision is lost on the way through the database.
func NewBig128() *big.Int {
	return new(big.Int)
}

func ParseBig(s string) (*big.Int, error) {
	v, ok := NewBig128().SetString(s, 10)
	if !ok {
		return nil, xerrors.Errorf("failed to parse big integer from %q", s)
	}
	return v, nil
}

// AddBig adds two huge numbers stored as strings.
func AddBig(a, b string) (string, error) {
	na, err := ParseBig(a)
	if err != nil {
		return "", err
	}
	nb, err := ParseBig(b)
	if err != nil {
		return "", err
	}

	return na.Add(na, nb).String(), nil
}

func SubBig(a, b string) (string, error) {
	na, err := ParseBig(a)
	if err != nil {
		return "", err
	}
	nb, err := ParseBig(b)
	if err != nil {
		return "", err
	}

	return na.Sub(na, nb).String(), nil
}

func BigGreaterThan(a, b string) (bool, error) {
	na, err := decimal.NewFromString(a)
	if err != nil {
		return false, err
	}
	nb, err := decimal.NewFromString(b)
	if err != nil {
		return false, err
	}

	return na.GreaterThan(nb), nil
}
