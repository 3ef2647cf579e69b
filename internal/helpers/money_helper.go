package helpers

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var zeroDecimalCurrencies = map[string]bool{
	"IDR": true,
	"JPY": true,
	"KRW": true,
	"VND": true,
}

func currencyExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// MinorToMajor converts an amount in minor units (paise, cents) to a decimal
// in major units.
func MinorToMajor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -currencyExponent(currency))
}

// MajorToMinor parses a major-unit amount such as "500.00" into minor units.
// Amounts with more precision than the currency allows are rejected.
func MajorToMinor(amount, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("amount must not be negative")
	}

	minor := d.Shift(currencyExponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has too many decimal places for %s", amount, currency)
	}
	return minor.IntPart(), nil
}

// FormatMinor renders minor units for display, e.g. "460.00 INR".
func FormatMinor(amount int64, currency string) string {
	exp := currencyExponent(currency)
	return MinorToMajor(amount, currency).StringFixed(exp) + " " + strings.ToUpper(currency)
}
