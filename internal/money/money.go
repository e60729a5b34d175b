// Package money provides the fixed-point amount type used across the ledger.
//
// All monetary values in the system are Omani Rial with three decimal places
// (1 rial = 1000 baisa). Amounts are stored and compared as 3-decimal fixed
// point via shopspring/decimal; binary floating point never touches a ledger
// amount.
package money

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// CurrencyCode is the single deployment currency.
const CurrencyCode = "OMR"

// Scale is the number of decimal places carried by every Amount.
const Scale = 3

// tolerance for equality checks: half of the smallest representable unit
// would be too strict for sums of many rounded installments, so the spec
// tolerance of 0.001 is used as-is.
var tolerance = decimal.New(1, -Scale)

// Amount is a 3-decimal fixed-point OMR value.
type Amount struct {
	d decimal.Decimal
}

// Zero is the zero amount.
var Zero = Amount{}

// New builds an Amount from units and baisa-scale exponent, e.g. New(500000, -3) = 500.000.
func New(value int64, exp int32) Amount {
	return Amount{d: decimal.New(value, exp).Round(Scale)}
}

// FromDecimal wraps a decimal, rounding to scale.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount{d: d.Round(Scale)}
}

// FromString parses a decimal string ("500.000").
func FromString(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return Amount{d: d.Round(Scale)}, nil
}

// MustParse parses s and panics on error. Intended for constants and tests.
func MustParse(s string) Amount {
	a, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromFloat converts a float, rounding to scale. Only for boundary input;
// internal arithmetic stays in decimal.
func FromFloat(f float64) Amount {
	return Amount{d: decimal.NewFromFloat(f).Round(Scale)}
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d).Round(Scale)}
}

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d).Round(Scale)}
}

// Neg returns -a.
func (a Amount) Neg() Amount {
	return Amount{d: a.d.Neg()}
}

// Cmp compares a and b: -1 if a<b, 0 if equal, 1 if a>b.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// Equal reports whether a and b differ by less than the tolerance.
func (a Amount) Equal(b Amount) bool {
	return a.d.Sub(b.d).Abs().Cmp(tolerance) < 0
}

// IsZero reports whether a is zero within tolerance.
func (a Amount) IsZero() bool {
	return a.d.Abs().Cmp(tolerance) < 0
}

// IsPositive reports whether a > 0 (beyond tolerance).
func (a Amount) IsPositive() bool {
	return a.d.Cmp(tolerance) >= 0
}

// IsNegative reports whether a < 0 (beyond tolerance).
func (a Amount) IsNegative() bool {
	return a.d.Neg().Cmp(tolerance) >= 0
}

// Max0 clamps negative values to zero. Used for derived due amounts.
func (a Amount) Max0() Amount {
	if a.d.Sign() < 0 {
		return Zero
	}
	return a
}

// Decimal exposes the underlying decimal value.
func (a Amount) Decimal() decimal.Decimal {
	return a.d
}

// Float64 returns the nearest float64. Reporting only.
func (a Amount) Float64() float64 {
	f, _ := a.d.Float64()
	return f
}

// String renders the canonical 3-decimal form, e.g. "500.000".
func (a Amount) String() string {
	return a.d.StringFixed(Scale)
}

var printer = message.NewPrinter(language.English)

// Format renders a human-facing value with the currency code and thousands
// grouping, e.g. "OMR 1,234.500".
func (a Amount) Format() string {
	whole := a.d.Truncate(0)
	frac := a.d.Sub(whole).Abs().Shift(Scale).IntPart()
	return printer.Sprintf("%s %d.%03d", CurrencyCode, whole.IntPart(), frac)
}

// Value implements driver.Valuer, storing the canonical string so that
// postgres NUMERIC(14,3) columns round-trip without float drift.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner for NUMERIC columns.
func (a *Amount) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*a = Zero
		return nil
	case string:
		parsed, err := FromString(v)
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case []byte:
		parsed, err := FromString(string(v))
		if err != nil {
			return err
		}
		*a = parsed
		return nil
	case float64:
		*a = FromFloat(v)
		return nil
	case int64:
		*a = New(v, 0)
		return nil
	default:
		return errors.New("money: unsupported scan source")
	}
}

// MarshalJSON encodes the amount as its canonical string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both "500.000" and bare numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromString(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Sum adds all amounts.
func Sum(amounts ...Amount) Amount {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
