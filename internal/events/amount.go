package events

import (
	"github.com/shopspring/decimal"
)

// Amount is a monetary value carried on the wire as a JSON number with two
// decimal places, e.g. 20.00.
type Amount struct {
	decimal.Decimal
}

// NewAmount rounds d to cents.
func NewAmount(d decimal.Decimal) Amount {
	return Amount{Decimal: d.Round(2)}
}

// MarshalJSON implements json.Marshaler.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.Decimal.StringFixed(2)), nil
}

// UnmarshalJSON accepts both quoted and bare numbers.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	a.Decimal = d.Round(2)
	return nil
}
