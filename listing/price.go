package listing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Price is a currency-agnostic decimal amount that may be absent.
// The zero value is the absent price and encodes as JSON null.
type Price struct {
	amount decimal.Decimal
	valid  bool
}

func NewPrice(d decimal.Decimal) Price { return Price{amount: d, valid: true} }

func NoPrice() Price { return Price{} }

// PriceFromFloat is a convenience for tests and literal fixtures.
func PriceFromFloat(f float64) Price { return NewPrice(decimal.NewFromFloat(f)) }

func (p Price) Valid() bool { return p.valid }

// Decimal returns the amount, or zero when absent.
func (p Price) Decimal() decimal.Decimal {
	if !p.valid {
		return decimal.Zero
	}
	return p.amount
}

// Equal compares numerically; two absent prices are equal.
func (p Price) Equal(o Price) bool {
	if p.valid != o.valid {
		return false
	}
	return !p.valid || p.amount.Equal(o.amount)
}

func (p Price) String() string {
	if !p.valid {
		return "null"
	}
	return p.amount.String()
}

func (p Price) MarshalJSON() ([]byte, error) {
	if !p.valid {
		return []byte("null"), nil
	}
	return []byte(p.amount.String()), nil
}

// UnmarshalJSON accepts a number, a quoted number, or null.
func (p *Price) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = Price{}
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*p = Price{}
			return nil
		}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("price %q: %w", raw, err)
	}
	*p = NewPrice(d)
	return nil
}
