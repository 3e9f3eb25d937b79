package listing

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	nonNumericRE    = regexp.MustCompile(`[^0-9.\-]`)
	numericPrefixRE = regexp.MustCompile(`^-?(?:\d+(?:\.\d*)?|\.\d+)`)
)

// ToNumber strips everything but digits, '.' and '-' and parses the longest numeric
// prefix of what remains. Unparseable or empty input yields the absent price, never zero.
//
//	ToNumber("$1,234.56") -> 1234.56
//	ToNumber("")          -> absent
func ToNumber(value string) Price {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return NoPrice()
	}
	cleaned := nonNumericRE.ReplaceAllString(raw, "")
	m := numericPrefixRE.FindString(cleaned)
	if m == "" {
		return NoPrice()
	}
	m = strings.TrimSuffix(m, ".")
	d, err := decimal.NewFromString(m)
	if err != nil {
		return NoPrice()
	}
	return NewPrice(d)
}

// ToInt truncates ToNumber toward zero and clamps negatives to 0.
// ok is false when the input carried no number at all.
func ToInt(value string) (n int, ok bool) {
	p := ToNumber(value)
	if !p.Valid() {
		return 0, false
	}
	return clampQuantity(p.Decimal()), true
}

func clampQuantity(d decimal.Decimal) int {
	i := d.Truncate(0).IntPart()
	if i < 0 {
		return 0
	}
	const maxQty = 1<<31 - 1
	if i > maxQty {
		return maxQty
	}
	return int(i)
}
