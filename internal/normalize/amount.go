package normalize

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var signReplacer = strings.NewReplacer("−", "-", "–", "-", "—", "-")

// ParseAmount parses a locale-punctuated signed amount such as "1 234,56",
// "-1234.56", "(45.00)" or "₽ 1.234,00". It returns ok == false when the
// text is not a finite non-zero number.
//
// Separator rules: when both '.' and ',' appear, the rightmost one is the
// decimal separator and the other groups thousands. A lone separator kind
// that repeats groups thousands. A single ',' or '.' is always decimal, so
// "0,500" is half a unit and "1,234" is 1.234.
func ParseAmount(raw string) (decimal.Decimal, bool) {
	s := strings.TrimSpace(signReplacer.Replace(raw))
	if s == "" {
		return decimal.Zero, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	// keep digits and separators; a sign counts only in the leading or
	// trailing position ("-680", "680-")
	var b strings.Builder
	digits := 0
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
			digits++
		case r == '.' || r == ',':
			b.WriteRune(r)
		case r == '-' && (digits == 0 || i == len(s)-1):
			negative = !negative
		}
	}
	if digits == 0 {
		return decimal.Zero, false
	}

	// "руб." and similar abbreviations leave a dangling separator
	num := normalizeSeparators(strings.TrimRight(b.String(), ".,"))
	d, err := decimal.NewFromString(num)
	if err != nil || d.IsZero() {
		return decimal.Zero, false
	}
	if negative {
		d = d.Neg()
	}
	return d, true
}

func normalizeSeparators(s string) string {
	dots := strings.Count(s, ".")
	commas := strings.Count(s, ",")

	switch {
	case dots > 0 && commas > 0:
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case commas > 1:
		return strings.ReplaceAll(s, ",", "")
	case dots > 1:
		return strings.ReplaceAll(s, ".", "")
	case commas == 1:
		return strings.Replace(s, ",", ".", 1)
	}
	return s
}
