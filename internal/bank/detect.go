package bank

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// HeaderSearchLines bounds how far FindHeaderRow looks for the header.
const HeaderSearchLines = 20

// keywordSet pairs a field with the lower-case fragments that identify it.
type keywordSet struct {
	field    Field
	keywords []string
}

// Evaluated in order; the first set with a matching fragment wins.
var fieldKeywords = []keywordSet{
	{FieldDate, []string{"дата", "date", "день", "fecha", "datum"}},
	{FieldAmount, []string{"сумма", "amount", "sum", "приход", "расход", "списание", "зачисление", "debit", "credit", "importe", "betrag"}},
	{FieldDescription, []string{"описание", "назначение", "комментарий", "description", "details", "memo", "narrative", "purpose", "descripci"}},
	{FieldCategory, []string{"категория", "category", "categoria"}},
	{FieldCounterparty, []string{"контрагент", "получатель", "плательщик", "корреспондент", "counterparty", "payee", "merchant", "recipient", "beneficiary"}},
}

// ParseDelimiter accepts a literal delimiter or one of the names "tab",
// "comma", "semicolon" and "pipe". Empty input means comma.
func ParseDelimiter(s string) rune {
	switch strings.ToLower(s) {
	case "", "comma", ",":
		return ','
	case "tab", "\t", `\t`:
		return '\t'
	case "semicolon", ";":
		return ';'
	case "pipe", "|":
		return '|'
	}
	for _, r := range s {
		return r
	}
	return ','
}

// DetectDelimiter picks the most frequent of comma, semicolon and tab in a
// header line. Ties and lines without any of them fall back to comma.
func DetectDelimiter(line string) rune {
	counts := []struct {
		r rune
		n int
	}{
		{',', strings.Count(line, ",")},
		{';', strings.Count(line, ";")},
		{'\t', strings.Count(line, "\t")},
	}

	best, bestN, tied := ',', 0, false
	for _, c := range counts {
		switch {
		case c.n > bestN:
			best, bestN, tied = c.r, c.n, false
		case c.n == bestN && c.n > 0:
			tied = true
		}
	}
	if tied || bestN == 0 {
		return ','
	}
	return best
}

// DetectField guesses the canonical field of a header name. Headers that
// match no keyword set are skip.
func DetectField(header string) Field {
	h := strings.ToLower(strings.TrimSpace(header))
	if h == "" {
		return FieldSkip
	}
	for _, set := range fieldKeywords {
		for _, kw := range set.keywords {
			if strings.Contains(h, kw) {
				return set.field
			}
		}
	}
	return FieldSkip
}

// SuggestMapping labels every header. With a template, listed headers take
// the template's field and the rest are skip. When the template does not
// cover date and amount for this file, or there is no template, headers are
// labelled by DetectField. Only the leftmost date and amount candidates keep
// their label so the suggestion passes Validate whenever the file allows it.
func SuggestMapping(headers []string, tmpl *Template) ColumnMapping {
	if tmpl != nil {
		m := tmpl.Mapping(headers)
		if m.Validate() == nil {
			return m
		}
	}

	m := make(ColumnMapping, len(headers))
	var haveDate, haveAmount bool
	for _, h := range headers {
		f := DetectField(h)
		switch f {
		case FieldDate:
			if haveDate {
				f = FieldSkip
			}
			haveDate = true
		case FieldAmount:
			if haveAmount {
				f = FieldSkip
			}
			haveAmount = true
		}
		if _, seen := m[h]; !seen {
			m[h] = f
		}
	}
	return m
}

// FindHeaderRow returns the index of the first line, among the first
// HeaderSearchLines, that carries a date, amount or description keyword.
// Lines before it are bank metadata. It returns 0 when nothing qualifies.
func FindHeaderRow(lines []string) int {
	for i, line := range lines {
		if i >= HeaderSearchLines {
			break
		}
		lower := strings.ToLower(line)
		for _, set := range fieldKeywords[:3] {
			for _, kw := range set.keywords {
				if strings.Contains(lower, kw) {
					return i
				}
			}
		}
	}
	return 0
}

// Fingerprint identifies a header layout independent of case, punctuation
// and spacing.
func Fingerprint(headers []string) string {
	normalized := make([]string, 0, len(headers))
	for _, h := range headers {
		clean := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, h)
		if clean != "" {
			normalized = append(normalized, clean)
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(normalized, "|")))
	return hex.EncodeToString(sum[:])
}
