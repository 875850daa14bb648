// Package normalize turns raw cell text into canonical dates and signed
// amounts. Every function here is total: bad input yields ok == false, never
// a panic or an error that could abort a batch.
package normalize

import (
	"regexp"
	"strings"
	"time"
)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would land more than this many years in the future are moved
// to the previous century.
var TwoDigitYearPivot = 20

// Accepted year range; anything outside is treated as a parse failure.
const (
	minYear = 1900
	maxYear = 2200
)

type sniffRule struct {
	pattern *regexp.Regexp
	layouts []string
}

// sniffRules are tried against the date part of the raw string. The first
// pattern that matches decides which layouts are attempted.
var sniffRules = []sniffRule{
	{regexp.MustCompile(`^\d{1,2}\.\d{1,2}\.\d{4}$`), []string{"2.1.2006"}},
	{regexp.MustCompile(`^\d{1,2}\.\d{1,2}\.\d{2}$`), []string{"2.1.06"}},
	{regexp.MustCompile(`^\d{4}-\d{1,2}-\d{1,2}$`), []string{"2006-1-2"}},
	{regexp.MustCompile(`^\d{4}[./]\d{1,2}[./]\d{1,2}$`), []string{"2006.1.2", "2006/1/2"}},
	// day/month/year first; month/day/year only when the day slot cannot be a month
	{regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{4}$`), []string{"2/1/2006", "1/2/2006"}},
	{regexp.MustCompile(`^\d{1,2}/\d{1,2}/\d{2}$`), []string{"2/1/06", "1/2/06"}},
	{regexp.MustCompile(`^\d{1,2}-\d{1,2}-\d{4}$`), []string{"2-1-2006"}},
	{regexp.MustCompile(`^\d{8}$`), []string{"20060102"}},
}

var fallbackLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
	"02-Jan-2006",
}

// Genitive Russian month names as they appear in "25 февраля 2026".
var ruMonths = strings.NewReplacer(
	"января", "January", "февраля", "February", "марта", "March",
	"апреля", "April", "мая", "May", "июня", "June",
	"июля", "July", "августа", "August", "сентября", "September",
	"октября", "October", "ноября", "November", "декабря", "December",
)

// ParseDate parses a calendar date. format is an optional caller hint in
// either token form (DD.MM.YYYY, YYYY-MM-DD HH:mm) or Go layout form; when
// it does not fit, the layout is sniffed from the raw string's punctuation.
// The result is midnight UTC of the parsed day.
func ParseDate(raw, format string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	if format != "" {
		layout := LayoutFromFormat(format)
		if t, ok := parseWith(layout, s); ok {
			return t, true
		}
		// hint includes a time of day but the cell only carries the date
		if datePart, _, found := strings.Cut(layout, " "); found {
			if t, ok := parseWith(datePart, firstToken(s)); ok {
				return t, true
			}
		}
	}

	token := firstToken(s)
	for _, rule := range sniffRules {
		if !rule.pattern.MatchString(token) {
			continue
		}
		for _, layout := range rule.layouts {
			if t, ok := parseWith(layout, token); ok {
				return t, true
			}
		}
		break
	}

	if lower := strings.ToLower(s); ruMonths.Replace(lower) != lower {
		s = strings.TrimSuffix(strings.TrimSuffix(ruMonths.Replace(lower), " г."), " г")
	}
	for _, layout := range fallbackLayouts {
		if t, ok := parseWith(layout, s); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// LayoutFromFormat converts token formats such as "DD.MM.YYYY HH:mm:ss" to
// Go layouts. Strings that already look like Go layouts pass through.
func LayoutFromFormat(format string) string {
	if strings.Contains(format, "2006") || strings.Contains(format, "06") && strings.Contains(format, "01") {
		return format
	}
	return strings.NewReplacer(
		"YYYY", "2006",
		"yyyy", "2006",
		"YY", "06",
		"yy", "06",
		"MM", "01",
		"DD", "02",
		"dd", "02",
		"HH", "15",
		"mm", "04",
		"ss", "05",
	).Replace(format)
}

func parseWith(layout, s string) (time.Time, bool) {
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, false
	}
	if !strings.Contains(layout, "2006") && strings.Contains(layout, "06") {
		if t.Year() > time.Now().Year()+TwoDigitYearPivot {
			t = t.AddDate(-100, 0, 0)
		}
	}
	if t.Year() < minYear || t.Year() > maxYear {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}

// firstToken drops a trailing time of day: "25.02.2026 12:33:12" and
// "2026-02-25T12:33:12Z" both yield the date part.
func firstToken(s string) string {
	if i := strings.IndexAny(s, " T"); i > 0 {
		return s[:i]
	}
	return s
}
