package tabular

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Sanitize prepares a delimited file body for parsing. A leading UTF-8 BOM
// is dropped. Bodies that are not valid UTF-8 are assumed to be Windows-1251,
// the legacy encoding most Russian banks still export in; if that decoding
// fails too, invalid sequences become '?'.
func Sanitize(data []byte) []byte {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data
	}

	decoded, err := charmap.Windows1251.NewDecoder().Bytes(data)
	if err == nil && utf8.Valid(decoded) {
		return decoded
	}
	return bytes.ToValidUTF8(data, []byte("?"))
}

// CleanCell normalizes a single cell. Surrounding whitespace and quotes are
// trimmed, non-breaking spaces become plain spaces, a stray BOM is removed and
// the Excel text-formula wrapper ="..." is unwrapped.
func CleanCell(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "=\"") {
		s = s[1:]
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

