package u

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// NormalizeNewlines changes CRLF (Windows) and CR (Mac) to LF (Unix).
// Record files edited in a spreadsheet on Windows come back with CRLF.
func NormalizeNewlines(s string) string {
	if !strings.Contains(s, "\r") {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// EnsureNewline appends "\n" to a non-empty s that doesn't end with it
func EnsureNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// Capitalize does foo => Foo, ÁLVARO => Álvaro etc.
func Capitalize(s string) string {
	if s == "" {
		return s
	}
	s = strings.ToLower(s)
	r, n := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[n:]
}

// Slug generates a file-name safe string: letters and digits are kept,
// spaces become '-', everything else is dropped
func Slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var sb strings.Builder
	prevDash := false
	for _, r := range s {
		switch {
		case r < utf8.RuneSelf && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			sb.WriteRune(r)
			prevDash = false
		case r == '-' || r == '_' || r == ' ':
			if !prevDash && sb.Len() > 0 {
				sb.WriteByte('-')
				prevDash = true
			}
		}
	}
	res := strings.TrimSuffix(sb.String(), "-")
	if len(res) > 128 {
		res = res[:128]
	}
	return res
}
