// Package sanitize neutralises transcript text before it reaches a terminal,
// clipboard or keystroke injector.
//
// ANSI CSI and OSC escape sequences are removed first, then every rune that
// is not printable (or a tab/newline) is dropped. Unicode letters survive so
// non-English dictation is unaffected; bidi overrides and other format
// characters do not.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	csi = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	osc = regexp.MustCompile(`\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
)

// Text returns s with escape sequences and non-printable runes removed and
// surrounding whitespace trimmed. The second result reports whether anything
// other than whitespace trimming changed.
func Text(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	cleaned := osc.ReplaceAllString(s, "")
	cleaned = csi.ReplaceAllString(cleaned, "")
	cleaned = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\r':
			return '\n'
		case r == unicode.ReplacementChar:
			return -1
		case unicode.IsPrint(r):
			return r
		case unicode.IsSpace(r):
			return ' '
		default:
			return -1
		}
	}, cleaned)
	changed := cleaned != s && strings.TrimSpace(cleaned) != strings.TrimSpace(s)
	return strings.TrimSpace(cleaned), changed
}
