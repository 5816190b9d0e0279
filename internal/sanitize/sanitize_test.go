package sanitize

import (
	"strings"
	"testing"
)

func TestText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		in          string
		want        string
		wantChanged bool
	}{
		{"plain", "Hello World 123!", "Hello World 123!", false},
		{"trimmed only", "  hello \n", "hello", false},
		{"ansi colors", "\x1b[31mExploit\x1b[0m", "Exploit", true},
		{"cursor move", "a\x1b[2;5Hb", "ab", true},
		{"control chars", "Start\x03\x07End", "StartEnd", true},
		{"null byte", "Valid\x00Truncated?", "ValidTruncated?", true},
		{"command chaining kept", "Help; rm -rf /", "Help; rm -rf /", false},
		{"osc title bel", "Safe\x1b]0;Evil Title\x07Text", "SafeText", true},
		{"osc title st", "Safe\x1b]2;Evil\x1b\\Text", "SafeText", true},
		{"umlauts survive", "Grüße aus Köln", "Grüße aus Köln", false},
		{"bidi override", "abc\u202edef", "abcdef", true},
		{"empty", "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := Text(tc.in)
			if got != tc.want {
				t.Errorf("Text(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if changed != tc.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tc.wantChanged)
			}
		})
	}
}

func TestText_LongInput(t *testing.T) {
	t.Parallel()

	in := strings.Repeat("a", 100_000) + "!"
	if got, _ := Text(in); got != in {
		t.Error("long printable input was altered")
	}
}
