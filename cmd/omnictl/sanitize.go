package main

import (
	"strings"
	"unicode"
)

// terminalSafe makes remote text safe to print on one terminal line:
// control characters (including ESC, so no injected escape sequences) and
// bidi overrides are dropped, and line breaks become spaces.
func terminalSafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r), isBidiControl(r), r == unicode.ReplacementChar:
			continue
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isBidiControl(r rune) bool {
	switch {
	case r >= 0x202A && r <= 0x202E:
		return true
	case r >= 0x2066 && r <= 0x2069:
		return true
	default:
		return false
	}
}
