// Package sanitize renders untrusted bytes so they are safe to embed in
// line-oriented, delimiter-separated output.
package sanitize

import (
	"strings"
	"unicode/utf8"
)

const hexDigits = "0123456789abcdef"

// Sanitize escapes control characters, DEL, backslash, any byte listed in
// delimiters and every byte that is not part of a valid UTF-8 sequence.
// Common control characters use their C escapes; everything else becomes \xHH.
func Sanitize(b []byte, delimiters string) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for len(b) > 0 {
		c := b[0]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRune(b)
			if r == utf8.RuneError && size <= 1 {
				escapeHex(&sb, c)
				b = b[1:]
				continue
			}
			sb.Write(b[:size])
			b = b[size:]
			continue
		}
		if c < 0x20 || c == 0x7f || c == '\\' || strings.IndexByte(delimiters, c) >= 0 {
			sb.WriteByte('\\')
			switch c {
			case '\n':
				sb.WriteByte('n')
			case '\r':
				sb.WriteByte('r')
			case '\f':
				sb.WriteByte('f')
			case '\v':
				sb.WriteByte('v')
			case '\b':
				sb.WriteByte('b')
			case 0:
				sb.WriteByte('0')
			case '\\':
				sb.WriteByte('\\')
			default:
				sb.WriteByte('x')
				sb.WriteByte(hexDigits[c>>4])
				sb.WriteByte(hexDigits[c&0x0f])
			}
		} else {
			sb.WriteByte(c)
		}
		b = b[1:]
	}
	return sb.String()
}

// String is Sanitize for string input.
func String(s, delimiters string) string {
	return Sanitize([]byte(s), delimiters)
}

func escapeHex(sb *strings.Builder, c byte) {
	sb.WriteString(`\x`)
	sb.WriteByte(hexDigits[c>>4])
	sb.WriteByte(hexDigits[c&0x0f])
}
