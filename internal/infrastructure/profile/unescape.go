package profile

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

// unescapeBio decodes JSON-style escapes left in text pulled out of the raw
// page: \" \\ \/ \n \r \t \b \f and \uXXXX (including surrogate pairs).
// Unknown escapes are kept verbatim.
func unescapeBio(s string) string {
	if !strings.Contains(s, `\`) {
		return normalizeNewlines(s)
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}

		i++
		switch s[i] {
		case '"', '\\', '/':
			b.WriteByte(s[i])
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'u':
			r, width, ok := decodeUnicodeEscape(s[i-1:])
			if !ok {
				b.WriteString(`\u`)
				continue
			}
			b.WriteRune(r)
			i += width - 2
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}

	return normalizeNewlines(b.String())
}

// decodeUnicodeEscape decodes a \uXXXX sequence (or a \uXXXX\uXXXX surrogate
// pair) at the start of s and returns the rune and the bytes consumed
func decodeUnicodeEscape(s string) (rune, int, bool) {
	hi, ok := parseHex4(s)
	if !ok {
		return 0, 0, false
	}
	r1 := rune(hi)
	if !utf16.IsSurrogate(r1) {
		return r1, 6, true
	}
	if lo, ok := parseHex4(s[6:]); ok {
		if r := utf16.DecodeRune(r1, rune(lo)); r != unicode.ReplacementChar {
			return r, 12, true
		}
	}
	return unicode.ReplacementChar, 6, true
}

func parseHex4(s string) (uint64, bool) {
	if len(s) < 6 || s[0] != '\\' || s[1] != 'u' {
		return 0, false
	}
	v, err := strconv.ParseUint(s[2:6], 16, 32)
	if err != nil {
		return 0, false
	}
	return v, true
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
