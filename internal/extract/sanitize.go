package extract

import "strings"

// Sanitize rewrites raw control characters so a candidate substring survives
// json.Unmarshal. Upstream answers frequently carry literal newlines inside
// what should be an escaped JSON string value.
//
// Raw (not backslash-preceded) newline, carriage return and tab become their
// two-character escape form; remaining control codes below U+0020 are
// stripped. Applying Sanitize twice yields the same result as once.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 8)

	for i := 0; i < len(text); i++ {
		c := text[i]
		afterBackslash := i > 0 && text[i-1] == '\\'

		switch c {
		case '\n':
			if afterBackslash {
				b.WriteByte(c)
			} else {
				b.WriteString(`\n`)
			}
		case '\r':
			if afterBackslash {
				b.WriteByte(c)
			} else {
				b.WriteString(`\r`)
			}
		case '\t':
			if afterBackslash {
				b.WriteByte(c)
			} else {
				b.WriteString(`\t`)
			}
		default:
			if c < 0x20 {
				continue
			}
			b.WriteByte(c)
		}
	}
	return b.String()
}
