package framing

import (
	"fmt"
	"strings"

	"labinstr/internal/model"
)

var shorthands = map[string]string{
	"LF":   "\n",
	"CR":   "\r",
	"CRLF": "\r\n",
	"LFCR": "\n\r",
}

var escapes = strings.NewReplacer(`\r`, "\r", `\n`, "\n", `\t`, "\t", `\0`, "\x00")

// ParseTerminator converts a terminator specifier into the bytes written
// after each command. It understands the shorthands LF, CR and CRLF, also as
// separate tokens ("CR LF"), the escapes \n \r \t \0, and otherwise takes the
// specifier literally with every LF and CR substring replaced. An empty
// specifier means no terminator.
func ParseTerminator(text string) ([]byte, error) {
	if text == "" {
		return nil, nil
	}
	for i := 0; i < len(text); i++ {
		if text[i] >= 0x80 {
			return nil, fmt.Errorf("%w: terminator %q is not ASCII", model.ErrConfiguration, text)
		}
	}

	if fields := strings.Fields(text); len(fields) > 0 {
		var b strings.Builder
		ok := true
		for _, f := range fields {
			s, known := shorthands[strings.ToUpper(f)]
			if !known {
				ok = false
				break
			}
			b.WriteString(s)
		}
		if ok {
			return []byte(b.String()), nil
		}
	}

	s := escapes.Replace(text)
	s = strings.ReplaceAll(s, "LF", "\n")
	s = strings.ReplaceAll(s, "CR", "\r")
	return []byte(s), nil
}

// FormatTerminator renders terminator bytes back into the shorthand
// vocabulary, for logs and listings.
func FormatTerminator(term []byte) string {
	if len(term) == 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range term {
		switch c {
		case '\n':
			b.WriteString("LF")
		case '\r':
			b.WriteString("CR")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
