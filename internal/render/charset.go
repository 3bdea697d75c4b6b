package render

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Device character codes.
const (
	CodeBlank  = 0
	CodeRed    = 63
	CodeOrange = 64
	CodeYellow = 65
	CodeGreen  = 66
	CodeBlue   = 67
	CodeViolet = 68
	CodeWhite  = 69
	CodeBlack  = 70
	CodeFilled = 71
)

var charCodes = map[rune]int{
	' ': 0,
	'A': 1, 'B': 2, 'C': 3, 'D': 4, 'E': 5, 'F': 6, 'G': 7, 'H': 8, 'I': 9,
	'J': 10, 'K': 11, 'L': 12, 'M': 13, 'N': 14, 'O': 15, 'P': 16, 'Q': 17,
	'R': 18, 'S': 19, 'T': 20, 'U': 21, 'V': 22, 'W': 23, 'X': 24, 'Y': 25,
	'Z': 26,
	'1': 27, '2': 28, '3': 29, '4': 30, '5': 31, '6': 32, '7': 33, '8': 34,
	'9': 35, '0': 36,
	'!': 37, '@': 38, '#': 39, '$': 40, '(': 41, ')': 42,
	'-': 44, '+': 46, '&': 47, '=': 48, ';': 49, ':': 50,
	'\'': 52, '"': 53, '%': 54, ',': 55, '.': 56,
	'/': 59, '?': 60, '°': 62,
	'█': CodeFilled,
}

// tokens are inline {NAME} markers rendered as a single tile.
var tokens = map[string]int{
	"RED": CodeRed, "ORANGE": CodeOrange, "YELLOW": CodeYellow, "GREEN": CodeGreen,
	"BLUE": CodeBlue, "VIOLET": CodeViolet, "WHITE": CodeWhite, "BLACK": CodeBlack,
	"FILLED": CodeFilled,
}

var codeChars = func() map[int]rune {
	m := make(map[int]rune, len(charCodes))
	for r, c := range charCodes {
		m[c] = r
	}
	return m
}()

var tokenNames = func() map[int]string {
	m := make(map[int]string, len(tokens))
	for name, c := range tokens {
		if c == CodeFilled {
			continue
		}
		m[c] = name
	}
	return m
}()

// substitutions run before lookup. Keys are runes the device cannot show.
var substitutions = map[rune]string{
	'[': "(", ']': ")", '{': "(", '}': ")", '<': "(", '>': ")",
	'‘': "'", '’': "'", '‚': "'", '`': "'", '´': "'",
	'“': `"`, '”': `"`, '„': `"`, '«': `"`, '»': `"`,
	'–': "-", '—': "-", '‒': "-", '−': "-", '_': "-", '~': "-",
	'…': "...", '·': ".", '•': ".",
	'*': "+", '|': "/", '\\': "/",
	'\t': " ", '\n': " ", '\r': " ", '\u00a0': " ",
	'º': "°", '˚': "°",
	'×': "X", '÷': "/",
	'€': "E", '£': "L", '¥': "Y", '¢': "C",
	'À': "A", 'Á': "A", 'Â': "A", 'Ã': "A", 'Ä': "A", 'Å': "A", 'Æ': "AE",
	'à': "A", 'á': "A", 'â': "A", 'ã': "A", 'ä': "A", 'å': "A", 'æ': "AE",
	'Ç': "C", 'ç': "C",
	'È': "E", 'É': "E", 'Ê': "E", 'Ë': "E", 'è': "E", 'é': "E", 'ê': "E", 'ë': "E",
	'Ì': "I", 'Í': "I", 'Î': "I", 'Ï': "I", 'ì': "I", 'í': "I", 'î': "I", 'ï': "I",
	'Ñ': "N", 'ñ': "N",
	'Ò': "O", 'Ó': "O", 'Ô': "O", 'Õ': "O", 'Ö': "O", 'Ø': "O",
	'ò': "O", 'ó': "O", 'ô': "O", 'õ': "O", 'ö': "O", 'ø': "O", 'Œ': "OE", 'œ': "OE",
	'Ù': "U", 'Ú': "U", 'Û': "U", 'Ü': "U", 'ù': "U", 'ú': "U", 'û': "U", 'ü': "U",
	'Ý': "Y", 'ý': "Y", 'ÿ': "Y", 'ß': "SS",
}

// Encode converts text to device codes: {TOKEN} markers first, then the
// substitution table, then upper-casing. Runes still unsupported are dropped.
func Encode(text string) []int {
	out := make([]int, 0, len(text))
	for i := 0; i < len(text); {
		if text[i] == '{' {
			if end := strings.IndexByte(text[i:], '}'); end > 1 {
				if code, ok := tokens[strings.ToUpper(text[i+1:i+end])]; ok {
					out = append(out, code)
					i += end + 1
					continue
				}
			}
		}
		r, size := utf8.DecodeRuneInString(text[i:])
		i += size
		out = appendRune(out, r)
	}
	return out
}

func appendRune(out []int, r rune) []int {
	if sub, ok := substitutions[r]; ok {
		for _, s := range sub {
			if code, ok := charCodes[s]; ok {
				out = append(out, code)
			}
		}
		return out
	}
	if code, ok := charCodes[unicode.ToUpper(r)]; ok {
		out = append(out, code)
	}
	return out
}

// Decode maps codes back to text. Colour tiles become {NAME} tokens.
func Decode(codes []int) string {
	var b strings.Builder
	for _, c := range codes {
		if r, ok := codeChars[c]; ok {
			b.WriteRune(r)
			continue
		}
		if name, ok := tokenNames[c]; ok {
			b.WriteString("{" + name + "}")
			continue
		}
		b.WriteByte(' ')
	}
	return b.String()
}

// Supported reports whether r maps to a device character, directly or by substitution.
func Supported(r rune) bool {
	if _, ok := substitutions[r]; ok {
		return true
	}
	_, ok := charCodes[unicode.ToUpper(r)]
	return ok
}
