package unicode

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Finding records one suspicious code point seen in a chat turn.
type Finding struct {
	Category  string // "zero-width", "soft-hyphen", "bidi-control", "tag-char", "control-char", "homoglyph", "invalid-utf8"
	Position  int    // byte offset in the input
	Codepoint string // e.g. "U+200B"
}

// ScanResult holds the output of a Unicode scan.
type ScanResult struct {
	Clean    bool
	Findings []Finding
	// Sanitized is the input with invisible code points removed and
	// homoglyphs folded to their Latin look-alikes.
	Sanitized string
}

// Categories returns the distinct finding categories in first-seen order.
func (r ScanResult) Categories() []string {
	seen := make(map[string]bool, len(r.Findings))
	var out []string
	for _, f := range r.Findings {
		if !seen[f.Category] {
			seen[f.Category] = true
			out = append(out, f.Category)
		}
	}
	return out
}

// Scan inspects text for Unicode smuggling and returns a sanitized copy.
func Scan(input string) ScanResult {
	result := ScanResult{Clean: true}
	var sanitized strings.Builder
	sanitized.Grow(len(input))

	for i := 0; i < len(input); {
		r, size := utf8.DecodeRuneInString(input[i:])

		if r == utf8.RuneError && size == 1 {
			result.add(Finding{Category: "invalid-utf8", Position: i, Codepoint: fmt.Sprintf("0x%02X", input[i])})
			i++
			continue
		}

		if cat := invisibleCategory(r); cat != "" {
			result.add(Finding{Category: cat, Position: i, Codepoint: codepoint(r)})
			i += size
			continue
		}

		if latin, ok := foldHomoglyph(r); ok {
			result.add(Finding{Category: "homoglyph", Position: i, Codepoint: codepoint(r)})
			sanitized.WriteRune(latin)
			i += size
			continue
		}

		sanitized.WriteRune(r)
		i += size
	}

	result.Sanitized = sanitized.String()
	return result
}

// Strip is Scan without the findings.
func Strip(input string) string {
	return Scan(input).Sanitized
}

func (r *ScanResult) add(f Finding) {
	r.Clean = false
	r.Findings = append(r.Findings, f)
}

func codepoint(r rune) string {
	return fmt.Sprintf("U+%04X", r)
}

func invisibleCategory(r rune) string {
	switch {
	case isZeroWidth(r):
		return "zero-width"
	case r == '\u00AD':
		return "soft-hyphen"
	case isBidiControl(r):
		return "bidi-control"
	case isTagCharacter(r):
		return "tag-char"
	case isUnsafeControl(r):
		return "control-char"
	}
	return ""
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200B', // ZERO WIDTH SPACE
		'\u200C', // ZERO WIDTH NON-JOINER
		'\u200D', // ZERO WIDTH JOINER
		'\uFEFF', // ZERO WIDTH NO-BREAK SPACE (BOM)
		'\u2060', // WORD JOINER
		'\u180E', // MONGOLIAN VOWEL SEPARATOR
		'\u200E', // LEFT-TO-RIGHT MARK
		'\u200F': // RIGHT-TO-LEFT MARK
		return true
	}
	return false
}

func isBidiControl(r rune) bool {
	return (r >= '\u202A' && r <= '\u202E') || (r >= '\u2066' && r <= '\u2069')
}

func isTagCharacter(r rune) bool {
	return r >= 0xE0001 && r <= 0xE007F
}

// isUnsafeControl reports C0/C1 controls and DEL. Tab, newline and
// carriage return are ordinary chat whitespace.
func isUnsafeControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r <= 0x1F || r == 0x7F || (r >= 0x80 && r <= 0x9F)
}

func foldHomoglyph(r rune) (rune, bool) {
	if unicode.Is(unicode.Cyrillic, r) {
		if latin, ok := cyrillicHomoglyphs[r]; ok {
			return latin, true
		}
	}
	if unicode.Is(unicode.Greek, r) {
		if latin, ok := greekHomoglyphs[r]; ok {
			return latin, true
		}
	}
	return 0, false
}

var cyrillicHomoglyphs = map[rune]rune{
	'а': 'a', 'А': 'A',
	'В': 'B',
	'с': 'c', 'С': 'C',
	'е': 'e', 'Е': 'E',
	'Н': 'H',
	'і': 'i', 'І': 'I',
	'ј': 'j',
	'К': 'K',
	'М': 'M',
	'о': 'o', 'О': 'O',
	'р': 'p', 'Р': 'P',
	'ѕ': 's',
	'Т': 'T',
	'х': 'x', 'Х': 'X',
	'у': 'y', 'У': 'Y',
}

var greekHomoglyphs = map[rune]rune{
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Η': 'H', 'Ι': 'I',
	'Κ': 'K', 'Μ': 'M', 'Ν': 'N', 'Ο': 'O', 'ο': 'o',
	'Ρ': 'P', 'Τ': 'T', 'Χ': 'X', 'Υ': 'Y', 'Ζ': 'Z',
	'ι': 'i', 'ν': 'v',
}
