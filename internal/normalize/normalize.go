// Package normalize turns a raw chat turn into the canonical forms the
// scorers analyze.
package normalize

import (
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	uscan "github.com/gzhole/turnshield/internal/unicode"
)

// minPayloadRunes is the length a decoded payload must exceed to be kept.
const minPayloadRunes = 4

var payloadRegex = regexp.MustCompile(`[A-Za-z0-9+/]{8,}={0,2}`)

// Prepared is one turn after preprocessing.
type Prepared struct {
	Raw string
	// Canonical is NFKC-normalized text with invisible code points removed
	// and homoglyphs folded.
	Canonical string
	// Hidden holds decoded payloads found inside the turn. It is analysis
	// context only and must never reach users or logs.
	Hidden []string
	// Context is Canonical followed by every hidden payload.
	Context string
	// Smuggling lists the Unicode finding categories seen in Raw.
	Smuggling []string
}

// Lower returns the lowercased analysis context.
func (p Prepared) Lower() string {
	return strings.ToLower(p.Context)
}

// Prepare canonicalizes text and collects hidden payloads.
func Prepare(text string) Prepared {
	scan := uscan.Scan(norm.NFKC.String(text))
	canonical := scan.Sanitized

	p := Prepared{
		Raw:       text,
		Canonical: canonical,
		Hidden:    ExtractHiddenPayloads(canonical),
		Smuggling: scan.Categories(),
	}

	if len(p.Hidden) == 0 {
		p.Context = canonical
		return p
	}
	parts := make([]string, 0, len(p.Hidden)+1)
	parts = append(parts, canonical)
	for _, h := range p.Hidden {
		parts = append(parts, Canonicalize(h))
	}
	p.Context = strings.Join(parts, "\n")
	return p
}

// Canonicalize applies NFKC, strips invisible code points and folds homoglyphs.
func Canonicalize(text string) string {
	return uscan.Strip(norm.NFKC.String(text))
}

// ExtractHiddenPayloads decodes base64-looking substrings and returns those
// that decode to readable text. Undecodable candidates are dropped; invalid
// UTF-8 inside a decoded candidate is removed before the checks.
func ExtractHiddenPayloads(text string) []string {
	matches := payloadRegex.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}

	var out []string
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		decoded, ok := decodeCandidate(m)
		if !ok || seen[decoded] {
			continue
		}
		seen[decoded] = true
		out = append(out, decoded)
	}
	return out
}

func decodeCandidate(candidate string) (string, bool) {
	raw, err := base64.StdEncoding.DecodeString(candidate)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(candidate, "="))
		if err != nil {
			return "", false
		}
	}
	// Invalid bytes are dropped, not fatal: a single stray byte must not
	// hide the rest of the payload.
	s := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
	if utf8.RuneCountInString(s) <= minPayloadRunes || !mostlyPrintable(s) || !hasWord(s) {
		return "", false
	}
	return s, true
}

// hasWord reports whether s holds a run of at least three letters.
func hasWord(s string) bool {
	run := 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			run = 0
			continue
		}
		if run++; run >= 3 {
			return true
		}
	}
	return false
}

// mostlyPrintable requires nine in ten runes to be printable or whitespace.
func mostlyPrintable(s string) bool {
	var total, printable int
	for _, r := range s {
		total++
		if unicode.IsPrint(r) || unicode.IsSpace(r) {
			printable++
		}
	}
	return total > 0 && printable*10 >= total*9
}
