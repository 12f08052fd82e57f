// Package sanitize normalizes and defangs field values before they enter cold
// storage. Cleaning is pure and total: any input yields a string, never an
// error.
package sanitize

import (
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// digitRun matches identifier-length digit sequences that must not leak into
// archives verbatim.
var digitRun = regexp.MustCompile(`[0-9]{8,}`)

// foldRunes maps Persian and Arabic-Indic digits to ASCII and unifies
// visually equivalent Arabic letter variants to their Persian forms, so the
// same value always archives identically regardless of input keyboard.
var foldRunes = map[rune]rune{
	// Persian digits U+06F0..U+06F9.
	'۰': '0', '۱': '1', '۲': '2', '۳': '3', '۴': '4',
	'۵': '5', '۶': '6', '۷': '7', '۸': '8', '۹': '9',
	// Arabic-Indic digits U+0660..U+0669.
	'٠': '0', '١': '1', '٢': '2', '٣': '3', '٤': '4',
	'٥': '5', '٦': '6', '٧': '7', '٨': '8', '٩': '9',
	// Arabic letter variants.
	'ي': 'ی',
	'ى': 'ی',
	'ك': 'ک',
}

// Sanitizer cleans one field value at a time. The mask key keeps the digit-run
// hash stable across runs of the same deployment without being reversible from
// the archives.
type Sanitizer struct {
	maskKey []byte
}

func New(maskKey []byte) *Sanitizer {
	if len(maskKey) > blake2b.Size {
		sum := blake2b.Sum256(maskKey)
		maskKey = sum[:]
	}
	return &Sanitizer{maskKey: maskKey}
}

// Clean applies, in order: NFC normalization, digit and letter folding,
// control and zero-width stripping, trimming, digit-run masking, and a
// leading-quote guard against spreadsheet formula injection on re-import.
func (s *Sanitizer) Clean(value string) string {
	v := norm.NFC.String(value)
	v = strings.Map(cleanRune, v)
	v = strings.TrimSpace(v)
	v = digitRun.ReplaceAllStringFunc(v, s.mask)
	if v != "" {
		switch v[0] {
		case '=', '+', '-', '@':
			v = "'" + v
		}
	}
	return v
}

// cleanRune folds digit and letter variants, drops control characters other
// than tab/CR/LF, and drops zero-width and bidi-control code points.
func cleanRune(r rune) rune {
	if folded, ok := foldRunes[r]; ok {
		return folded
	}
	if r == '\t' || r == '\r' || r == '\n' {
		return r
	}
	if unicode.IsControl(r) {
		return -1
	}
	if isInvisible(r) {
		return -1
	}
	return r
}

func isInvisible(r rune) bool {
	switch {
	case r >= 0x200B && r <= 0x200F: // zero-width space/joiners, LRM, RLM
		return true
	case r >= 0x202A && r <= 0x202E: // bidi embedding and override
		return true
	case r >= 0x2066 && r <= 0x2069: // bidi isolates
		return true
	case r == 0xFEFF: // zero-width no-break space / stray BOM
		return true
	case r == 0x00AD: // soft hyphen
		return true
	}
	return false
}

// mask replaces an identifier-length digit run with a keyed-hash token.
func (s *Sanitizer) mask(run string) string {
	h, err := blake2b.New256(s.maskKey)
	if err != nil {
		// Unreachable: New clamps the key length.
		sum := blake2b.Sum256([]byte(run))
		return "masked:" + hex.EncodeToString(sum[:4])
	}
	h.Write([]byte(run))
	return "masked:" + hex.EncodeToString(h.Sum(nil)[:4])
}
