package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSanitizer() *Sanitizer {
	return New([]byte("test-mask-key"))
}

func TestCleanFormulaGuard(t *testing.T) {
	s := newTestSanitizer()

	assert.Equal(t, "'=SUM(A1:A2)", s.Clean("=SUM(A1:A2)"))
	assert.Equal(t, "'+1", s.Clean("+1"))
	assert.Equal(t, "'-cmd", s.Clean("-cmd"))
	assert.Equal(t, "'@import", s.Clean("@import"))
	assert.Equal(t, "plain", s.Clean("plain"))
}

func TestCleanDigitFolding(t *testing.T) {
	s := newTestSanitizer()

	assert.Equal(t, "123", s.Clean("۱۲۳"))
	assert.Equal(t, "123", s.Clean("١٢٣"))
	assert.Equal(t, "0987", s.Clean("۰۹۸۷"))
}

func TestCleanLetterUnification(t *testing.T) {
	s := newTestSanitizer()

	// Arabic ya and kaf fold to their Persian forms.
	assert.Equal(t, "علی", s.Clean("علي"))
	assert.Equal(t, "کتاب", s.Clean("كتاب"))
}

func TestCleanMasksLongDigitRuns(t *testing.T) {
	s := newTestSanitizer()

	out := s.Clean("id 1234567890 end")
	assert.NotContains(t, out, "1234567890")
	assert.Contains(t, out, "masked:")

	// Token is masked: plus exactly 8 hex characters.
	masked := out[len("id ") : len(out)-len(" end")]
	require.True(t, strings.HasPrefix(masked, "masked:"))
	assert.Len(t, masked, len("masked:")+8)

	// Folded Persian digits count toward the run length.
	assert.Contains(t, s.Clean("۱۲۳۴۵۶۷۸"), "masked:")
}

func TestCleanMaskIsKeyedAndStable(t *testing.T) {
	a := New([]byte("key-a"))
	b := New([]byte("key-b"))

	assert.Equal(t, a.Clean("12345678"), a.Clean("12345678"))
	assert.NotEqual(t, a.Clean("12345678"), b.Clean("12345678"))
}

func TestCleanShortDigitRunsUntouched(t *testing.T) {
	s := newTestSanitizer()

	assert.Equal(t, "1234567", s.Clean("1234567"))
}

func TestCleanStripsControlAndInvisible(t *testing.T) {
	s := newTestSanitizer()

	assert.Equal(t, "ab", s.Clean("a\x00\x07b"))
	assert.Equal(t, "a\tb", s.Clean("a\tb"))
	assert.Equal(t, "ab", s.Clean("a​b"))
	assert.Equal(t, "ab", s.Clean("a‮b"))
	assert.Equal(t, "ab", s.Clean("\uFEFFab"))
}

func TestCleanTrimsAndNormalizes(t *testing.T) {
	s := newTestSanitizer()

	assert.Equal(t, "value", s.Clean("  value\n"))
	// Decomposed e + combining acute composes to a single code point.
	assert.Equal(t, "é", s.Clean("é"))
}

func TestCleanTotalOnEmptyInput(t *testing.T) {
	s := newTestSanitizer()

	assert.Equal(t, "", s.Clean(""))
	assert.Equal(t, "", s.Clean("   "))
}
