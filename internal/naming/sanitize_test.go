package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileFoldsSwedishCharacters(t *testing.T) {
	assert.Equal(t, "oversvamning_lan", File("Översvämning lan"))
	assert.Equal(t, "malaren", File("Mälaren"))
}

func TestFileCollapsesNonWordRuns(t *testing.T) {
	assert.Equal(t, "a_b_c", File("a!!!b   c"))
	assert.Equal(t, "unnamed", File("!!!"))
	assert.Equal(t, "unnamed", File(""))
}

func TestFileTruncatesTo64Codepoints(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := File(long)
	require.LessOrEqual(t, len([]rune(got)), 64)
}

func TestFileIsIdempotent(t *testing.T) {
	inputs := []string{"Översvämning Lan!", "a_b_c", "", "123abc", "___x___"}
	for _, in := range inputs {
		once := File(in)
		twice := File(once)
		assert.Equal(t, once, twice, "File must be idempotent for %q", in)
	}
}

func TestIdentifierPrefixesLeadingDigit(t *testing.T) {
	assert.Equal(t, "_123abc", Identifier("123abc"))
}

func TestIdentifierRestrictsToWordChars(t *testing.T) {
	got := Identifier("NVV Älvsjö-Data")
	assert.Regexp(t, `^[A-Za-z0-9_]{1,64}$`, got)
}

func TestIdentifierIsIdempotent(t *testing.T) {
	inputs := []string{"NVV Älvsjö-Data", "1abc", "", "a-b-c"}
	for _, in := range inputs {
		once := Identifier(in)
		twice := Identifier(once)
		assert.Equal(t, once, twice, "Identifier must be idempotent for %q", in)
	}
}

func TestResolveCollision(t *testing.T) {
	used := map[string]bool{"a_src": true, "a_src_1": true}
	assert.Equal(t, "a_src_2", ResolveCollision("a_src", used))
	assert.Equal(t, "b_src", ResolveCollision("b_src", used))
}

func TestResolveCollisionPreservesLengthBound(t *testing.T) {
	base := Identifier(repeat("x", 64))
	used := map[string]bool{base: true}
	variant := ResolveCollision(base, used)
	assert.LessOrEqual(t, len(variant), 64)
	assert.NotEqual(t, base, variant)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
