package query

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLengthBounds(t *testing.T) {
	// Exactly max length passes.
	max := strings.Repeat("a", MaxLength)
	got, err := Validate(max)
	require.NoError(t, err)
	assert.Equal(t, max, got)

	// One over is rejected with the length-specific error.
	_, err = Validate(max + "b")
	assert.ErrorIs(t, err, ErrTooLong)

	// Empty and whitespace-only are rejected as too short.
	_, err = Validate("")
	assert.ErrorIs(t, err, ErrTooShort)
	_, err = Validate("   \t\n ")
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestValidateStripsNulBytes(t *testing.T) {
	got, err := Validate("hel\x00lo")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)

	// A query that is only NUL bytes collapses to empty.
	_, err = Validate("\x00\x00")
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestValidationErrorMessage(t *testing.T) {
	_, err := Validate("")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Error(), "too short")
}

func TestCompileSingleWord(t *testing.T) {
	got, err := Compile("hello")
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, got)
}

func TestCompileMultiWordWrapsInQuotes(t *testing.T) {
	got, err := Compile("hello world")
	require.NoError(t, err)
	assert.Equal(t, `"hello world"`, got)
}

func TestCompileQuotesMetachars(t *testing.T) {
	got, err := Compile("func(x)")
	require.NoError(t, err)
	assert.Equal(t, `"func(x)"`, got)

	got, err = Compile("col:value^2")
	require.NoError(t, err)
	assert.Equal(t, `"col:value^2"`, got)

	got, err = Compile("it's")
	require.NoError(t, err)
	assert.Equal(t, `"it's"`, got)
}

// Reserved FTS5 grammar characters. Outside a quoted string literal each of
// these changes how the expression parses; quoting is the only escape the
// grammar has, so no compiled output may carry one bare, and a backslash
// must never appear unless the user typed one.
func TestCompileMetacharsOnlyInsideQuotes(t *testing.T) {
	inputs := []string{
		"foo*bar", "(nested (parens))", "a:b:c", "star * colon : caret ^",
		"wild*card AND esc(ape)", `"quoted (phrase)" trailing*`, "it's",
	}
	for _, in := range inputs {
		got, err := Compile(in)
		require.NoError(t, err, "input %q", in)
		assert.NotContains(t, got, `\`, "input %q output %q", in, got)

		inQuote := false
		for _, r := range got {
			if r == '"' {
				inQuote = !inQuote
				continue
			}
			if strings.ContainsRune(`'()*:^`, r) {
				assert.True(t, inQuote,
					"input %q: bare %q in output %q", in, r, got)
			}
		}
	}
}

func TestCompileBooleanOperators(t *testing.T) {
	got, err := Compile("cats AND dogs")
	require.NoError(t, err)
	assert.Equal(t, `"cats" AND "dogs"`, got)

	// Case-insensitive detection, upper-cased output.
	got, err = Compile("cats and dogs or birds")
	require.NoError(t, err)
	assert.Equal(t, `"cats" AND "dogs" OR "birds"`, got)

	got, err = Compile("alpha NOT beta NEAR gamma")
	require.NoError(t, err)
	assert.Equal(t, `"alpha" NOT "beta" NEAR "gamma"`, got)
}

func TestCompileBooleanQuotesNonOperatorTokens(t *testing.T) {
	got, err := Compile("func(x) AND bar*")
	require.NoError(t, err)
	assert.Equal(t, `"func(x)" AND "bar*"`, got)
}

func TestCompileOperatorInsideWordIsNotOperator(t *testing.T) {
	// "android" contains "and" but not as a whole word: plain multi-word path.
	got, err := Compile("android handler")
	require.NoError(t, err)
	assert.Equal(t, `"android handler"`, got)
}

func TestCompilePhrase(t *testing.T) {
	got, err := Compile(`"hello world"`)
	require.NoError(t, err)
	assert.Equal(t, `"hello world"`, got)

	got, err = Compile(`before "exact phrase" after`)
	require.NoError(t, err)
	assert.Equal(t, `"before" "exact phrase" "after"`, got)
}

func TestCompilePhraseKeepsMetacharsInsideQuotes(t *testing.T) {
	got, err := Compile(`"drop(table)"`)
	require.NoError(t, err)
	assert.Equal(t, `"drop(table)"`, got)
}

func TestCompilePhraseDropsEmptySegments(t *testing.T) {
	got, err := Compile(`"" hello ""`)
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, got)
}

func TestCompileInjectionAttempts(t *testing.T) {
	got, err := Compile(`'; DROP TABLE--`)
	require.NoError(t, err)
	assert.Equal(t, `"'; DROP TABLE--"`, got)

	got, err = Compile(`"DROP TABLE"`)
	require.NoError(t, err)
	assert.Equal(t, `"DROP TABLE"`, got)

	// MATCH column-filter injection attempt is neutralized.
	got, err = Compile("content: evil")
	require.NoError(t, err)
	assert.Equal(t, `"content: evil"`, got)
}

func TestCompileRejectsInvalid(t *testing.T) {
	_, err := Compile("  ")
	assert.ErrorIs(t, err, ErrTooShort)

	_, err = Compile(strings.Repeat("x", MaxLength+1))
	assert.ErrorIs(t, err, ErrTooLong)
}

func TestCompileDeterministic(t *testing.T) {
	a, err := Compile("repeat me AND again")
	require.NoError(t, err)
	b, err := Compile("repeat me AND again")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `100\%`, EscapeLike("100%"))
	assert.Equal(t, `snake\_case`, EscapeLike("snake_case"))
	assert.Equal(t, `back\\slash`, EscapeLike(`back\slash`))
	assert.Equal(t, "plain", EscapeLike("plain"))
}
