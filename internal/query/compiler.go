// Package query compiles untrusted user input into FTS5 MATCH expressions
// that are safe against query-grammar injection. The compiler is pure: it
// performs no I/O and never consults the store.
package query

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Query length limits applied after trimming and NUL stripping.
const (
	MinLength = 1
	MaxLength = 500
)

// Validation failures. Each length violation has its own sentinel so callers
// can report a specific reason.
var (
	ErrTooShort = errors.New("query too short")
	ErrTooLong  = errors.New("query too long")
)

// ValidationError wraps a validation sentinel with the offending length.
type ValidationError struct {
	Err    error
	Length int
}

func (e *ValidationError) Error() string {
	switch {
	case errors.Is(e.Err, ErrTooShort):
		return fmt.Sprintf("query too short (min %d chars)", MinLength)
	case errors.Is(e.Err, ErrTooLong):
		return fmt.Sprintf("query too long (max %d chars)", MaxLength)
	default:
		return e.Err.Error()
	}
}

func (e *ValidationError) Unwrap() error { return e.Err }

// booleanOps matches the FTS5 boolean vocabulary as whole words,
// case-insensitively.
var booleanOps = regexp.MustCompile(`(?i)\b(AND|OR|NOT|NEAR)\b`)

// Validate strips NUL bytes, trims whitespace and enforces length limits.
// It returns the cleaned query.
func Validate(raw string) (string, error) {
	q := strings.ReplaceAll(raw, "\x00", "")
	q = strings.TrimSpace(q)

	if len(q) < MinLength {
		return "", &ValidationError{Err: ErrTooShort, Length: len(q)}
	}
	if len(q) > MaxLength {
		return "", &ValidationError{Err: ErrTooLong, Length: len(q)}
	}
	return q, nil
}

// Compile transforms raw user text into a safe FTS5 query expression.
//
// Precedence: length validation, then phrase handling when the text contains
// a double quote, then boolean-operator handling when AND/OR/NOT/NEAR appear
// as whole words, then the whole input quoted as a single string literal.
func Compile(raw string) (string, error) {
	q, err := Validate(raw)
	if err != nil {
		return "", err
	}

	switch {
	case strings.Contains(q, `"`):
		return compilePhrase(q), nil
	case booleanOps.MatchString(q):
		return compileBoolean(q), nil
	default:
		return quote(q), nil
	}
}

// quote wraps text as an FTS5 string literal. Quoting is the grammar's only
// escape mechanism: inside a quoted string every reserved character
// (' ( ) * : ^) is ordinary text handed to the tokenizer, whereas a
// backslash outside quotes is a syntax error. Interior double quotes are
// doubled per the grammar; the phrase routing in Compile means fragments
// reaching here never contain one.
func quote(text string) string {
	return `"` + strings.ReplaceAll(text, `"`, `""`) + `"`
}

// compilePhrase splits on double quotes: odd-indexed segments were inside
// quotes, even-indexed segments were bare. Both come back as quoted string
// literals joined by implicit AND; empty segments are dropped.
func compilePhrase(q string) string {
	parts := strings.Split(q, `"`)
	out := make([]string, 0, len(parts))

	for i, part := range parts {
		if i%2 == 1 {
			if part == "" {
				continue
			}
			out = append(out, quote(part))
		} else {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			out = append(out, quote(trimmed))
		}
	}

	return strings.Join(out, " ")
}

// compileBoolean passes whole-word boolean operators through upper-cased and
// bare while quoting every other fragment.
func compileBoolean(q string) string {
	var out []string
	last := 0

	for _, loc := range booleanOps.FindAllStringIndex(q, -1) {
		if frag := strings.TrimSpace(q[last:loc[0]]); frag != "" {
			out = append(out, quote(frag))
		}
		out = append(out, strings.ToUpper(q[loc[0]:loc[1]]))
		last = loc[1]
	}
	if frag := strings.TrimSpace(q[last:]); frag != "" {
		out = append(out, quote(frag))
	}

	return strings.Join(out, " ")
}

// EscapeLike escapes LIKE pattern wildcards for title suggestion queries.
// The output is meant for a LIKE ... ESCAPE '\' clause.
func EscapeLike(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(text)
}
