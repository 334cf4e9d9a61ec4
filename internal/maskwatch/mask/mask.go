// Package mask implements the operator mask mini-language: a delimited
// pattern body plus single-character flags, compiled into a predicate
// over an enriched client reference.
//
// A mask source string looks like `/body/flags`. The delimiter selects
// the body semantics: `/` regular expression, `"` or `'` literal string,
// `%` shell-style glob. The compiled predicate is a single regular
// expression matched against a reference of the form
//
//	<account><secure><connect>\n<nick>!<ident>@<host> <realname>
//
// where the three header characters are '1'/'0'. Flag conditions are
// encoded as a header assertion prefixed to the body.
package mask

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrEmptyMask is returned when a mask has no body.
	ErrEmptyMask = errors.New("empty mask provided")
	// ErrUnterminatedMask is returned when the closing delimiter is missing.
	ErrUnterminatedMask = errors.New("unterminated mask")
	// ErrNoDelimiter is returned when the input does not start with a
	// usable (non-alphanumeric) delimiter.
	ErrNoDelimiter = errors.New("no pattern delimiter found")
)

// Header builds the flags line of an enriched reference.
func Header(account, secure, connect bool) string {
	b := []byte{'0', '0', '0'}
	if account {
		b[0] = '1'
	}
	if secure {
		b[1] = '1'
	}
	if connect {
		b[2] = '1'
	}
	return string(b)
}

// Reference builds the full enriched reference for one observation.
func Reference(header, nick, ident, host, realname string) string {
	return header + "\n" + nick + "!" + ident + "@" + host + " " + realname
}

// Compile parses a mask source string and compiles it to its predicate.
// Unknown flag characters are ignored so that future flags do not break
// older catalogs.
func Compile(src string) (*regexp.Regexp, error) {
	if src == "" {
		return nil, ErrEmptyMask
	}
	delim := src[0]
	if isAlnum(delim) {
		return nil, ErrNoDelimiter
	}

	end := closeIndex(src, delim)
	if end < 0 {
		return nil, ErrUnterminatedMask
	}
	body, flags := src[1:end-1], src[end:]
	if body == "" {
		return nil, ErrEmptyMask
	}

	switch delim {
	case '"', '\'':
		body = regexp.QuoteMeta(unescape(body, delim))
	case '%':
		body = globTranslate(unescape(body, delim))
	}

	// `^`/`$` transform the body; every other consequential flag becomes
	// part of the header assertion.
	if strings.ContainsRune(flags, '^') {
		body = "^" + body
	}
	if strings.ContainsRune(flags, '$') {
		body = body + "$"
	}

	opts := "m"
	if strings.ContainsRune(flags, 'i') {
		opts += "i"
	}

	pattern := "(?" + opts + ")" + headerAssert(flags) + `\n.*` + body
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile mask %q: %w", src, err)
	}
	return re, nil
}

// headerAssert encodes the account/secure/event flag conditions as three
// pattern characters matched against the reference header. Masks match
// connect events only unless the `N` flag widens them to nick changes.
func headerAssert(flags string) string {
	account := byte('.')
	if strings.ContainsRune(flags, 'a') {
		account = '1'
	} else if strings.ContainsRune(flags, 'A') {
		account = '0'
	}

	secure := byte('.')
	if strings.ContainsRune(flags, 'z') {
		secure = '1'
	} else if strings.ContainsRune(flags, 'Z') {
		secure = '0'
	}

	connect := byte('1')
	if strings.ContainsRune(flags, 'N') {
		connect = '.'
	}

	return string([]byte{account, secure, connect})
}

// Token extracts a mask literal (body plus flags, up to the first space
// after the closing delimiter) from the front of a command argument
// string. It returns the mask and the remaining arguments.
func Token(input string) (string, string, error) {
	input = strings.TrimLeft(input, " ")
	if input == "" {
		return "", "", ErrEmptyMask
	}
	if isAlnum(input[0]) {
		return "", "", ErrNoDelimiter
	}

	end := closeIndex(input, input[0])
	if end < 0 {
		return "", "", ErrUnterminatedMask
	}

	sp := strings.IndexByte(input[end:], ' ')
	if sp < 0 {
		return input, "", nil
	}
	return input[:end+sp], input[end+sp+1:], nil
}

// closeIndex returns the index just past the first unescaped occurrence
// of delim after position 0, or -1 when unterminated.
func closeIndex(s string, delim byte) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case delim:
			return i + 1
		}
	}
	return -1
}

// unescape removes the backslash from escaped delimiters in a body.
func unescape(s string, delim byte) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == delim {
			b.WriteByte(delim)
			i++
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// globTranslate converts a shell-style glob to the equivalent regular
// expression fragment: `*` and `?` become `.*` and `.`, `[seq]` and
// `[!seq]` become character classes, everything else matches literally.
func globTranslate(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		switch c := glob[i]; c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		case '[':
			j := i + 1
			if j < len(glob) && glob[j] == '!' {
				j++
			}
			if j < len(glob) && glob[j] == ']' {
				j++
			}
			for j < len(glob) && glob[j] != ']' {
				j++
			}
			if j >= len(glob) {
				// unterminated class, treat the bracket literally
				b.WriteString(`\[`)
				continue
			}
			set := glob[i+1 : j]
			if strings.HasPrefix(set, "!") {
				set = "^" + set[1:]
			}
			b.WriteString("[" + set + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

func isAlnum(c byte) bool {
	return c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
