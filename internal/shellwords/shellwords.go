// Package shellwords tokenizes and quotes shell command strings.
// It understands POSIX single quotes, double quotes, and backslash
// escapes — enough to split package-manager invocations without
// handing the string to an actual shell.
package shellwords

import (
	"errors"
	"strings"
)

// ErrUnbalancedQuotes is returned when a command string ends inside
// an open quote or after a trailing backslash.
var ErrUnbalancedQuotes = errors.New("unbalanced quotes in command")

// Split tokenizes a command string into words.
// Quoted sections keep their whitespace; the quotes themselves are removed.
func Split(s string) ([]string, error) {
	var (
		words   []string
		current strings.Builder
		inWord  bool
	)

	const (
		stateNone = iota
		stateSingle
		stateDouble
	)
	state := stateNone
	escaped := false

	for _, r := range s {
		if escaped {
			current.WriteRune(r)
			inWord = true
			escaped = false
			continue
		}

		switch state {
		case stateSingle:
			if r == '\'' {
				state = stateNone
			} else {
				current.WriteRune(r)
			}
		case stateDouble:
			switch r {
			case '"':
				state = stateNone
			case '\\':
				escaped = true
			default:
				current.WriteRune(r)
			}
		default:
			switch r {
			case '\'':
				state = stateSingle
				inWord = true
			case '"':
				state = stateDouble
				inWord = true
			case '\\':
				escaped = true
			case ' ', '\t', '\n':
				if inWord {
					words = append(words, current.String())
					current.Reset()
					inWord = false
				}
			default:
				current.WriteRune(r)
				inWord = true
			}
		}
	}

	if state != stateNone || escaped {
		return nil, ErrUnbalancedQuotes
	}
	if inWord {
		words = append(words, current.String())
	}
	return words, nil
}

// Quote returns s wrapped in single quotes when it contains characters
// that a shell would interpret. Safe strings are returned unchanged.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n\"'`$&|;<>()*?[]#~%!{}\\") {
		return s
	}
	// Single quotes preserve everything except single quotes themselves,
	// which are closed, escaped, and reopened: ' -> '\''
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Join quotes each argument and joins them with spaces.
// Used for dry-run previews and audit lines.
func Join(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}
