package config

import (
	"fmt"
	"strings"
	"unicode"
)

// parseArgv splits a launch command the way a POSIX shell splits words, minus expansion:
// single or double quotes group, and a backslash takes the next rune literally.
func parseArgv(input string) ([]string, error) {
	var (
		words   []string
		word    strings.Builder
		inWord  bool
		quote   rune
		literal bool
	)
	for _, r := range strings.TrimSpace(input) {
		if literal {
			word.WriteRune(r)
			literal = false
			continue
		}
		if quote != 0 && r != quote {
			word.WriteRune(r)
			continue
		}
		switch {
		case r == quote:
			quote = 0
		case r == '\\':
			literal, inWord = true, true
		case r == '"' || r == '\'':
			quote, inWord = r, true
		case unicode.IsSpace(r):
			if inWord {
				words = append(words, word.String())
				word.Reset()
				inWord = false
			}
		default:
			word.WriteRune(r)
			inWord = true
		}
	}

	switch {
	case literal:
		return nil, fmt.Errorf("unterminated escape sequence in command: %q", input)
	case quote != 0:
		return nil, fmt.Errorf("unterminated quote in command: %q", input)
	case inWord:
		words = append(words, word.String())
	}
	return words, nil
}

// URLPlaceholder marks where Expand puts the shell URL.
const URLPlaceholder = "{url}"

// Expand substitutes the shell URL into a launch command. Without a placeholder the URL is
// passed as the last argument.
func (c CommandConfig) Expand(url string) []string {
	if len(c.Argv) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Argv)+1)
	placed := false
	for _, arg := range c.Argv {
		if strings.Contains(arg, URLPlaceholder) {
			placed = true
		}
		out = append(out, strings.ReplaceAll(arg, URLPlaceholder, url))
	}
	if !placed {
		out = append(out, url)
	}
	return out
}
