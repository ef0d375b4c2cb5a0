package reader

import (
	"regexp"
	"strings"
)

var extraWhiteSpace = regexp.MustCompile("[[:space:]]+")

// SanitizeText
// Normalizes the whitespace of a document: drops Windows `\r`, collapses
// runs of newlines, unescapes literal `\n`, joins ` :` into `:`, turns tabs
// into spaces, and collapses and trims the whitespace of every line.
func SanitizeText(text string) string {
	acc := make([]rune, 0, len(text))
	lastRune := rune(0)
	for _, r := range text {
		if r == '\r' {
			// Silently drop Windows `\r`
			continue
		} else if r == '\n' && lastRune == '\n' {
			// Drop additional newlines.
		} else if r == 'n' && lastRune == '\\' {
			// Replace escaped `\n` with `\n`.
			acc[len(acc)-1] = '\n'
		} else if r == ':' && lastRune == ' ' {
			// Strip colons with leading spaces.
			acc[len(acc)-1] = ':'
		} else if r == '\t' {
			acc = append(acc, ' ')
		} else {
			acc = append(acc, r)
		}
		if len(acc) > 0 {
			lastRune = acc[len(acc)-1]
		}
	}
	lines := strings.Split(string(acc), "\n")
	for lineIdx := range lines {
		line := extraWhiteSpace.ReplaceAllString(lines[lineIdx], " ")
		lines[lineIdx] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}
