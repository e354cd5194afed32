package speech

import (
	"regexp"
	"strings"
)

var whitespacePattern = regexp.MustCompile(`\s+`)

var dashReplacer = strings.NewReplacer(
	"—", "-",
	"–", "-",
	"‒", "-",
	"“", `"`, "”", `"`,
	"‘", "'", "’", "'",
)

// NormalizeText prepares a script for rendering. Runs of whitespace and line
// breaks collapse to one space and typographic dashes and quotes become their
// ASCII forms. Every word of the script is kept.
func NormalizeText(text string) string {
	if text == "" {
		return text
	}

	text = whitespacePattern.ReplaceAllString(text, " ")
	text = dashReplacer.Replace(text)

	return strings.TrimSpace(text)
}
