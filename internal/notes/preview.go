package notes

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/gomarkdown/markdown"
	mdhtml "github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

// MaxTitleRunes bounds Title output.
const MaxTitleRunes = 100

var titlePolicy = bluemonday.StrictPolicy()

// Title returns the first non-empty line of text as plain text, with
// markdown markup removed, truncated to MaxTitleRunes.
func Title(text string) string {
	line := firstNonEmptyLine(text)
	if line == "" {
		return ""
	}

	p := parser.NewWithExtensions(parser.CommonExtensions)
	renderer := mdhtml.NewRenderer(mdhtml.RendererOptions{Flags: mdhtml.SkipHTML})
	rendered := markdown.ToHTML([]byte(line), p, renderer)

	plain := html.UnescapeString(titlePolicy.Sanitize(string(rendered)))
	plain = strings.Join(strings.Fields(plain), " ")
	if plain == "" {
		plain = strings.TrimSpace(line)
	}
	return truncateRunes(plain, MaxTitleRunes)
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// ContentPreview returns the first maxLines lines of content, appending "..." on a new line if truncated.
// If content has maxLines or fewer lines, returns content unchanged.
func ContentPreview(content string, maxLines int) string {
	if content == "" || maxLines <= 0 {
		return content
	}

	pos := 0
	found := 0
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			found++
			if found == maxLines {
				pos = i
				break
			}
		}
	}

	if found < maxLines {
		return content
	}
	return content[:pos] + "\n..."
}

// CountLines returns the number of lines in content.
// An empty string has 0 lines.
func CountLines(content string) int {
	if content == "" {
		return 0
	}
	return strings.Count(content, "\n") + 1
}
