package ui

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Default truncation settings for entity field display
const (
	DefaultMaxLines     = 15  // max lines before long text is folded
	DefaultContextLines = 5   // lines kept at each end when folding
	DefaultMaxChars     = 500 // max chars for inline values
)

// TruncateLines folds text longer than maxLines, keeping contextLines at
// the beginning and end with a hidden-line marker in the middle. Text at
// or under the limit is returned unchanged.
func TruncateLines(text string, maxLines, contextLines int) string {
	if text == "" {
		return text
	}
	lines := strings.Split(text, "\n")
	total := len(lines)
	if total <= maxLines {
		return text
	}
	if contextLines < 1 {
		contextLines = DefaultContextLines
	}
	// Too small for a folded view; hard cut instead.
	if maxLines < contextLines*2+3 {
		return strings.Join(lines[:maxLines], "\n") + "\n..."
	}

	hidden := total - contextLines*2
	var b strings.Builder
	b.WriteString(strings.Join(lines[:contextLines], "\n"))
	b.WriteString("\n")
	b.WriteString(RenderMuted("... [" + strconv.Itoa(hidden) + " lines hidden] ..."))
	b.WriteString("\n")
	b.WriteString(strings.Join(lines[total-contextLines:], "\n"))
	return b.String()
}

// TruncateSimple performs end truncation with a "..." suffix. UTF-8 safe.
func TruncateSimple(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	if maxLen <= 3 {
		return "..."
	}
	runes := []rune(text)
	return string(runes[:maxLen-3]) + "..."
}

// WrapText wraps text at word boundaries to fit within maxWidth,
// preserving existing line breaks.
func WrapText(text string, maxWidth int) string {
	if maxWidth <= 0 {
		maxWidth = 80
	}
	var b strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(wrapLine(line, maxWidth))
	}
	return b.String()
}

func wrapLine(line string, maxWidth int) string {
	if utf8.RuneCountInString(line) <= maxWidth {
		return line
	}
	var b strings.Builder
	width := 0
	for _, word := range strings.Fields(line) {
		wl := utf8.RuneCountInString(word)
		if width == 0 {
			// First word on a line always lands, even oversized.
			b.WriteString(word)
			width = wl
			continue
		}
		if width+1+wl > maxWidth {
			b.WriteString("\n")
			b.WriteString(word)
			width = wl
			continue
		}
		b.WriteString(" ")
		b.WriteString(word)
		width += 1 + wl
	}
	return b.String()
}
