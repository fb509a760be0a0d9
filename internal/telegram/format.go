package telegram

import (
	"html"
	"regexp"
	"strings"
	"unicode"
)

// MaxMessageLength is the longest text Telegram accepts in one message.
const MaxMessageLength = 4096

var (
	lineBreakTag = regexp.MustCompile(`(?i)<br\s*/?>`)
	anyTag       = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
	blankLines   = regexp.MustCompile(`\n\s*\n(\s*\n)+`)
)

// FormatReply prepares model output for Telegram's HTML parse mode: <br>
// tags become newlines and runs of blank lines collapse to one.
func FormatReply(text string) string {
	text = lineBreakTag.ReplaceAllString(text, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// PlainText strips markup for the plain text retry when Telegram rejects
// the HTML.
func PlainText(text string) string {
	text = lineBreakTag.ReplaceAllString(text, "\n")
	text = anyTag.ReplaceAllString(text, "")
	return strings.TrimSpace(html.UnescapeString(text))
}

// SplitMessage cuts text into parts of at most limit runes, preferring
// paragraph breaks, then line breaks, then sentence ends, then spaces.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var parts []string
	for len(runes) > limit {
		cut := splitPoint(runes[:limit])
		part := strings.TrimSpace(string(runes[:cut]))
		if part != "" {
			parts = append(parts, part)
		}
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

// splitPoint returns where to end a part within window.  Breaks in the first
// half of the window are ignored so parts don't get too small.
func splitPoint(window []rune) int {
	s := string(window)
	half := len(s) / 2

	if i := strings.LastIndex(s, "\n\n"); i > half {
		return len([]rune(s[:i]))
	}
	if i := strings.LastIndex(s, "\n"); i > half {
		return len([]rune(s[:i]))
	}
	best := -1
	for _, end := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(s, end); i > best {
			best = i
		}
	}
	if best > half {
		return len([]rune(s[:best+1]))
	}
	if i := strings.LastIndexFunc(s, unicode.IsSpace); i > half {
		return len([]rune(s[:i]))
	}
	return len(window)
}
