package notify

import (
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
)

// DefaultPreviewLength is the rune budget of a notification body.
const DefaultPreviewLength = 140

// Preview turns a message body into a short markdown preview. Rich-text
// bodies are converted from HTML; plain text passes through.
func Preview(body string, max int) string {
	if max <= 0 {
		max = DefaultPreviewLength
	}
	text := body
	if looksLikeHTML(body) {
		if md, err := htmltomarkdown.ConvertString(body); err == nil {
			text = md
		}
	}
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

func looksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}
