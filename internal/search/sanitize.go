package search

import (
	"html"
	"strings"

	"github.com/crothmeier/search/internal/store"
)

var markRestorer = strings.NewReplacer(
	html.EscapeString(store.MarkOpen), store.MarkOpen,
	html.EscapeString(store.MarkClose), store.MarkClose,
)

// sanitizeSnippet HTML-escapes a snippet while keeping the highlight
// markers emitted by the match engine intact. Any markup that came from
// message content itself stays escaped.
func sanitizeSnippet(s string) string {
	return markRestorer.Replace(html.EscapeString(s))
}

// sanitizeText HTML-escapes arbitrary stored text for embedding.
func sanitizeText(s string) string {
	return html.EscapeString(s)
}
