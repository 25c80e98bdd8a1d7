package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/Fimeg/Coquette-sub001/internal/availability"
)

// APIError is a non-2xx response from a provider endpoint.
type APIError struct {
	Provider string
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// ClassifyError maps a request failure to the availability reason that
// decides the provider's cooldown. Deadline and network timeouts get the
// short cooldown; everything else counts as a hard error.
func ClassifyError(err error) availability.Reason {
	if errors.Is(err, context.DeadlineExceeded) {
		return availability.ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return availability.ReasonTimeout
	}
	return availability.ReasonError
}

// errorSkipElements are HTML elements excluded from flattened error pages.
var errorSkipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Head:     true,
}

// errorText reduces an error body to something worth logging. Reverse
// proxies and cloud gateways answer with HTML error pages; those are
// flattened to their visible text. JSON and plain-text bodies pass
// through unchanged.
func errorText(body string) string {
	lower := strings.ToLower(body)
	if !strings.Contains(lower, "<html") && !strings.Contains(lower, "<!doctype") {
		return body
	}

	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return body
	}

	var b strings.Builder
	flattenText(doc, &b)

	text := strings.Join(strings.Fields(b.String()), " ")
	if text == "" {
		return body
	}
	return text
}

// flattenText recursively collects visible text from the DOM.
func flattenText(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode && errorSkipElements[n.DataAtom] {
		return
	}
	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			w.WriteString(text)
			w.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		flattenText(c, w)
	}
}
