// Package extract pulls JSON object literals out of free-form model
// output, tolerating prose, code fences, and malformed fragments.
// Extraction never fails: the result is an ordered, possibly empty list
// of strings, each of which independently parses as valid JSON.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// catchAllPatterns close out the regex fallback: first objects with one
// level of nesting, then flat objects. They run after any discriminator
// patterns and only when the brace scan found nothing.
var catchAllPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)\{(?:[^{}]|\{[^{}]*\})*\}`),
	regexp.MustCompile(`\{[^{}]*\}`),
}

// Extractor scans text for JSON objects. Discriminator fields named at
// construction order the regex fallback toward objects that carry them,
// so a truncated reply still surfaces the object the caller wants.
type Extractor struct {
	patterns []*regexp.Regexp
}

// New builds an Extractor. Each discriminator adds a fallback pattern
// matching flat objects that contain that field, tried before the
// catch-all patterns in the order given.
func New(discriminators ...string) *Extractor {
	e := &Extractor{}
	for _, field := range discriminators {
		e.patterns = append(e.patterns,
			regexp.MustCompile(`(?s)\{[^{}]*"`+regexp.QuoteMeta(field)+`"[^{}]*\}`))
	}
	e.patterns = append(e.patterns, catchAllPatterns...)
	return e
}

// Objects returns every valid JSON object literal in text, in
// appearance order. The balanced-brace scan is authoritative; the regex
// fallback runs only when the scan finds nothing at all.
func (e *Extractor) Objects(text string) []string {
	if text == "" {
		return nil
	}

	cleaned := stripFences(text)
	if objs := scanObjects(cleaned); len(objs) > 0 {
		return objs
	}
	return e.fallback(cleaned)
}

// stripFences removes markdown code-fence markers so fenced JSON is
// scanned like any other text. Only lines that open with a fence are
// touched; backticks inside JSON string literals survive.
func stripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		t := strings.TrimSpace(line)
		if !strings.HasPrefix(t, "```") {
			continue
		}
		t = strings.TrimPrefix(t, "```")
		t = strings.TrimLeft(t, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		t = strings.TrimSpace(t)
		t = strings.TrimSuffix(t, "```")
		lines[i] = strings.TrimSpace(t)
	}
	return strings.Join(lines, "\n")
}

// scanObjects walks the text left to right collecting every balanced,
// outermost {...} span that parses as JSON. Braces inside string
// literals are ignored via quote and escape tracking. Candidates that
// fail to parse are discarded and the scan resumes past them.
func scanObjects(text string) []string {
	var out []string

	start := -1
	depth := 0
	inString := false
	escape := false

	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
				inString = false
				escape = false
			}
			continue
		}
		if inString {
			if escape {
				escape = false
				continue
			}
			switch r {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				if candidate := text[start : i+1]; json.Valid([]byte(candidate)) {
					out = append(out, candidate)
				}
				start = -1
			}
		}
	}
	return out
}

// fallback tries each pattern in order, keeping only matches that parse
// as valid JSON, and stops at the first pattern producing any.
func (e *Extractor) fallback(text string) []string {
	for _, re := range e.patterns {
		var out []string
		for _, m := range re.FindAllString(text, -1) {
			if json.Valid([]byte(m)) {
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}
