// Package sanitize strips markup from search highlights so that only
// emphasis tags reach clients.
package sanitize

import (
	"regexp"
	"strings"
)

var tagPattern = regexp.MustCompile(`</?([a-zA-Z0-9]+)(?:\s[^>]*)?>`)

// Highlight keeps <em> and </em> (any case, attributes dropped) and
// deletes every other tag. Text between tags is left untouched.
func Highlight(fragment string) string {
	return tagPattern.ReplaceAllStringFunc(fragment, func(tag string) string {
		m := tagPattern.FindStringSubmatch(tag)
		if len(m) < 2 || !strings.EqualFold(m[1], "em") {
			return ""
		}
		if strings.HasPrefix(tag, "</") {
			return "</em>"
		}
		return "<em>"
	})
}

// HighlightFields sanitizes every fragment of a highlight map. A nil or
// empty map is returned as nil.
func HighlightFields(fields map[string][]string) map[string][]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string][]string, len(fields))
	for field, fragments := range fields {
		clean := make([]string, len(fragments))
		for i, f := range fragments {
			clean[i] = Highlight(f)
		}
		out[field] = clean
	}
	return out
}
