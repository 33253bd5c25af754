// Package sanitize cleans user-supplied text before it is stored. Library
// records are plain text, so every tag is stripped rather than filtered.
package sanitize

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	policy     *bluemonday.Policy
	policyOnce sync.Once
)

func getPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		policy = bluemonday.StrictPolicy()
	})
	return policy
}

// Text strips all markup from input and collapses runs of whitespace, so
// "<b>Dune</b>\n  Messiah" becomes "Dune Messiah". Entities are decoded
// because the result is plain text, not HTML.
func Text(input string) string {
	if input == "" {
		return ""
	}
	stripped := html.UnescapeString(getPolicy().Sanitize(input))
	return strings.Join(strings.Fields(stripped), " ")
}
