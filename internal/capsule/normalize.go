package capsule

import (
	"regexp"
	"strings"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// NormalizeID trims an identifier and collapses internal whitespace.
// Case is preserved: user ids are opaque.
func NormalizeID(s string) string {
	s = strings.TrimSpace(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// NormalizeRecipients normalizes each recipient id, drops empties, and removes
// duplicates while keeping first-seen order.
func NormalizeRecipients(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		id = NormalizeID(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}
	return result
}
