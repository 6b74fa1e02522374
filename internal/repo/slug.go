package repo

import (
	"regexp"
	"strings"
)

const maxSlugLength = 60

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts text into a branch-safe slug: lowercase, hyphens between
// runs of alphanumerics, at most 60 characters. Empty input yields "task".
func Slugify(text string) string {
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(text), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		return "task"
	}
	return slug
}
