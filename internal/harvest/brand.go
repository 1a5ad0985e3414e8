package harvest

import "strings"

// NormalizeBrand lowercases and trims name, joins words with '-' and drops
// apostrophes, producing the slug sources use in collection URLs.
func NormalizeBrand(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Join(strings.Fields(slug), "-")
	return strings.ReplaceAll(slug, "'", "")
}

// BrandMatches reports whether a stored brand label loosely matches a work
// unit: case-insensitive containment in either direction.
func BrandMatches(stored, wanted string) bool {
	s := strings.ToLower(strings.TrimSpace(stored))
	w := strings.ToLower(strings.TrimSpace(wanted))
	if s == "" || w == "" {
		return false
	}
	return strings.Contains(s, w) || strings.Contains(w, s)
}
