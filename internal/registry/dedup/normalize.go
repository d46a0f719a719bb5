package dedup

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

var (
	// Everything except letters, digits, marks, underscore, whitespace and dash.
	punctuationPattern = regexp.MustCompile(`[^\p{L}\p{N}\p{M}_\s\p{Z}-]+`)
	separatorPattern   = regexp.MustCompile(`[-_]+`)
	doiPattern         = regexp.MustCompile(`^10\.\d{4,9}/\S+$`)
	contentHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi:",
}

// NormalizeTitle folds a title to the form used for composite and fuzzy
// matching: lowercase, accents removed, punctuation stripped, dashes and
// underscores turned into spaces, whitespace collapsed.
func NormalizeTitle(title string) string {
	if title == "" {
		return ""
	}
	decomposed := norm.NFD.String(strings.ToLower(title))
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	folded := punctuationPattern.ReplaceAllString(b.String(), "")
	folded = separatorPattern.ReplaceAllString(folded, " ")
	return strings.Join(strings.Fields(folded), " ")
}

// NormalizeDOI strips resolver prefixes and lowercases. Empty input stays empty.
func NormalizeDOI(doi string) string {
	d := strings.ToLower(strings.TrimSpace(doi))
	for _, prefix := range doiPrefixes {
		if rest, ok := strings.CutPrefix(d, prefix); ok {
			d = rest
			break
		}
	}
	return strings.TrimSpace(d)
}

// ValidDOI reports whether a normalized DOI has the 10.<registrant>/<suffix> shape.
func ValidDOI(doi string) bool {
	return doiPattern.MatchString(doi)
}

// NormalizeContentHash trims and lowercases a SHA-256 hex digest.
func NormalizeContentHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// ValidContentHash reports whether a normalized hash is 64 hex characters.
func ValidContentHash(hash string) bool {
	return contentHashPattern.MatchString(hash)
}
