package extractor

import (
	"regexp"
	"strings"
)

// Octets are not range-checked: 999.1.1.1 is accepted as an address.
var ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

var cvePattern = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,}\b`)

var domainPattern = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)

// Capitalized words directly followed by a word that names a group.
var actorPhrasePattern = regexp.MustCompile(`\b(?:[A-Z][A-Za-z0-9]+\s+){1,3}(?:Group|Team|Bear|Panda|Kitten|Spider|Chollima|Typhoon|Blizzard|Sleet|Tempest|Gang|Crew)\b`)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".svg", ".webp", ".ico", ".tif", ".tiff"}

// isPlausibleDomain rejects the common false positives of the domain pattern.
func isPlausibleDomain(s string) bool {
	if len(s) < 4 || !strings.Contains(s, ".") {
		return false
	}
	lower := strings.ToLower(s)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return false
		}
	}
	return true
}
