// Package importer turns report files (Markdown with optional YAML
// frontmatter, or plain text) into documents ready for ingestion.
package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is one parsed report.
type Document struct {
	// Title comes from frontmatter, the first H1 heading, or the file name.
	Title string `json:"title"`

	// SourceID is the provenance id recorded on every entity the report
	// contributes. Frontmatter "source_id" or "source", else the file name.
	SourceID string `json:"source_id"`

	// Body is the report text with frontmatter removed and [[links]]
	// flattened to their display text.
	Body string `json:"body"`

	// Tags merges frontmatter tags and inline #hashtags.
	Tags []string `json:"tags,omitempty"`

	// Mentions are [[link]] targets; analysts use them to tag known entities.
	Mentions []string `json:"mentions,omitempty"`

	// Analyst is the frontmatter "analyst" or "author", if any.
	Analyst string `json:"analyst,omitempty"`

	// Date is the frontmatter publication date, or zero.
	Date time.Time `json:"date,omitempty"`

	// Frontmatter holds the raw YAML keys.
	Frontmatter map[string]interface{} `json:"-"`
}

// ParseReport parses content read from path. path only feeds the title and
// source id fallbacks and may be empty.
func ParseReport(content []byte, path string) (*Document, error) {
	fm, body, err := splitFrontmatter(string(content))
	if err != nil {
		return nil, fmt.Errorf("frontmatter parse error in %s: %w", displayPath(path), err)
	}

	doc := &Document{
		Title:       extractString(fm, "title"),
		SourceID:    firstNonEmpty(extractString(fm, "source_id"), extractString(fm, "source")),
		Tags:        mergeTags(extractTags(fm), extractInlineTags(body)),
		Mentions:    extractMentions(body),
		Analyst:     firstNonEmpty(extractString(fm, "analyst"), extractString(fm, "author")),
		Date:        extractTimestamp(fm),
		Body:        strings.TrimSpace(flattenLinks(body)),
		Frontmatter: fm,
	}
	if doc.Title == "" {
		doc.Title = firstNonEmpty(extractH1(body), titleFromPath(path))
	}
	if doc.SourceID == "" {
		doc.SourceID = sourceFromPath(path)
	}
	return doc, nil
}

// IsReportFile reports whether name has an extension the importer reads.
func IsReportFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the body. Returns an empty map and the full text when there is none.
func splitFrontmatter(text string) (map[string]interface{}, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, "", err
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]interface{}{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		// Unterminated: the whole file is body.
		return map[string]interface{}{}, text, nil
	}

	fm := make(map[string]interface{})
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:closeIdx], "\n")), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}
	if fm == nil {
		fm = map[string]interface{}{}
	}
	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

func displayPath(path string) string {
	if path == "" {
		return "input"
	}
	return path
}

// titleFromPath derives a readable title from the file name.
func titleFromPath(path string) string {
	if path == "" || path == "-" {
		return ""
	}
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	return strings.TrimSpace(name)
}

func sourceFromPath(path string) string {
	if path == "" || path == "-" {
		return ""
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// extractH1 returns the text of the first ATX level-one heading.
func extractH1(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// extractTags reads tags from frontmatter in list or comma-string form.
func extractTags(fm map[string]interface{}) []string {
	var tags []string
	switch v := fm["tags"].(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				tags = append(tags, strings.TrimSpace(s))
			}
		}
	case string:
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
	}
	return tags
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// extractTimestamp reads the first recognizable date key.
func extractTimestamp(fm map[string]interface{}) time.Time {
	for _, key := range []string{"date", "published", "created"} {
		raw, ok := fm[key]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case time.Time:
			return v.UTC()
		case string:
			for _, layout := range dateLayouts {
				if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
					return t.UTC()
				}
			}
		}
	}
	return time.Time{}
}

func extractString(fm map[string]interface{}, key string) string {
	switch v := fm[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case int, int64, float64:
		return fmt.Sprint(v)
	}
	return ""
}

// inlineTagRe matches #hashtags. Markdown headings need a space after the
// hash so they never match.
var inlineTagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

func extractInlineTags(body string) []string {
	var tags []string
	for _, m := range inlineTagRe.FindAllStringSubmatch(body, -1) {
		tags = append(tags, m[1])
	}
	return tags
}

// mergeTags concatenates tag lists, deduplicating case-insensitively.
func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tag := range append(a, b...) {
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			out = append(out, tag)
		}
	}
	return out
}

// linkRe matches [[target]] and [[target|display]].
var linkRe = regexp.MustCompile(`\[\[([^\[\]|]+?)(?:\|([^\[\]]+?))?\]\]`)

// extractMentions returns unique [[link]] targets in order of appearance.
func extractMentions(body string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range linkRe.FindAllStringSubmatch(body, -1) {
		target := strings.TrimSpace(m[1])
		key := strings.ToLower(target)
		if target == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, target)
	}
	return out
}

// flattenLinks replaces [[target|display]] with display, else target.
func flattenLinks(body string) string {
	return linkRe.ReplaceAllStringFunc(body, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		if d := strings.TrimSpace(parts[2]); d != "" {
			return d
		}
		return strings.TrimSpace(parts[1])
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
