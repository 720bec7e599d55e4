// Package parser extracts page metadata (front matter, title, tags) from a notebook.
package parser

import (
	"bytes"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/starford/nbfolio/internal/notebook"
)

var tagRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

// Result holds the metadata derived from a notebook.
type Result struct {
	Frontmatter map[string]any
	// FrontmatterCell is the index of the raw cell holding the front matter, or -1.
	FrontmatterCell int
	Title           string
	Description     string
	Tags            []string
}

// Parse reads the front matter from the first raw cell, if any, and derives
// title, description and tags.
func Parse(nb *notebook.Notebook) *Result {
	res := &Result{FrontmatterCell: -1}

	for i, c := range nb.Cells {
		if c.Type() != notebook.CellRaw {
			continue
		}
		if fm, ok := splitFrontmatter([]byte(c.Source())); ok {
			res.Frontmatter = fm
			res.FrontmatterCell = i
		}
		break
	}

	var markdown []string
	for _, c := range nb.Cells {
		if c.Type() == notebook.CellMarkdown {
			markdown = append(markdown, c.Source())
		}
	}
	body := strings.Join(markdown, "\n")

	res.Title = deriveTitle(res.Frontmatter, body)
	res.Description = stringField(res.Frontmatter, "description")
	res.Tags = extractTags(body, res.Frontmatter)
	return res
}

// splitFrontmatter parses a YAML block fenced by --- lines. Invalid YAML or a
// missing closing fence means the cell is not front matter.
func splitFrontmatter(data []byte) (map[string]any, bool) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, false
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, false
	}

	var fm map[string]any
	if err := yaml.Unmarshal(rest[:idx], &fm); err != nil {
		return nil, false
	}
	if fm == nil {
		fm = map[string]any{}
	}
	return fm, true
}

// extractTags collects tags from the front matter "tags" and "categories"
// fields, then inline #tags from markdown.
func extractTags(body string, fm map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		if _, dup := seen[s]; dup {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}

	for _, key := range []string{"tags", "categories"} {
		switch v := fm[key].(type) {
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case string:
			for _, s := range strings.Split(v, ",") {
				add(s)
			}
		}
	}

	for _, m := range tagRe.FindAllStringSubmatch(body, -1) {
		add(m[1])
	}
	return out
}

// deriveTitle returns the front matter "title" if present, otherwise the
// first H1 heading, otherwise empty string.
func deriveTitle(fm map[string]any, body string) string {
	if s := stringField(fm, "title"); s != "" {
		return s
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}

func stringField(fm map[string]any, key string) string {
	s, _ := fm[key].(string)
	return strings.TrimSpace(s)
}
