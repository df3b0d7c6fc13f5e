// Package autorun detects linked documents that ask to run at session
// start. A document opts in through YAML frontmatter (autorun: true); the
// first such document's body becomes the turn's system reminder when the
// session is fresh and the caller supplied none.
package autorun

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// maxDocBytes bounds how much of a linked document is read (1MB).
const maxDocBytes = 1 << 20

type frontMatter struct {
	Autorun bool `yaml:"autorun"`
}

// Doc is a parsed autorun document.
type Doc struct {
	Path string
	Body string
}

// FirstAutorun scans linked document paths in order and returns the first
// one with frontmatter autorun: true. Unreadable or malformed documents are
// skipped; (nil, nil) means no autorun document exists.
func FirstAutorun(paths []string) (*Doc, error) {
	for _, p := range paths {
		doc, err := parse(p)
		if err != nil {
			continue
		}
		if doc != nil {
			return doc, nil
		}
	}
	return nil, nil
}

// Reminder returns the system-reminder text for a turn: the autorun body
// when the session is fresh and no explicit reminder was given, otherwise
// the explicit reminder unchanged.
func Reminder(explicit, resumeToken string, paths []string) string {
	if explicit != "" || resumeToken != "" {
		return explicit
	}
	doc, err := FirstAutorun(paths)
	if err != nil || doc == nil {
		return ""
	}
	return doc.Body
}

func parse(path string) (*Doc, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxDocBytes {
		return nil, fmt.Errorf("autorun doc %s too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")

	metaText, bodyText, ok := splitFrontMatter(content)
	if !ok {
		return nil, nil
	}
	var meta frontMatter
	if err := yaml.Unmarshal([]byte(metaText), &meta); err != nil {
		return nil, fmt.Errorf("parse frontmatter %s: %w", path, err)
	}
	if !meta.Autorun {
		return nil, nil
	}
	return &Doc{Path: path, Body: strings.TrimSpace(bodyText)}, nil
}

// splitFrontMatter cuts a leading --- delimited block off the document.
func splitFrontMatter(content string) (meta, body string, ok bool) {
	lines := strings.Split(content, "\n")
	if len(lines) < 3 || strings.TrimSpace(lines[0]) != "---" {
		return "", content, false
	}
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", content, false
}
