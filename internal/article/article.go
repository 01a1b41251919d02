// Package article is the on-disk format shared by the content generators and
// the WordPress publisher: a Markdown body behind a YAML front matter block.
//
//	---
//	title: Growing tomatoes on a balcony
//	keyword: tomatoes
//	project_id: 3c1f...
//	content_index: 4
//	created_at: 2026-05-01T08:00:00Z
//	---
//
//	Body in Markdown.
package article

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

const delimiter = "---"

var ErrNoFrontMatter = errors.New("article has no front matter")

type Meta struct {
	Title        string    `yaml:"title"`
	Keyword      string    `yaml:"keyword,omitempty"`
	ProjectID    string    `yaml:"project_id,omitempty"`
	ContentIndex int       `yaml:"content_index"`
	Excerpt      string    `yaml:"excerpt,omitempty"`
	Tags         []string  `yaml:"tags,omitempty"`
	CreatedAt    time.Time `yaml:"created_at"`
}

type Article struct {
	Meta Meta
	Body string
}

func (a Article) Marshal() ([]byte, error) {
	fm, err := yaml.Marshal(a.Meta)
	if err != nil {
		return nil, fmt.Errorf("marshal front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(delimiter + "\n")
	buf.Write(fm)
	buf.WriteString(delimiter + "\n\n")
	buf.WriteString(strings.TrimSpace(a.Body))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

func Parse(b []byte) (Article, error) {
	s := strings.ReplaceAll(string(b), "\r\n", "\n")
	if !strings.HasPrefix(s, delimiter+"\n") {
		return Article{}, ErrNoFrontMatter
	}
	rest := s[len(delimiter)+1:]
	end := strings.Index(rest, "\n"+delimiter+"\n")
	var fm, body string
	switch {
	case end >= 0:
		fm, body = rest[:end], rest[end+len(delimiter)+2:]
	case strings.HasSuffix(rest, "\n"+delimiter):
		fm = strings.TrimSuffix(rest, "\n"+delimiter)
	default:
		return Article{}, fmt.Errorf("unterminated front matter: %w", ErrNoFrontMatter)
	}
	var a Article
	if err := yaml.Unmarshal([]byte(fm), &a.Meta); err != nil {
		return Article{}, fmt.Errorf("decode front matter: %w", err)
	}
	a.Body = strings.TrimSpace(body)
	return a, nil
}

func ReadFile(path string) (Article, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Article{}, err
	}
	a, err := Parse(b)
	if err != nil {
		return Article{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return a, nil
}

// WriteFile stores the article in dir and returns its path. The file is
// written under a temporary name and renamed into place.
func WriteFile(dir string, a Article) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	b, err := a.Marshal()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName(a.Meta))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, nil
}

// FileName is "<index>-<slug>.md" with a zero-padded index so that a plain
// name sort follows generation order.
func FileName(m Meta) string {
	name := m.Title
	if strings.TrimSpace(name) == "" {
		name = m.Keyword
	}
	return fmt.Sprintf("%04d-%s.md", m.ContentIndex, Slug(name))
}

var (
	reNonSlug = regexp.MustCompile(`[^a-z0-9]+`)
	reDashes  = regexp.MustCompile(`-+`)
)

const maxSlug = 50

func Slug(s string) string {
	slug := strings.ToLower(strings.TrimSpace(s))
	slug = reNonSlug.ReplaceAllString(slug, "-")
	slug = reDashes.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlug {
		slug = strings.Trim(slug[:maxSlug], "-")
	}
	if slug == "" {
		return "article"
	}
	return slug
}
