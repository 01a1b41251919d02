package generator

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"
	"unicode"

	"autopress/internal/article"
	"autopress/internal/model"
	logx "autopress/pkg/logx"
)

//go:embed default.tmpl
var defaultTemplate string

// Template renders articles from a text/template file that defines the
// "title", "body" and optionally "excerpt" templates.
type Template struct {
	tmpl *template.Template
	log  logx.Logger
	now  clock
}

type templateData struct {
	Project model.Project
	Keyword string
	Index   int
	Related []string
	Date    time.Time
}

var funcs = template.FuncMap{
	"title": titleCase,
	"inc":   func(i int) int { return i + 1 },
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
}

// NewTemplate parses the template at path, or the built-in template when
// path is empty.
func NewTemplate(path string, log logx.Logger) (*Template, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	src := defaultTemplate
	if p := strings.TrimSpace(path); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read template: %w", err)
		}
		src = string(b)
	}
	t, err := template.New("article").Funcs(funcs).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	for _, name := range []string{"title", "body"} {
		if t.Lookup(name) == nil {
			return nil, fmt.Errorf("template must define %q", name)
		}
	}
	return &Template{tmpl: t, log: log.With(logx.Comp("generator")), now: time.Now}, nil
}

func (g *Template) Generate(ctx context.Context, p model.Project, keyword string) (model.Content, error) {
	if err := ctx.Err(); err != nil {
		return model.Content{}, err
	}
	data := templateData{
		Project: p,
		Keyword: keyword,
		Index:   p.CompletedCount,
		Related: related(p.Keywords, keyword),
		Date:    g.now(),
	}

	title, err := g.render("title", data)
	if err != nil {
		return model.Content{}, err
	}
	body, err := g.render("body", data)
	if err != nil {
		return model.Content{}, err
	}
	var excerpt string
	if g.tmpl.Lookup("excerpt") != nil {
		if excerpt, err = g.render("excerpt", data); err != nil {
			return model.Content{}, err
		}
	}

	a := article.Article{
		Meta: article.Meta{
			Title:        title,
			Keyword:      keyword,
			ProjectID:    p.ID,
			ContentIndex: p.CompletedCount,
			Excerpt:      excerpt,
			Tags:         []string{keyword},
			CreatedAt:    data.Date,
		},
		Body: body,
	}
	path, err := article.WriteFile(p.OutputDirectory, a)
	if err != nil {
		return model.Content{}, fmt.Errorf("write article: %w", err)
	}
	g.log.Debug("article rendered", logx.String("project", p.ID), logx.Int("index", p.CompletedCount), logx.String("file", path))
	return model.Content{Title: title, Body: a.Body, FilePath: path}, nil
}

func (g *Template) render(name string, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := g.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func related(keywords []string, current string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k != current {
			out = append(out, k)
		}
	}
	return out
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
