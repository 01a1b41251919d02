package generator

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"

	"autopress/internal/article"
	"autopress/internal/config"
	"autopress/internal/model"
	logx "autopress/pkg/logx"
)

//go:embed llm-system-prompt.md
var llmSystemPrompt string

//go:embed llm-output-schema.json
var llmOutputSchema string

// promptFunc sends one structured prompt and returns the first text block.
type promptFunc func(system, user, schema, apiKey string, settings types.RequestSettings) (string, error)

// LLM writes articles with an Anthropic model through llmkit. The model
// answers with JSON matching llm-output-schema.json.
type LLM struct {
	cfg    config.LLMConfig
	apiKey string
	prompt promptFunc
	log    logx.Logger
	now    clock
}

type llmArticle struct {
	Title   string   `json:"title"`
	Excerpt string   `json:"excerpt"`
	Tags    []string `json:"tags"`
	Body    string   `json:"body"`
}

func NewLLM(cfg config.LLMConfig, log logx.Logger) (*LLM, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("llm model is required")
	}
	key := cfg.APIKey()
	if key == "" {
		return nil, fmt.Errorf("llm api key missing (set %s)", apiKeyEnv(cfg))
	}
	return &LLM{cfg: cfg, apiKey: key, prompt: anthropicPrompt, log: log.With(logx.Comp("generator")), now: time.Now}, nil
}

func apiKeyEnv(cfg config.LLMConfig) string {
	if env := strings.TrimSpace(cfg.APIKeyEnv); env != "" {
		return env
	}
	return config.DefaultAPIKeyEnv
}

func anthropicPrompt(system, user, schema, apiKey string, settings types.RequestSettings) (string, error) {
	resp, err := anthropic.PromptWithSettings(system, user, schema, apiKey, settings)
	if err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", errors.New("no content in response")
	}
	return resp.Content[0].Text, nil
}

func (g *LLM) Generate(ctx context.Context, p model.Project, keyword string) (model.Content, error) {
	settings := types.RequestSettings{
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	}
	user := userPrompt(p, keyword)

	type result struct {
		text string
		err  error
	}
	// llmkit has no context support; abandon the call on cancellation.
	ch := make(chan result, 1)
	start := time.Now()
	go func() {
		text, err := g.prompt(llmSystemPrompt, user, llmOutputSchema, g.apiKey, settings)
		ch <- result{text: text, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return model.Content{}, ctx.Err()
	case res = <-ch:
	}
	if res.err != nil {
		return model.Content{}, fmt.Errorf("llm prompt: %w", res.err)
	}

	var out llmArticle
	if err := json.Unmarshal([]byte(res.text), &out); err != nil {
		return model.Content{}, fmt.Errorf("decode llm response: %w", err)
	}
	out.Title = strings.TrimSpace(out.Title)
	if out.Title == "" || strings.TrimSpace(out.Body) == "" {
		return model.Content{}, errors.New("llm response is missing title or body")
	}

	a := article.Article{
		Meta: article.Meta{
			Title:        out.Title,
			Keyword:      keyword,
			ProjectID:    p.ID,
			ContentIndex: p.CompletedCount,
			Excerpt:      strings.TrimSpace(out.Excerpt),
			Tags:         out.Tags,
			CreatedAt:    g.now(),
		},
		Body: out.Body,
	}
	path, err := article.WriteFile(p.OutputDirectory, a)
	if err != nil {
		return model.Content{}, fmt.Errorf("write article: %w", err)
	}
	g.log.Info("article written",
		logx.String("project", p.ID), logx.Int("index", p.CompletedCount),
		logx.String("model", g.cfg.Model), logx.Duration("took", time.Since(start)), logx.String("file", path))
	return model.Content{Title: out.Title, Body: a.Body, FilePath: path}, nil
}

func userPrompt(p model.Project, keyword string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<project>\n  <name>%s</name>\n", p.Name)
	if d := strings.TrimSpace(p.Description); d != "" {
		fmt.Fprintf(&b, "  <description>%s</description>\n", d)
	}
	fmt.Fprintf(&b, "  <series>part %d of %d</series>\n</project>\n", p.CompletedCount+1, p.TargetCount)
	fmt.Fprintf(&b, "<keyword>%s</keyword>\n", keyword)
	if rel := related(p.Keywords, keyword); len(rel) > 0 {
		fmt.Fprintf(&b, "<related_keywords>%s</related_keywords>\n", strings.Join(rel, ", "))
	}
	b.WriteString("Write the article now.")
	return b.String()
}
