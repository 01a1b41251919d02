// Package wordpress publishes article files to WordPress through the REST
// API (/wp-json/wp/v2/posts) using application-password basic auth.
package wordpress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"golang.org/x/time/rate"

	"autopress/internal/article"
	"autopress/internal/config"
	"autopress/internal/model"
	logx "autopress/pkg/logx"
)

const (
	postsPath      = "/wp-json/wp/v2/posts"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 512
)

// Publisher implements the engine's publisher port.
//
// Publish returns (false, nil) when WordPress rejects the credentials or
// permissions (401/403) and an error for every other failure.
type Publisher struct {
	client *http.Client
	md     goldmark.Markdown
	log    logx.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

type Option func(*Publisher)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Publisher) {
		if c != nil {
			p.client = c
		}
	}
}

func New(log logx.Logger, opts ...Option) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Publisher{
		client:   &http.Client{Timeout: defaultTimeout},
		md:       goldmark.New(goldmark.WithExtensions(extension.GFM)),
		log:      log.With(logx.Comp("wordpress")),
		limiters: map[string]*rate.Limiter{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

type postRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Excerpt string `json:"excerpt,omitempty"`
	Status  string `json:"status"`
	Slug    string `json:"slug,omitempty"`
}

type postResponse struct {
	ID   int    `json:"id"`
	Link string `json:"link"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusError is an unexpected HTTP response from WordPress.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wordpress: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("wordpress: HTTP %d: %s", e.StatusCode, e.Message)
}

func (p *Publisher) Publish(ctx context.Context, filePath string, site config.Site) (bool, error) {
	post, err := p.buildPost(filePath, site)
	if err != nil {
		return false, err
	}
	endpoint, err := postsURL(site.URL)
	if err != nil {
		return false, err
	}
	if err := p.waitTurn(ctx, site); err != nil {
		return false, err
	}

	body, err := json.Marshal(post)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(site.Username, site.Password())

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("wordpress request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		se := readStatusError(resp)
		p.log.Warn("post rejected", logx.String("site", site.URL), logx.Int("status", resp.StatusCode), logx.String("code", se.Code))
		return false, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return false, readStatusError(resp)
	}

	var created postResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&created); err != nil {
		return false, fmt.Errorf("decode wordpress response: %w", err)
	}
	p.log.Info("post created",
		logx.String("site", site.URL), logx.Int("post_id", created.ID), logx.String("link", created.Link),
		logx.String("file", filepath.Base(filePath)), logx.Duration("took", time.Since(start)))
	return true, nil
}

func (p *Publisher) buildPost(filePath string, site config.Site) (postRequest, error) {
	a, err := article.ReadFile(filePath)
	if errors.Is(err, article.ErrNoFrontMatter) {
		raw, rerr := os.ReadFile(filePath)
		if rerr != nil {
			return postRequest{}, rerr
		}
		a = article.Article{Meta: article.Meta{Title: titleFromFile(filePath)}, Body: string(raw)}
	} else if err != nil {
		return postRequest{}, err
	}
	if strings.TrimSpace(a.Meta.Title) == "" {
		a.Meta.Title = titleFromFile(filePath)
	}

	var html bytes.Buffer
	if err := p.md.Convert([]byte(a.Body), &html); err != nil {
		return postRequest{}, fmt.Errorf("render markdown: %w", err)
	}
	status := strings.TrimSpace(site.PostStatus)
	if status == "" {
		status = config.DefaultPostStatus
	}
	return postRequest{
		Title:   a.Meta.Title,
		Content: html.String(),
		Excerpt: a.Meta.Excerpt,
		Status:  status,
		Slug:    article.Slug(a.Meta.Title),
	}, nil
}

// waitTurn blocks until the site's limiter admits one request. A wait that
// would outlast ctx's deadline is not started: the reservation is given back
// and the error wraps model.ErrPublishDeferred so the item stays queued.
func (p *Publisher) waitTurn(ctx context.Context, site config.Site) error {
	r := p.limiter(site).Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < delay {
		r.Cancel()
		return fmt.Errorf("site %s rate limited for %s: %w", site.URL, delay.Round(time.Millisecond), model.ErrPublishDeferred)
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	}
}

// limiter returns the per-site limiter. A site without rate_per_minute is
// not limited.
func (p *Publisher) limiter(site config.Site) *rate.Limiter {
	key := strings.TrimRight(strings.TrimSpace(site.URL), "/")
	p.mu.Lock()
	defer p.mu.Unlock()

	want := rate.Inf
	if site.RatePerMinute > 0 {
		want = rate.Every(time.Minute / time.Duration(site.RatePerMinute))
	}
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(want, 1)
		p.limiters[key] = l
	} else if l.Limit() != want {
		l.SetLimit(want)
	}
	return l
}

func postsURL(base string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", errors.New("wordpress site url is empty")
	}
	return base + postsPath, nil
}

func readStatusError(resp *http.Response) *StatusError {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{StatusCode: resp.StatusCode}
	var ae apiError
	if json.Unmarshal(b, &ae) == nil && (ae.Code != "" || ae.Message != "") {
		se.Code, se.Message = ae.Code, ae.Message
	} else {
		se.Message = strings.TrimSpace(string(b))
	}
	return se
}

func titleFromFile(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	// Drop the ordinal prefix written by the generators.
	if i := strings.IndexByte(name, '-'); i > 0 && strings.Trim(name[:i], "0123456789") == "" {
		name = name[i+1:]
	}
	name = strings.ReplaceAll(name, "-", " ")
	if name == "" {
		return "Untitled"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
