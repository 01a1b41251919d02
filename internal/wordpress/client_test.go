package wordpress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"autopress/internal/article"
	"autopress/internal/config"
	"autopress/internal/model"
	logx "autopress/pkg/logx"
)

func writeArticle(t *testing.T) string {
	t.Helper()
	path, err := article.WriteFile(t.TempDir(), article.Article{
		Meta: article.Meta{Title: "Tomatoes on a Balcony", Excerpt: "Grow more.", ContentIndex: 0},
		Body: "Intro.\n\n## Soil\n\nUse **compost**.",
	})
	require.NoError(t, err)
	return path
}

func TestPublishCreatesPost(t *testing.T) {
	t.Parallel()
	var got postRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != postsPath || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "editor" || pass != "abcd efgh" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 42, "link": "https://example.com/?p=42"}`))
	}))
	defer srv.Close()

	p := New(logx.Nop())
	ok, err := p.Publish(context.Background(), writeArticle(t), config.Site{
		URL: srv.URL + "/", Username: "editor", AppPassword: "abcd efgh", PostStatus: "draft",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Tomatoes on a Balcony", got.Title)
	require.Equal(t, "draft", got.Status)
	require.Equal(t, "Grow more.", got.Excerpt)
	require.Equal(t, "tomatoes-on-a-balcony", got.Slug)
	require.Contains(t, got.Content, "<h2>Soil</h2>")
	require.Contains(t, got.Content, "<strong>compost</strong>")
}

func TestPublishRejectedCredentials(t *testing.T) {
	t.Parallel()
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"code":"rest_cannot_create","message":"Sorry, you are not allowed to create posts."}`))
		}))
		ok, err := New(logx.Nop()).Publish(context.Background(), writeArticle(t), config.Site{URL: srv.URL, Username: "u"})
		srv.Close()
		require.NoError(t, err)
		require.False(t, ok)
	}
}

func TestPublishServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"db_error","message":"Could not insert post"}`))
	}))
	defer srv.Close()

	ok, err := New(logx.Nop()).Publish(context.Background(), writeArticle(t), config.Site{URL: srv.URL, Username: "u"})
	require.False(t, ok)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 500, se.StatusCode)
	require.Equal(t, "db_error", se.Code)
}

func TestPublishMissingFileAndBadURL(t *testing.T) {
	t.Parallel()
	p := New(logx.Nop())
	_, err := p.Publish(context.Background(), filepath.Join(t.TempDir(), "nope.md"), config.Site{URL: "https://example.com"})
	require.Error(t, err)

	_, err = p.Publish(context.Background(), writeArticle(t), config.Site{})
	require.Error(t, err)
}

func TestPublishPlainMarkdownFile(t *testing.T) {
	t.Parallel()
	var got postRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "0007-herb-garden-basics.md")
	require.NoError(t, os.WriteFile(path, []byte("Basil likes sun."), 0o600))
	ok, err := New(logx.Nop()).Publish(context.Background(), path, config.Site{URL: srv.URL, Username: "u"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Herb garden basics", got.Title)
	require.Equal(t, config.DefaultPostStatus, got.Status)
}

func TestPublishRateLimitDefersPastDeadline(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"id": 1}`))
	}))
	defer srv.Close()

	p := New(logx.Nop())
	site := config.Site{URL: srv.URL, Username: "u", RatePerMinute: 1}
	ok, err := p.Publish(context.Background(), writeArticle(t), site)
	require.NoError(t, err)
	require.True(t, ok)

	// The next slot is a minute away; a 50ms budget is deferred at once.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = p.Publish(ctx, writeArticle(t), site)
	require.ErrorIs(t, err, model.ErrPublishDeferred)
	require.Less(t, time.Since(start), 40*time.Millisecond)
	require.Equal(t, int32(1), calls.Load())

	// Without a deadline the wait is bounded by cancellation only.
	ctx2, cancel2 := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel2()
	}()
	_, err = p.Publish(ctx2, writeArticle(t), site)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, model.ErrPublishDeferred)
	require.Equal(t, int32(1), calls.Load())
}
