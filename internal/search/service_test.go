package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crothmeier/search/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "search.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := New(st, Options{}) // no Redis: cache disabled
	t.Cleanup(func() { svc.Close() })
	return svc, st
}

func seedConversations(t *testing.T, st *store.Store, n int) {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		msgs := []store.Message{
			{Sender: "user", Content: fmt.Sprintf("question about widgets %d", i), Timestamp: base.Add(time.Duration(i) * time.Minute)},
		}
		_, err := st.Ingest(ctx, fmt.Sprintf("conv-%d", i), fmt.Sprintf("Widgets %d", i), msgs, "")
		require.NoError(t, err)
	}
}

func TestSearchHappyPath(t *testing.T) {
	svc, st := newTestService(t)
	seedConversations(t, st, 3)

	resp, err := svc.Search(context.Background(), Request{Query: "widgets"})
	require.NoError(t, err)

	if resp.Error != "" {
		t.Fatalf("unexpected error: %q", resp.Error)
	}
	if resp.Count != len(resp.Results) {
		t.Errorf("count %d != len(results) %d", resp.Count, len(resp.Results))
	}
	if resp.Count != 3 || resp.Total != 3 {
		t.Errorf("count=%d total=%d, want 3", resp.Count, resp.Total)
	}
	if resp.HasMore {
		t.Error("has_more true with all results returned")
	}
	if resp.Limit != DefaultLimit {
		t.Errorf("limit = %d, want default %d", resp.Limit, DefaultLimit)
	}
	if resp.Cached {
		t.Error("cached true without a cache")
	}
	if resp.ProcessedQuery == "" {
		t.Error("processed_query empty on success")
	}
}

func TestSearchPaginationInvariant(t *testing.T) {
	svc, st := newTestService(t)
	seedConversations(t, st, 7)
	ctx := context.Background()

	var seen int
	for offset := 0; ; {
		resp, err := svc.Search(ctx, Request{Query: "widgets", Limit: 3, Offset: offset})
		require.NoError(t, err)
		require.Empty(t, resp.Error)

		if resp.Count != len(resp.Results) {
			t.Fatalf("count %d != len(results) %d", resp.Count, len(resp.Results))
		}
		wantMore := offset+resp.Count < resp.Total
		if resp.HasMore != wantMore {
			t.Fatalf("offset %d: has_more=%v, want %v", offset, resp.HasMore, wantMore)
		}
		seen += resp.Count
		if !resp.HasMore {
			break
		}
		offset += resp.Count
	}
	if seen != 7 {
		t.Errorf("paginated through %d results, want 7", seen)
	}
}

func TestSearchValidationFailure(t *testing.T) {
	svc, _ := newTestService(t)

	for name, q := range map[string]string{
		"empty":      "",
		"whitespace": "   ",
		"too long":   strings.Repeat("a", 501),
	} {
		t.Run(name, func(t *testing.T) {
			resp, err := svc.Search(context.Background(), Request{Query: q})
			require.NoError(t, err)
			if resp.Error == "" {
				t.Fatal("expected validation error in response")
			}
			if resp.Results == nil || len(resp.Results) != 0 {
				t.Errorf("results = %v, want empty non-nil", resp.Results)
			}
			if resp.Error == failureMessage {
				t.Error("validation failure masked as internal failure")
			}
		})
	}
}

func TestSearchLimitClamped(t *testing.T) {
	svc, st := newTestService(t)
	seedConversations(t, st, 1)

	resp, err := svc.Search(context.Background(), Request{Query: "widgets", Limit: 5000, Offset: -3})
	require.NoError(t, err)
	if resp.Limit != MaxLimit {
		t.Errorf("limit = %d, want clamped to %d", resp.Limit, MaxLimit)
	}
	if resp.Offset != 0 {
		t.Errorf("offset = %d, want clamped to 0", resp.Offset)
	}
}

func TestSearchSanitizesSnippets(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	msgs := []store.Message{{
		Sender:    "user",
		Content:   `look at this <script>alert("xss")</script> payload`,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	_, err := st.Ingest(ctx, "c1", "<b>Bold title</b>", msgs, "")
	require.NoError(t, err)

	resp, err := svc.Search(ctx, Request{Query: "payload"})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)

	r := resp.Results[0]
	if strings.Contains(r.Snippet, "<script>") {
		t.Errorf("snippet not escaped: %q", r.Snippet)
	}
	if !strings.Contains(r.Snippet, store.MarkOpen) {
		t.Errorf("highlight markers lost in sanitization: %q", r.Snippet)
	}
	if strings.Contains(r.Title, "<b>") {
		t.Errorf("title not escaped: %q", r.Title)
	}
}

func TestGetConversationSanitizes(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	msgs := []store.Message{{
		Sender:    "user",
		Content:   `<img src=x onerror=alert(1)>`,
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	_, err := st.Ingest(ctx, "c1", "t", msgs, "")
	require.NoError(t, err)

	conv, err := svc.GetConversation(ctx, "c1")
	require.NoError(t, err)
	if strings.Contains(conv.Messages[0].Content, "<img") {
		t.Errorf("content not escaped: %q", conv.Messages[0].Content)
	}

	_, err = svc.GetConversation(ctx, "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSuggest(t *testing.T) {
	svc, st := newTestService(t)
	seedConversations(t, st, 3)
	ctx := context.Background()

	titles, err := svc.Suggest(ctx, "Widgets", 10)
	require.NoError(t, err)
	if len(titles) != 3 {
		t.Errorf("got %d suggestions, want 3", len(titles))
	}

	// Invalid partials degrade to no suggestions, never an error.
	titles, err = svc.Suggest(ctx, "   ", 10)
	require.NoError(t, err)
	if len(titles) != 0 {
		t.Errorf("blank partial returned %v", titles)
	}
}

func TestSearchAudited(t *testing.T) {
	svc, st := newTestService(t)
	seedConversations(t, st, 1)
	ctx := context.Background()

	_, err := svc.Search(ctx, Request{Query: "widgets", UserID: "alice"})
	require.NoError(t, err)
	_, err = svc.Search(ctx, Request{Query: ""}) // validation failure audits too
	require.NoError(t, err)

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	if stats.SearchStats7d.Searches != 2 {
		t.Errorf("audited %d searches, want 2", stats.SearchStats7d.Searches)
	}
}

func TestPruneAudits(t *testing.T) {
	svc, st := newTestService(t)
	seedConversations(t, st, 1)
	ctx := context.Background()

	_, err := svc.Search(ctx, Request{Query: "widgets"})
	require.NoError(t, err)

	// Nothing is older than the retention window yet.
	n, err := svc.PruneAudits(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	if n != 0 {
		t.Errorf("pruned %d fresh rows", n)
	}

	// Negative retention puts the cutoff in the future.
	n, err = svc.PruneAudits(ctx, -time.Hour)
	require.NoError(t, err)
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
}

func TestInvalidateCacheWithoutRedis(t *testing.T) {
	svc, _ := newTestService(t)
	n, err := svc.InvalidateCache(context.Background())
	require.NoError(t, err)
	if n != 0 {
		t.Errorf("invalidated %d keys with no cache", n)
	}
}

func TestCacheKeyStable(t *testing.T) {
	a := cacheKey("hello world", 20, 0)
	b := cacheKey("hello world", 20, 0)
	if a != b {
		t.Errorf("cache key unstable: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, cacheKeyPrefix) {
		t.Errorf("missing prefix: %s", a)
	}
	if c := cacheKey("hello world", 20, 20); c == a {
		t.Error("offset not part of cache key")
	}
}

func TestQueryHashTruncated(t *testing.T) {
	h := queryHash("sensitive query text")
	if len(h) != 16 {
		t.Errorf("hash length %d, want 16", len(h))
	}
	if strings.Contains(h, "sensitive") {
		t.Error("hash leaks query text")
	}
}
