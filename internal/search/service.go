// Package search ties the query compiler, storage engine, and optional
// Redis result cache into the user-facing search surface. Every search is
// audited with a truncated query hash, never the raw query text.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crothmeier/search/internal/logging"
	"github.com/crothmeier/search/internal/query"
	"github.com/crothmeier/search/internal/store"
)

const (
	// DefaultLimit applies when a request omits the page size.
	DefaultLimit = 20
	// MaxLimit caps the page size regardless of what the caller asks for.
	MaxLimit = 100

	cacheKeyPrefix = "search:v1:"
)

// failureMessage is the only error text exposed to callers. Internal
// detail stays in the logs.
const failureMessage = "search failed, please try again"

var log = logging.ForComponent(logging.CompSearch)

// Request is one search invocation.
type Request struct {
	Query  string `json:"query"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
	UserID string `json:"-"`
}

// Response carries one page of results plus pagination bookkeeping.
// Count always equals len(Results); Total is the full match count.
type Response struct {
	Query          string         `json:"query"`
	ProcessedQuery string         `json:"processed_query,omitempty"`
	Results        []store.Result `json:"results"`
	Count          int            `json:"count"`
	Total          int            `json:"total"`
	Limit          int            `json:"limit"`
	Offset         int            `json:"offset"`
	HasMore        bool           `json:"has_more"`
	Cached         bool           `json:"cached"`
	Error          string         `json:"error,omitempty"`
}

// Service executes validated, compiled, cached, audited searches.
type Service struct {
	store    *store.Store
	cache    *redis.Client // nil disables caching
	cacheTTL time.Duration
	timeout  time.Duration
}

// Options configures optional service behavior.
type Options struct {
	// RedisAddr enables the result cache when non-empty.
	RedisAddr string
	// CacheTTL defaults to 5 minutes.
	CacheTTL time.Duration
	// QueryTimeout bounds each storage query. Zero means no bound beyond
	// the caller's context.
	QueryTimeout time.Duration
}

// New builds a Service over st. The Redis cache is a soft dependency: if
// the server is unreachable the service runs uncached rather than failing.
func New(st *store.Store, opts Options) *Service {
	s := &Service{
		store:    st,
		cacheTTL: opts.CacheTTL,
		timeout:  opts.QueryTimeout,
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = 5 * time.Minute
	}
	if opts.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable, caching disabled",
				slog.String("addr", opts.RedisAddr), slog.Any("error", err))
			client.Close()
		} else {
			s.cache = client
			log.Info("result cache enabled", slog.String("addr", opts.RedisAddr))
		}
	}
	return s
}

// Close releases the cache connection if one was established.
func (s *Service) Close() error {
	if s.cache != nil {
		return s.cache.Close()
	}
	return nil
}

// Search runs one request end to end: validate, check cache, compile,
// query, sanitize, cache, audit. Validation failures and internal errors
// both come back as a Response with Error set; the error return is
// reserved for context cancellation.
func (s *Service) Search(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	limit, offset := clampPage(req.Limit, req.Offset)

	validated, err := query.Validate(req.Query)
	if err != nil {
		s.audit(ctx, req.Query, req.UserID, false, time.Since(start), err.Error())
		return &Response{
			Query:   req.Query,
			Results: []store.Result{},
			Limit:   limit,
			Offset:  offset,
			Error:   err.Error(),
		}, nil
	}

	key := cacheKey(validated, limit, offset)
	if resp := s.cacheGet(ctx, key); resp != nil {
		resp.Cached = true
		s.audit(ctx, validated, req.UserID, true, time.Since(start), "")
		return resp, nil
	}

	compiled, err := query.Compile(validated)
	if err != nil {
		s.audit(ctx, validated, req.UserID, false, time.Since(start), err.Error())
		return &Response{
			Query:   req.Query,
			Results: []store.Result{},
			Limit:   limit,
			Offset:  offset,
			Error:   err.Error(),
		}, nil
	}

	qctx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	results, err := s.store.Search(qctx, compiled, limit, offset)
	if err != nil {
		return s.failed(ctx, req, validated, limit, offset, start, err)
	}
	total, err := s.store.Count(qctx, compiled)
	if err != nil {
		return s.failed(ctx, req, validated, limit, offset, start, err)
	}

	if results == nil {
		results = []store.Result{}
	}
	for i := range results {
		results[i].Snippet = sanitizeSnippet(results[i].Snippet)
		results[i].Title = sanitizeText(results[i].Title)
	}

	resp := &Response{
		Query:          req.Query,
		ProcessedQuery: compiled,
		Results:        results,
		Count:          len(results),
		Total:          total,
		Limit:          limit,
		Offset:         offset,
		HasMore:        offset+len(results) < total,
	}
	s.cacheSet(ctx, key, resp)
	s.audit(ctx, validated, req.UserID, false, time.Since(start), "")
	return resp, nil
}

func (s *Service) failed(ctx context.Context, req Request, validated string, limit, offset int, start time.Time, err error) (*Response, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	log.Error("search failed",
		slog.String("query_hash", queryHash(validated)), slog.Any("error", err))
	s.audit(ctx, validated, req.UserID, false, time.Since(start), err.Error())
	return &Response{
		Query:   req.Query,
		Results: []store.Result{},
		Limit:   limit,
		Offset:  offset,
		Error:   failureMessage,
	}, nil
}

// GetConversation fetches one conversation with message content escaped
// for safe HTML embedding.
func (s *Service) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Title = sanitizeText(conv.Title)
	for i := range conv.Messages {
		conv.Messages[i].Content = sanitizeText(conv.Messages[i].Content)
	}
	return conv, nil
}

// Suggest returns up to limit recent conversation titles matching the
// partial input. The partial goes through the same validator as search
// queries, then LIKE escaping.
func (s *Service) Suggest(ctx context.Context, partial string, limit int) ([]string, error) {
	validated, err := query.Validate(partial)
	if err != nil {
		return []string{}, nil
	}
	if limit <= 0 || limit > MaxLimit {
		limit = 10
	}
	titles, err := s.store.Suggest(ctx, query.EscapeLike(validated), limit)
	if err != nil {
		log.Error("suggest failed", slog.Any("error", err))
		return []string{}, nil
	}
	if titles == nil {
		titles = []string{}
	}
	for i := range titles {
		titles[i] = sanitizeText(titles[i])
	}
	return titles, nil
}

// InvalidateCache drops all cached search pages. Called after imports so
// stale result pages don't outlive new data.
func (s *Service) InvalidateCache(ctx context.Context) (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	var removed int
	iter := s.cache.Scan(ctx, 0, cacheKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := s.cache.Del(ctx, iter.Val()).Err(); err == nil {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("cache invalidation: %w", err)
	}
	log.Info("search cache invalidated", slog.Int("keys", removed))
	return removed, nil
}

// PruneAudits deletes audit rows older than the retention window.
func (s *Service) PruneAudits(ctx context.Context, retention time.Duration) (int64, error) {
	return s.store.PruneSearchAudits(ctx, time.Now().Add(-retention))
}

// Stats exposes the storage engine's stats rollup.
func (s *Service) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}

// Optimize runs storage maintenance and clears the result cache, since
// VACUUM can change ranking-relevant statistics.
func (s *Service) Optimize(ctx context.Context) error {
	if err := s.store.Optimize(ctx); err != nil {
		return err
	}
	if _, err := s.InvalidateCache(ctx); err != nil {
		log.Warn("cache invalidation after optimize", slog.Any("error", err))
	}
	return nil
}

func (s *Service) audit(ctx context.Context, q, userID string, fromCache bool, elapsed time.Duration, errText string) {
	err := s.store.LogSearchAudit(ctx, store.AuditEntry{
		QueryHash:   queryHash(q),
		UserID:      userID,
		QueryLength: len(q),
		FromCache:   fromCache,
		Duration:    elapsed,
		Error:       errText,
	})
	if err != nil {
		log.Warn("audit write failed", slog.Any("error", err))
	}
}

func (s *Service) cacheGet(ctx context.Context, key string) *Response {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn("cache read failed", slog.Any("error", err))
		}
		return nil
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		log.Warn("corrupt cache entry dropped", slog.String("key", key))
		s.cache.Del(ctx, key)
		return nil
	}
	return &resp
}

func (s *Service) cacheSet(ctx context.Context, key string, resp *Response) {
	if s.cache == nil || resp.Error != "" {
		return
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.cacheTTL).Err(); err != nil {
		log.Warn("cache write failed", slog.Any("error", err))
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func cacheKey(validated string, limit, offset int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%d", validated, limit, offset)))
	return cacheKeyPrefix + hex.EncodeToString(sum[:])
}

// queryHash is the truncated digest stored in the audit log instead of
// raw query text.
func queryHash(q string) string {
	sum := sha256.Sum256([]byte(q))
	return hex.EncodeToString(sum[:])[:16]
}
