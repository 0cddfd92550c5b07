package web

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/crothmeier/search/internal/search"
	"github.com/crothmeier/search/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := search.Request{
		Query:  q.Get("q"),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
		UserID: r.Header.Get("X-User-ID"),
	}

	resp, err := s.service.Search(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}
	status := http.StatusOK
	if resp.Error != "" {
		// Validation failures are client errors; the generic internal
		// message is not.
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing conversation id")
		return
	}
	conv, err := s.service.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	titles, err := s.service.Suggest(r.Context(), q.Get("q"), intParam(q.Get("limit")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "suggest failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": titles})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Optimize(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "optimize failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "optimized"})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.InvalidateCache(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cache clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"keys_removed": n})
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
