package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
)

// paramMarkers backs the fallback lookup for direct handler tests that
// bypass the chi route context.
var paramMarkers = map[string][]string{
	"id":      {"requests", "targets", "accounts"},
	"link_id": {"links"},
	"kind":    {"kinds"},
}

func urlParam(r *http.Request, key string) string {
	if v := chi.URLParam(r, key); v != "" {
		return v
	}
	segments := strings.Split(strings.Trim(strings.TrimSpace(r.URL.Path), "/"), "/")
	for _, marker := range paramMarkers[key] {
		for i := 0; i < len(segments)-1; i++ {
			if segments[i] == marker && strings.TrimSpace(segments[i+1]) != "" {
				return segments[i+1]
			}
		}
	}
	return ""
}

func urlParamInt64(r *http.Request, key string) (int64, bool) {
	raw := strings.TrimSpace(urlParam(r, key))
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
