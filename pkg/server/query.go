package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/sapliy/coordination/pkg/apperr"
)

// QueryList splits a comma-separated query parameter, dropping empty items.
func QueryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// QueryInt reads a non-negative integer parameter, returning def when absent.
func QueryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Invalid("%s must be a non-negative integer, got %q", key, raw)
	}
	return n, nil
}

// QueryBool reads an optional boolean parameter. Absent yields nil.
func QueryBool(r *http.Request, key string) (*bool, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, apperr.Invalid("%s must be true or false, got %q", key, raw)
	}
	return &b, nil
}
