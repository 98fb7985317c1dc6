package store

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
)

func nullableID(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

func rolesToJSON(roles []string) string {
	norm := normalizeRoles(roles)
	b, err := json.Marshal(norm)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func parseRoles(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var roles []string
	if err := json.Unmarshal([]byte(raw), &roles); err != nil {
		return nil
	}
	return normalizeRoles(roles)
}

func normalizeRoles(roles []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if out == nil {
		return []string{}
	}
	return out
}
