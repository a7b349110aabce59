package liveness

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/muxherd/muxherd/internal/model"
)

// A strategy either yields a definite session-id set or declines.
// Strategies are tried in order; none may guess. Controllers evolved
// through several payload shapes and the preferred one is the
// versioned envelope this repo's tooling emits.
type strategy struct {
	name  string
	parse func(body []byte) (map[string]model.StatusTag, bool)
}

var strategies = []strategy{
	{"versioned-envelope", parseVersionedEnvelope},
	{"sessions-map", parseSessionsMap},
	{"sessions-list", parseSessionsList},
	{"bare-map", parseBareMap},
}

// ParseSessions turns a liveness body into a session-id → status-tag
// map. If no strategy accepts the body the error wraps
// model.ErrAmbiguousResponse; callers must abort their scan or poll,
// never substitute an empty set.
func ParseSessions(body []byte) (map[string]model.StatusTag, error) {
	for _, s := range strategies {
		if m, ok := s.parse(body); ok {
			return m, nil
		}
	}
	names := make([]string, len(strategies))
	for i, s := range strategies {
		names[i] = s.name
	}
	return nil, fmt.Errorf("no strategy of [%s] accepted payload: %w",
		strings.Join(names, " "), model.ErrAmbiguousResponse)
}

// {"schema_version":"v1","sessions":{"id":"tag"}}
func parseVersionedEnvelope(body []byte) (map[string]model.StatusTag, bool) {
	var env struct {
		SchemaVersion string            `json:"schema_version"`
		Sessions      map[string]string `json:"sessions"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	if env.SchemaVersion == "" || env.Sessions == nil {
		return nil, false
	}
	return toTags(env.Sessions), true
}

// {"sessions":{"id":"tag"}}
func parseSessionsMap(body []byte) (map[string]model.StatusTag, bool) {
	var env struct {
		Sessions map[string]string `json:"sessions"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	if env.Sessions == nil {
		return nil, false
	}
	return toTags(env.Sessions), true
}

// {"sessions":[{"id":"...","status":"..."}]}
func parseSessionsList(body []byte) (map[string]model.StatusTag, bool) {
	var env struct {
		Sessions []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"sessions"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, false
	}
	if env.Sessions == nil {
		return nil, false
	}
	out := make(map[string]model.StatusTag, len(env.Sessions))
	for _, s := range env.Sessions {
		if s.ID == "" {
			return nil, false
		}
		out[s.ID] = normalizeTag(s.Status)
	}
	return out, true
}

// Legacy controllers reply with the session map as the top-level
// object. Accepted only when the object is non-empty and every value
// is a string; an empty object could be an empty envelope of any shape
// and stays ambiguous.
func parseBareMap(body []byte) (map[string]model.StatusTag, bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, false
	}
	if len(raw) == 0 {
		return nil, false
	}
	out := make(map[string]model.StatusTag, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, false
		}
		out[k] = normalizeTag(s)
	}
	return out, true
}

func toTags(m map[string]string) map[string]model.StatusTag {
	out := make(map[string]model.StatusTag, len(m))
	for k, v := range m {
		out[k] = normalizeTag(v)
	}
	return out
}

func normalizeTag(s string) model.StatusTag {
	return model.StatusTag(strings.ToLower(strings.TrimSpace(s)))
}
