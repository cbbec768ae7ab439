package agent

import (
	"encoding/json"
	"strings"
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// authRequiredPrefix is the in-band sentinel an agent emits when it needs
// an OAuth grant: AUTH_REQUIRED:<provider>:<comma-separated-scopes>.
const authRequiredPrefix = "AUTH_REQUIRED:"

// Result is the structured output of one agent invocation.
type Result struct {
	Status       string `json:"status"`
	Result       string `json:"result"`
	NewSessionID string `json:"newSessionId"`
	Err          string `json:"error"`
}

// OK reports whether the invocation produced a usable result.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// ParseResult extracts the invocation result from raw runner stdout. The
// runner emits one JSON object per line; the last parseable line that
// carries a status wins (earlier lines are progress noise).
func ParseResult(output string) (Result, bool) {
	var res Result
	found := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var candidate Result
		if err := json.Unmarshal([]byte(line), &candidate); err != nil {
			continue
		}
		if candidate.Status == "" {
			continue
		}
		res = candidate
		found = true
	}
	return res, found
}

// parseAuthSentinel splits an AUTH_REQUIRED result into provider and
// scopes. Returns ok=false when the text is not the sentinel.
func parseAuthSentinel(text string) (provider string, scopes []string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, authRequiredPrefix) {
		return "", nil, false
	}
	rest := strings.TrimPrefix(trimmed, authRequiredPrefix)
	parts := strings.SplitN(rest, ":", 2)
	provider = strings.TrimSpace(parts[0])
	if provider == "" {
		return "", nil, false
	}
	if len(parts) == 2 {
		for _, s := range strings.Split(parts[1], ",") {
			if s = strings.TrimSpace(s); s != "" {
				scopes = append(scopes, s)
			}
		}
	}
	return provider, scopes, true
}
