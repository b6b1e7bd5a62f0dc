// Package redact implements the single redactor described in spec §7. Every
// error/last_error/error_summary_json value that could reach the database or
// logs passes through Redact (or RedactMap for structured payloads) first.
package redact

import "regexp"

var (
	gitlabTokenRe = regexp.MustCompile(`glp[a-z]{1,2}-[A-Za-z0-9_-]{10,}`)
	bearerRe      = regexp.MustCompile(`(?i)Bearer\s+\S+`)
	privateTokRe  = regexp.MustCompile(`(?i)PRIVATE-TOKEN:\s*\S+`)
	authHeaderRe  = regexp.MustCompile(`(?i)Authorization:\s*\S+\s+\S+`)
	userInfoRe    = regexp.MustCompile(`([a-zA-Z0-9._%+-]+):([^@/\s]+)@`)
)

// sensitiveKeys replace the entire value, regardless of shape, when seen as a
// map key.
var sensitiveKeys = map[string]bool{
	"Authorization":   true,
	"PRIVATE-TOKEN":   true,
	"Cookie":          true,
	"X-Gitlab-Token":  true,
}

// Redact scrubs known secret shapes out of a single string. It is idempotent:
// Redact(Redact(s)) == Redact(s).
func Redact(s string) string {
	s = gitlabTokenRe.ReplaceAllString(s, "[GITLAB_TOKEN]")
	s = bearerRe.ReplaceAllString(s, "Bearer [REDACTED]")
	s = privateTokRe.ReplaceAllString(s, "PRIVATE-TOKEN: [TOKEN]")
	s = authHeaderRe.ReplaceAllString(s, "Authorization: [REDACTED]")
	s = userInfoRe.ReplaceAllString(s, "$1:[REDACTED]@")
	return s
}

// RedactMap recursively applies Redact to all string values in a generic JSON-
// like map, replacing the entire value for recognized sensitive keys.
func RedactMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sensitiveKeys[k] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return Redact(t)
	case map[string]interface{}:
		return RedactMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
