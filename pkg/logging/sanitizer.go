package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the maximum length of a compiled query to log.
	MaxQueryLogLength = 200
	// RedactedText is the replacement text for sensitive data.
	RedactedText = "[REDACTED]"
)

// Pattern to match potential passwords in connection strings.
// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter).
var passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

// Pattern to match connection string credentials (user:pass@host format).
var connStringPattern = regexp.MustCompile(`://[^:]+:[^@]+@[^/\s]+`)

// SanitizeConnectionString removes credentials from connection strings before
// they reach a log line.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
	return sanitized
}

// SanitizeQuery truncates a compiled SQL query for logging. Bound parameter
// values never appear in the text, so truncation is the only concern.
func SanitizeQuery(query string) string {
	if len(query) > MaxQueryLogLength {
		return query[:MaxQueryLogLength] + "..."
	}
	return query
}

// SanitizeValues replaces the values of sensitive fields in a field→value map
// before the map is logged. The original map is not modified.
func SanitizeValues(values map[string]any, sensitive map[string]bool) map[string]any {
	if len(sensitive) == 0 {
		return values
	}
	out := make(map[string]any, len(values))
	for name, v := range values {
		if sensitive[name] {
			out[name] = RedactedText
		} else {
			out[name] = v
		}
	}
	return out
}
