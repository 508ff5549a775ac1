package logger

import (
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

// sensitivePatterns match credentials embedded in free-form strings such as
// broker URLs or DSNs.
var sensitivePatterns = []*regexp.Regexp{
	// user:password@host in URLs
	regexp.MustCompile(`([a-z][a-z0-9+.-]*://[^:/@\s]+:)([^@\s]+)(@)`),
	// key=value style secrets
	regexp.MustCompile(`(?i)((?:password|passwd|secret|token|api[_-]?key)[\s:=]+)([^;,\s]{3,})`),
}

var sensitiveKeywords = []string{
	"password", "passwd", "secret", "token", "dsn", "credential", "api_key", "apikey",
}

// RedactSensitiveData replaces credentials found in input with [REDACTED]
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}
	out := sensitivePatterns[0].ReplaceAllString(input, "${1}"+redactedValue+"${3}")
	return sensitivePatterns[1].ReplaceAllString(out, "${1}"+redactedValue)
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}
