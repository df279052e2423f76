package logging

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// RedactionMarker replaces any value recognised as a secret.
const RedactionMarker = "[REDACTED]"

var (
	bearerPattern = regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9\-._~+/]+=*`)
	// Three base64url segments of realistic length; version strings such as
	// 1.2.3 stay untouched.
	jwtPattern           = regexp.MustCompile(`\b[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)
	credentialURLPattern = regexp.MustCompile(`([A-Za-z][A-Za-z0-9+.\-]*://)[^/\s:@]+:[^/\s@]+@`)
)

// sensitiveKeys are matched against normalized field names by substring.
var sensitiveKeys = []string{
	"token",
	"password",
	"passwd",
	"secret",
	"apikey",
	"authorization",
	"credential",
	"privatekey",
	"cookie",
}

// IsSensitiveKey reports whether a field name denotes a secret. Case and
// the separators "-", "_" and " " are ignored.
func IsSensitiveKey(key string) bool {
	normalized := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(key))
	for _, s := range sensitiveKeys {
		if strings.Contains(normalized, s) {
			return true
		}
	}
	return false
}

// RedactString masks secret-shaped substrings and keeps the surrounding text.
func RedactString(s string) string {
	s = bearerPattern.ReplaceAllString(s, "${1} "+RedactionMarker)
	s = credentialURLPattern.ReplaceAllString(s, "${1}"+RedactionMarker+"@")
	s = jwtPattern.ReplaceAllString(s, RedactionMarker)
	return s
}

// RedactValue walks strings, maps and slices. Values under sensitive keys
// are replaced wholesale; other values of unknown type pass through.
func RedactValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return RedactString(v)
	case error:
		return RedactString(v.Error())
	case logrus.Fields:
		return redactMap(v)
	case map[string]interface{}:
		return redactMap(v)
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			if IsSensitiveKey(k) {
				out[k] = RedactionMarker
				continue
			}
			out[k] = RedactString(s)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = RedactString(s)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = RedactValue(item)
		}
		return out
	default:
		return value
	}
}

func redactMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = RedactionMarker
			continue
		}
		out[k] = RedactValue(v)
	}
	return out
}

// RedactionHook scrubs every entry before it reaches the formatter.
type RedactionHook struct{}

// NewRedactionHook creates the hook installed by NewLogger.
func NewRedactionHook() *RedactionHook {
	return &RedactionHook{}
}

// Levels implements logrus.Hook.
func (h *RedactionHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *RedactionHook) Fire(entry *logrus.Entry) error {
	for k, v := range entry.Data {
		if IsSensitiveKey(k) {
			entry.Data[k] = RedactionMarker
			continue
		}
		entry.Data[k] = RedactValue(v)
	}
	entry.Message = RedactString(entry.Message)
	return nil
}
