package is74

import (
	"net/http"
	"regexp"
)

const maxLoggedBody = 1000

const sensitiveFields = `(?:password|token|access_token|push_token|pushToken|firebase_token|phone|code|confirmCode|authId|authorization|x-api-key)`

var (
	reJSONField   = regexp.MustCompile(`(?i)("` + sensitiveFields + `"\s*:\s*)("(?:[^"\\]|\\.)*"|-?\d+)`)
	reFormField   = regexp.MustCompile(`(?i)(^|[?&])(` + sensitiveFields + `)=([^&]*)`)
	reBearerToken = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
)

var sensitiveHeaders = []string{"Authorization", "X-Api-Key", "Cookie", "Set-Cookie"}

// Mask hides credentials, tokens, phone numbers and codes in a JSON or form
// encoded body, or in a URL.
func Mask(s string) string {
	s = reJSONField.ReplaceAllString(s, `${1}"***"`)
	s = reFormField.ReplaceAllString(s, `${1}${2}=***`)
	s = reBearerToken.ReplaceAllString(s, `${1}***`)
	return s
}

// MaskHeaders returns a loggable copy of h.
func MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	for _, k := range sensitiveHeaders {
		if _, ok := out[http.CanonicalHeaderKey(k)]; ok {
			out[http.CanonicalHeaderKey(k)] = "***"
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}
