package translate

import "strings"

// ErrorTypeFromOpenAI maps an OpenAI error type/code onto the Anthropic
// error taxonomy.
func ErrorTypeFromOpenAI(openaiType string) string {
	t := strings.ToLower(openaiType)
	switch {
	case strings.Contains(t, "rate_limit"), strings.Contains(t, "insufficient_quota"):
		return "rate_limit_error"
	case strings.Contains(t, "authentication"), strings.Contains(t, "invalid_api_key"),
		strings.Contains(t, "permission"):
		return "authentication_error"
	case strings.Contains(t, "not_found"):
		return "not_found_error"
	case strings.Contains(t, "invalid_request"), strings.Contains(t, "invalid_argument"):
		return "invalid_request_error"
	case strings.Contains(t, "overloaded"), strings.Contains(t, "server_overloaded"):
		return "overloaded_error"
	case strings.Contains(t, "timeout"):
		return "timeout_error"
	default:
		return "api_error"
	}
}
