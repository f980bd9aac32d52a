package httpresponse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const maxMessageLength = 256

type APIError struct {
	StatusCode   int    `json:"status"`
	ErrorMessage string `json:"error"`
}

func (e *APIError) Error() string {
	if e.ErrorMessage == "" {
		return fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.ErrorMessage)
}

func Error(statusCode int, body []byte) *APIError {
	return &APIError{
		StatusCode:   statusCode,
		ErrorMessage: Message(body),
	}
}

// Message extracts a readable message from an error response body.
// It understands {"error": "..."}, {"error": {"message": "..."}} and the
// broker's validation format {"errors": {"field": ["..."]}}, and falls back
// to the raw body.
func Message(body []byte) string {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err == nil {
		if msg := errorField(doc["error"]); msg != "" {
			return msg
		}
		if msg := errorField(doc["errors"]); msg != "" {
			return msg
		}
		if msg, ok := doc["message"].(string); ok {
			return msg
		}
	}

	text := strings.TrimSpace(string(body))
	if len(text) > maxMessageLength {
		text = text[:maxMessageLength] + "..."
	}
	return text
}

func errorField(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			return msg
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			if msg := errorField(val[k]); msg != "" {
				parts = append(parts, k+": "+msg)
			}
		}
		return strings.Join(parts, "; ")
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if msg := errorField(item); msg != "" {
				parts = append(parts, msg)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
