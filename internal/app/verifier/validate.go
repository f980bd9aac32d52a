package verifier

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/form3tech-oss/pact-verifier/internal/app/broker"
	"github.com/form3tech-oss/pact-verifier/internal/app/matcher"
)

type StructuralMatcher interface {
	Match(actual, expected interface{}, matchingRules map[string]interface{}, root string) matcher.Result
}

// ResponseValidator compares status, then headers, then body, stopping at
// the first mismatch. Stages without an expectation pass.
type ResponseValidator struct {
	matcher StructuralMatcher
}

func NewResponseValidator(m StructuralMatcher) *ResponseValidator {
	return &ResponseValidator{matcher: m}
}

func (v *ResponseValidator) Validate(expected broker.Response, actual *Response) matcher.Result {
	if result := validateStatus(expected, actual); !result.Equal {
		return result
	}

	rules := expected.MatchingRules
	if rules == nil {
		rules = map[string]interface{}{}
	}

	if expected.Headers != nil {
		result := v.matcher.Match(actualHeaders(actual.Headers), expectedHeaders(expected.Headers), rules, "$.headers")
		if !result.Equal {
			return result
		}
	}

	if expected.HasBody() {
		var want interface{}
		if err := json.Unmarshal(expected.Body, &want); err != nil {
			return matcher.Result{Message: fmt.Sprintf("unable to parse expected body: %s", err), Path: "$.body"}
		}
		result := v.matcher.Match(actualBody(actual, want), want, rules, "$.body")
		if !result.Equal {
			return result
		}
	}

	return matcher.Result{Equal: true}
}

func validateStatus(expected broker.Response, actual *Response) matcher.Result {
	if expected.Status == nil || *expected.Status == actual.Status {
		return matcher.Result{Equal: true}
	}
	return matcher.Result{
		Message: fmt.Sprintf("expected status %d but got %d", *expected.Status, actual.Status),
		Path:    "$.status",
	}
}

// actualBody decodes JSON bodies. Text is kept as a string when a string is
// expected and the provider did not answer with JSON, so "123" stays "123".
func actualBody(actual *Response, expected interface{}) interface{} {
	if len(actual.Body) == 0 {
		return nil
	}
	if _, ok := expected.(string); ok && !isJSON(actual.Headers.Get("Content-Type")) {
		return string(actual.Body)
	}

	var body interface{}
	if err := json.Unmarshal(actual.Body, &body); err != nil {
		return string(actual.Body)
	}
	return body
}

func actualHeaders(headers http.Header) map[string]interface{} {
	result := make(map[string]interface{}, len(headers))
	for name, values := range headers {
		result[strings.ToLower(name)] = normaliseHeaderValue(strings.Join(values, ","))
	}
	return result
}

func expectedHeaders(headers broker.Headers) map[string]interface{} {
	result := make(map[string]interface{}, len(headers))
	for name, value := range headers {
		result[strings.ToLower(name)] = normaliseHeaderValue(value)
	}
	return result
}

func normaliseHeaderValue(value string) string {
	parts := strings.Split(value, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
