package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/form3tech-oss/pact-verifier/internal/app/broker"
	"github.com/pkg/errors"
)

type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

type RequestReplayer struct {
	client  *http.Client
	baseURL string
	headers map[string]string
}

func NewRequestReplayer(client *http.Client, baseURL url.URL, headers map[string]string) *RequestReplayer {
	return &RequestReplayer{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL.String(), "/"),
		headers: headers,
	}
}

// BuildRequest targets base URL + path, with ?query only when the
// interaction records one. Custom headers override recorded ones.
func (r *RequestReplayer) BuildRequest(ctx context.Context, recorded broker.Request) (*http.Request, error) {
	u := r.baseURL + recorded.Path
	if recorded.Query != "" {
		u += "?" + string(recorded.Query)
	}

	method := recorded.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if payload := requestBody(recorded); payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), u, body)
	if err != nil {
		return nil, errors.Wrapf(err, "build request %s %s", method, u)
	}
	for name, value := range recorded.Headers {
		req.Header.Set(name, value)
	}
	for name, value := range r.headers {
		req.Header.Set(name, value)
	}
	return req, nil
}

// requestBody sends JSON bodies as recorded. A string body is sent as
// plain text unless the request declares a JSON content type.
func requestBody(recorded broker.Request) []byte {
	raw := bytes.TrimSpace(recorded.Body)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var text string
	if raw[0] == '"' && !isJSON(headerValue(recorded.Headers, "Content-Type")) {
		if err := json.Unmarshal(raw, &text); err == nil {
			return []byte(text)
		}
	}
	return raw
}

func (r *RequestReplayer) Replay(req *http.Request) (*Response, error) {
	res, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read response of %s %s", req.Method, req.URL)
	}
	return &Response{
		Status:  res.StatusCode,
		Headers: res.Header,
		Body:    body,
	}, nil
}

func headerValue(headers broker.Headers, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
