package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/form3tech-oss/pact-verifier/internal/app/httpresponse"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultAttempts   = 3
	defaultRetryDelay = 500 * time.Millisecond
)

var ErrFetch = errors.New("broker request failed")

// StatusError is returned for a non-success broker response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	apiErr := httpresponse.APIError{StatusCode: e.StatusCode, ErrorMessage: e.Message}
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, apiErr.Error())
}

func (e *StatusError) Is(target error) bool {
	return target == ErrFetch
}

type Config struct {
	URL        url.URL
	Username   string
	Password   string
	Timeout    time.Duration
	Attempts   uint
	RetryDelay time.Duration
}

type Client struct {
	client     http.Client
	url        string
	username   string
	password   string
	attempts   uint
	retryDelay time.Duration
}

func New(config Config) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	attempts := config.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	delay := config.RetryDelay
	if delay == 0 {
		delay = defaultRetryDelay
	}
	return &Client{
		client: http.Client{
			Timeout: timeout,
		},
		url:        strings.TrimSuffix(config.URL.String(), "/"),
		username:   config.Username,
		password:   config.Password,
		attempts:   attempts,
		retryDelay: delay,
	}
}

// LatestPacts lists the latest pact of every consumer of provider. With tags
// it lists the latest pact per tag, in tag order, without duplicates. A
// provider with no pacts yields an empty list and no error.
func (c *Client) LatestPacts(ctx context.Context, provider string, tags []string) ([]PactSummary, error) {
	paths := []string{fmt.Sprintf("/pacts/provider/%s/latest", url.PathEscape(provider))}
	if len(tags) > 0 {
		paths = paths[:0]
		for _, tag := range tags {
			paths = append(paths, fmt.Sprintf("/pacts/provider/%s/latest/%s", url.PathEscape(provider), url.PathEscape(tag)))
		}
	}

	seen := map[string]bool{}
	var summaries []PactSummary
	for _, path := range paths {
		var doc struct {
			Links Links `json:"_links"`
		}
		err := c.getJSON(ctx, c.url+path, &doc)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			log.WithField("url", c.url+path).Info("no pacts registered")
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "fetch latest pacts for %s", provider)
		}

		links, err := doc.Links.List(relPacts)
		if err != nil {
			return nil, err
		}
		for _, link := range links {
			if seen[link.Href] {
				continue
			}
			seen[link.Href] = true

			summary, err := NewPactSummary(link)
			if err != nil {
				return nil, err
			}
			summaries = append(summaries, summary)
		}
	}
	return summaries, nil
}

func (c *Client) ConsumerDocument(ctx context.Context, provider, consumer, version string) (*Document, error) {
	u := fmt.Sprintf("%s/pacts/provider/%s/consumer/%s/version/%s",
		c.url, url.PathEscape(provider), url.PathEscape(consumer), url.PathEscape(version))

	doc := &Document{}
	if err := c.getJSON(ctx, u, doc); err != nil {
		return nil, errors.Wrapf(err, "fetch pact between %s and %s (%s)", consumer, provider, version)
	}
	return doc, nil
}

type verificationResult struct {
	Success                    bool   `json:"success"`
	ProviderApplicationVersion string `json:"providerApplicationVersion"`
}

// Publish posts the verification result to the document's publish link and
// returns the broker's status code. A non-success status is not an error.
func (c *Client) Publish(ctx context.Context, doc *Document, success bool, providerVersion string) (int, error) {
	link, err := doc.Links.Link(relPublishVerificationResults)
	if err != nil {
		return 0, err
	}
	if _, err := url.ParseRequestURI(link.Href); err != nil {
		return 0, errors.Wrapf(ErrLink, "invalid publish link %q", link.Href)
	}

	b, err := json.Marshal(verificationResult{
		Success:                    success,
		ProviderApplicationVersion: providerVersion,
	})
	if err != nil {
		return 0, errors.Wrap(err, "marshal verification result")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, link.Href, bytes.NewReader(b))
	if err != nil {
		return 0, errors.Wrap(err, "create publish request")
	}
	req.Header.Set("Content-Type", "application/json")
	c.authenticate(req)

	res, err := c.client.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "publish verification result")
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		log.WithField("status", res.StatusCode).Warnf("broker rejected verification result: %s", httpresponse.Message(body))
	}
	return res.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, u string, v interface{}) error {
	return retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		req.Header.Set("Accept", "application/hal+json, application/json")
		c.authenticate(req)

		res, err := c.client.Do(req)
		if err != nil {
			log.WithError(err).WithField("url", u).Warn("broker request failed")
			return err
		}
		defer res.Body.Close()

		body, err := io.ReadAll(res.Body)
		if err != nil {
			return err
		}

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return retry.Unrecoverable(&StatusError{
				Method:     http.MethodGet,
				URL:        u,
				StatusCode: res.StatusCode,
				Message:    httpresponse.Message(body),
			})
		}

		if err := json.Unmarshal(body, v); err != nil {
			return retry.Unrecoverable(errors.Wrapf(err, "unable to parse response from %s", u))
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

func (c *Client) authenticate(req *http.Request) {
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}
