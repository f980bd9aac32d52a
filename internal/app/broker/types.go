package broker

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const (
	relPacts                      = "pb:pacts"
	relPublishVerificationResults = "pb:publish-verification-results"
)

var ErrLink = errors.New("invalid broker link")

type Link struct {
	Name  string `json:"name,omitempty"`
	Title string `json:"title,omitempty"`
	Href  string `json:"href"`
}

// Links is a HAL _links map. A relation holds either a single link or a list.
type Links map[string]json.RawMessage

func (l Links) Has(rel string) bool {
	_, ok := l[rel]
	return ok
}

func (l Links) Link(rel string) (Link, error) {
	var link Link
	raw, ok := l[rel]
	if !ok {
		return link, errors.Wrapf(ErrLink, "no %q relation", rel)
	}
	if err := json.Unmarshal(raw, &link); err != nil {
		return link, errors.Wrapf(ErrLink, "relation %q is not a link: %s", rel, err)
	}
	if link.Href == "" {
		return link, errors.Wrapf(ErrLink, "relation %q has no href", rel)
	}
	return link, nil
}

func (l Links) List(rel string) ([]Link, error) {
	raw, ok := l[rel]
	if !ok {
		return nil, nil
	}
	var links []Link
	if err := json.Unmarshal(raw, &links); err != nil {
		return nil, errors.Wrapf(ErrLink, "relation %q is not a list of links: %s", rel, err)
	}
	for _, link := range links {
		if link.Href == "" {
			return nil, errors.Wrapf(ErrLink, "relation %q contains a link without href", rel)
		}
	}
	return links, nil
}

type PactSummary struct {
	Consumer        string
	ConsumerVersion string
	Link            Link
}

// NewPactSummary derives the consumer version from the link's
// .../consumer/{consumer}/version/{version} path segments.
func NewPactSummary(link Link) (PactSummary, error) {
	consumer, version, err := parsePactHref(link.Href)
	if err != nil {
		return PactSummary{}, err
	}
	name := link.Name
	if name == "" {
		name = consumer
	}
	return PactSummary{
		Consumer:        name,
		ConsumerVersion: version,
		Link:            link,
	}, nil
}

func parsePactHref(href string) (string, string, error) {
	u, err := url.Parse(href)
	if err != nil {
		return "", "", errors.Wrapf(ErrLink, "unable to parse %q: %s", href, err)
	}

	segments := strings.Split(strings.Trim(u.EscapedPath(), "/"), "/")
	for i := 0; i+3 < len(segments); i++ {
		if segments[i] != "consumer" || segments[i+2] != "version" {
			continue
		}
		consumer, err := url.PathUnescape(segments[i+1])
		if err != nil {
			return "", "", errors.Wrapf(ErrLink, "invalid consumer segment in %q", href)
		}
		version, err := url.PathUnescape(segments[i+3])
		if err != nil {
			return "", "", errors.Wrapf(ErrLink, "invalid version segment in %q", href)
		}
		if consumer == "" || version == "" {
			break
		}
		return consumer, version, nil
	}
	return "", "", errors.Wrapf(ErrLink, "no consumer version in %q", href)
}

type Pacticipant struct {
	Name string `json:"name"`
}

type Document struct {
	Consumer     Pacticipant   `json:"consumer"`
	Provider     Pacticipant   `json:"provider"`
	Interactions []Interaction `json:"interactions"`
	Links        Links         `json:"_links"`
}

// CanPublish reports whether the broker accepts verification results for d.
func (d *Document) CanPublish() bool {
	return d.Links.Has(relPublishVerificationResults)
}

// States returns every provider state label used by the document's interactions.
func (d *Document) States() []string {
	seen := map[string]bool{}
	var states []string
	for _, interaction := range d.Interactions {
		for _, state := range interaction.States() {
			if !seen[state] {
				seen[state] = true
				states = append(states, state)
			}
		}
	}
	return states
}

type ProviderState struct {
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

type Interaction struct {
	Description    string          `json:"description"`
	ProviderState  string          `json:"providerState,omitempty"`
	ProviderStates []ProviderState `json:"providerStates,omitempty"`
	Request        Request         `json:"request"`
	Response       Response        `json:"response"`
}

// States returns the provider state labels in declaration order; v2 documents
// carry at most one.
func (i Interaction) States() []string {
	if i.ProviderState != "" {
		return []string{i.ProviderState}
	}
	states := make([]string, 0, len(i.ProviderStates))
	for _, state := range i.ProviderStates {
		if state.Name != "" {
			states = append(states, state.Name)
		}
	}
	return states
}

type Request struct {
	Method  string          `json:"method"`
	Path    string          `json:"path"`
	Query   Query           `json:"query,omitempty"`
	Headers Headers         `json:"headers,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

type Response struct {
	Status        *int                   `json:"status,omitempty"`
	Headers       Headers                `json:"headers,omitempty"`
	Body          json.RawMessage        `json:"body,omitempty"`
	MatchingRules map[string]interface{} `json:"matchingRules,omitempty"`
}

// HasBody is false for an absent or null body.
func (r Response) HasBody() bool {
	body := bytes.TrimSpace(r.Body)
	return len(body) > 0 && !bytes.Equal(body, []byte("null"))
}

// Query is the encoded query string. v2 documents record a string, v3
// documents a map of parameter to values.
type Query string

func (q *Query) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*q = Query(s)
		return nil
	}

	var values map[string]interface{}
	if err := json.Unmarshal(data, &values); err != nil {
		return errors.Wrap(err, "query is neither a string nor a map")
	}

	query := url.Values{}
	for k, v := range values {
		switch val := v.(type) {
		case string:
			query.Add(k, val)
		case []interface{}:
			for _, item := range val {
				s, ok := item.(string)
				if !ok {
					return errors.Errorf("query parameter %q has a non string value", k)
				}
				query.Add(k, s)
			}
		case nil:
			query.Add(k, "")
		default:
			return errors.Errorf("query parameter %q has a non string value", k)
		}
	}
	*q = Query(query.Encode())
	return nil
}

// Headers holds header values as recorded. Multi valued headers recorded as
// lists are joined with ", ".
type Headers map[string]string

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "headers are not a map")
	}
	if raw == nil {
		*h = nil
		return nil
	}

	headers := make(Headers, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			headers[k] = val
		case []interface{}:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				s, ok := item.(string)
				if !ok {
					return errors.Errorf("header %q has a non string value", k)
				}
				parts = append(parts, s)
			}
			headers[k] = strings.Join(parts, ", ")
		default:
			return errors.Errorf("header %q has a non string value", k)
		}
	}
	*h = headers
	return nil
}
