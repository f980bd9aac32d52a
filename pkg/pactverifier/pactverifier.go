package pactverifier

import (
	"context"
	"net/url"

	"github.com/form3tech-oss/pact-verifier/internal/app/verifier"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Config verifier.Config

type (
	StateHandler  = verifier.StateHandler
	StateHandlers = verifier.StateHandlers
	Outcome       = verifier.Outcome
)

var (
	ErrVerificationFailed  = verifier.ErrVerificationFailed
	ErrMissingStateHandler = verifier.ErrMissingStateHandler
)

// VerifyProvider verifies the provider described by config against the
// latest pact of each of its consumers.
func VerifyProvider(ctx context.Context, config Config, handlers StateHandlers) (Outcome, error) {
	v, err := verifier.New(verifier.Config(config), handlers)
	if err != nil {
		return Outcome{}, err
	}
	return v.Run(ctx)
}

type ProviderVerification struct {
	config   verifier.Config
	handlers StateHandlers
	logger   log.FieldLogger
	err      error
}

// ForProvider starts a verification of provider served at baseURL. Unset
// settings take the verifier defaults: strict states, one interaction at a
// time and a 30s timeout. Errors in the chained settings are reported by
// Verify.
func ForProvider(provider, baseURL string) *ProviderVerification {
	p := &ProviderVerification{
		config:   verifier.Config{Provider: provider},
		handlers: StateHandlers{},
		logger:   log.StandardLogger(),
	}
	p.config.ProviderBaseURL = p.parseURL(baseURL, "provider base url")
	return p
}

func (p *ProviderVerification) parseURL(s, name string) url.URL {
	u, err := url.Parse(s)
	if err != nil {
		if p.err == nil {
			p.err = errors.Wrapf(err, "failed to parse %s", name)
		}
		return url.URL{}
	}
	return *u
}

func (p *ProviderVerification) WithBroker(brokerURL, username, password string) *ProviderVerification {
	p.config.BrokerURL = p.parseURL(brokerURL, "broker url")
	p.config.BrokerUsername = username
	p.config.BrokerPassword = password
	return p
}

func (p *ProviderVerification) WithState(state string, handler StateHandler) *ProviderVerification {
	p.handlers[state] = handler
	return p
}

func (p *ProviderVerification) WithStatesSetupURL(setupURL string) *ProviderVerification {
	p.config.StatesSetupURL = p.parseURL(setupURL, "states setup url")
	return p
}

func (p *ProviderVerification) WithHeader(name, value string) *ProviderVerification {
	if p.config.CustomHeaders == nil {
		p.config.CustomHeaders = map[string]string{}
	}
	p.config.CustomHeaders[name] = value
	return p
}

func (p *ProviderVerification) WithConsumerTags(tags ...string) *ProviderVerification {
	p.config.ConsumerTags = append(p.config.ConsumerTags, tags...)
	return p
}

func (p *ProviderVerification) WithConcurrency(n int) *ProviderVerification {
	p.config.Concurrency = n
	return p
}

func (p *ProviderVerification) WithLogger(logger log.FieldLogger) *ProviderVerification {
	p.logger = logger
	return p
}

// LenientStates skips setup for provider states without a handler instead of
// failing before verification starts.
func (p *ProviderVerification) LenientStates() *ProviderVerification {
	p.config.StateValidation = verifier.StateValidationLenient
	return p
}

// PublishingAs publishes the result of each consumer for providerVersion.
func (p *ProviderVerification) PublishingAs(providerVersion string) *ProviderVerification {
	p.config.PublishResults = true
	p.config.ProviderVersion = providerVersion
	return p
}

func (p *ProviderVerification) Verify(ctx context.Context) (Outcome, error) {
	if p.err != nil {
		return Outcome{}, p.err
	}
	v, err := verifier.New(p.config, p.handlers, verifier.WithLogger(p.logger))
	if err != nil {
		return Outcome{}, err
	}
	return v.Run(ctx)
}
