package verifier

import (
	"net/url"
	"time"

	"github.com/pkg/errors"
)

type StateValidation string

const (
	// StateValidationStrict requires a handler for every provider state
	// before any interaction is replayed.
	StateValidationStrict StateValidation = "strict"
	// StateValidationLenient skips setup for states without a handler.
	StateValidationLenient StateValidation = "lenient"
)

type Config struct {
	BrokerURL       url.URL           `env:"PACT_BROKER_URL,required"`
	BrokerUsername  string            `env:"PACT_BROKER_USERNAME"`
	BrokerPassword  string            `env:"PACT_BROKER_PASSWORD"`
	Provider        string            `env:"PACT_PROVIDER,required"`
	ProviderBaseURL url.URL           `env:"PROVIDER_BASE_URL,required"`
	ProviderVersion string            `env:"PROVIDER_VERSION"`
	CustomHeaders   map[string]string `env:"PROVIDER_HEADERS,delimiter=;"`    // Added to every replayed request, e.g. Authorization:Bearer x;X-Env:ci
	StatesSetupURL  url.URL           `env:"PROVIDER_STATES_SETUP_URL"`       // Receives a POST for each provider state when set
	PublishResults  bool              `env:"PUBLISH_VERIFICATION_RESULTS"`    // Publish the outcome per consumer to the broker
	ConsumerTags    []string          `env:"CONSUMER_VERSION_TAGS"`           // Verify the latest pact per tag instead of the overall latest
	StateValidation StateValidation   `env:"STATE_VALIDATION,default=strict"` // strict or lenient
	Concurrency     int               `env:"VERIFY_CONCURRENCY,default=1"`    // Interactions verified in parallel per consumer
	ReadyTimeout    time.Duration     `env:"PROVIDER_READY_TIMEOUT"`          // Wait for the provider to answer before verifying, 0 disables
	ReportFile      string            `env:"VERIFICATION_REPORT_FILE"`        // Write a JSON report of the run
	HTTPTimeout     time.Duration     `env:"HTTP_TIMEOUT,default=30s"`        // Timeout of each broker, provider and state setup call
}

func (c Config) Validate() error {
	if c.BrokerURL.Host == "" {
		return errors.New("broker url must be absolute")
	}
	if c.Provider == "" {
		return errors.New("provider name is required")
	}
	if c.ProviderBaseURL.Host == "" {
		return errors.New("provider base url must be absolute")
	}
	if c.PublishResults && c.ProviderVersion == "" {
		return errors.New("publishing verification results requires a provider version")
	}
	if c.Concurrency < 1 {
		return errors.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	switch c.StateValidation {
	case StateValidationStrict, StateValidationLenient, "":
	default:
		return errors.Errorf("unknown state validation mode %q", c.StateValidation)
	}
	if c.ReadyTimeout < 0 {
		return errors.New("provider ready timeout must not be negative")
	}
	return nil
}

func (c Config) hasStatesSetupURL() bool {
	return c.StatesSetupURL.Host != ""
}
