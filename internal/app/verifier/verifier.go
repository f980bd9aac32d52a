package verifier

import (
	"context"
	"net/http"
	"time"

	"github.com/form3tech-oss/pact-verifier/internal/app/broker"
	"github.com/form3tech-oss/pact-verifier/internal/app/matcher"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultHTTPTimeout = 30 * time.Second

var ErrVerificationFailed = errors.New("pact verification failed")

type PactSource interface {
	LatestPacts(ctx context.Context, provider string, tags []string) ([]broker.PactSummary, error)
	ConsumerDocument(ctx context.Context, provider, consumer, version string) (*broker.Document, error)
}

type ResultPublisher interface {
	Publish(ctx context.Context, doc *broker.Document, success bool, providerVersion string) (int, error)
}

type Verifier struct {
	config    Config
	client    *http.Client
	source    PactSource
	publisher ResultPublisher
	matcher   StructuralMatcher
	states    *StateCoordinator
	replayer  *RequestReplayer
	validator *ResponseValidator
	log       log.FieldLogger
}

type Option func(*Verifier)

func WithLogger(logger log.FieldLogger) Option {
	return func(v *Verifier) {
		v.log = logger
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) {
		v.client = client
	}
}

func WithPactSource(source PactSource) Option {
	return func(v *Verifier) {
		v.source = source
	}
}

func WithResultPublisher(publisher ResultPublisher) Option {
	return func(v *Verifier) {
		v.publisher = publisher
	}
}

func WithMatcher(m StructuralMatcher) Option {
	return func(v *Verifier) {
		v.matcher = m
	}
}

func New(config Config, handlers StateHandlers, opts ...Option) (*Verifier, error) {
	if config.Concurrency == 0 {
		config.Concurrency = 1
	}
	if config.StateValidation == "" {
		config.StateValidation = StateValidationStrict
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = defaultHTTPTimeout
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	v := &Verifier{
		config:  config,
		client:  &http.Client{Timeout: config.HTTPTimeout},
		matcher: matcher.Structural{},
		log:     log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.source == nil || v.publisher == nil {
		client := broker.New(broker.Config{
			URL:      config.BrokerURL,
			Username: config.BrokerUsername,
			Password: config.BrokerPassword,
			Timeout:  config.HTTPTimeout,
		})
		if v.source == nil {
			v.source = client
		}
		if v.publisher == nil {
			v.publisher = client
		}
	}

	v.states = NewStateCoordinator(handlers, config.StateValidation, v.log)
	if config.hasStatesSetupURL() {
		v.states.WithSetupURL(v.client, config.StatesSetupURL)
	}
	v.replayer = NewRequestReplayer(v.client, config.ProviderBaseURL, config.CustomHeaders)
	v.validator = NewResponseValidator(v.matcher)
	return v, nil
}

// Run verifies the provider against the latest pact of every consumer.
// Consumers are verified in broker order and interactions in document order.
// It returns ErrVerificationFailed with the outcome when any interaction
// failed; any other error aborts the run without a summary.
func (v *Verifier) Run(ctx context.Context) (Outcome, error) {
	if v.config.ReadyTimeout > 0 {
		if err := waitForProvider(ctx, v.client, v.replayer.baseURL, v.config.ReadyTimeout, v.log); err != nil {
			return Outcome{}, err
		}
	}

	logger := v.log.WithField("provider", v.config.Provider)
	logger.Info("fetching pacts")
	summaries, err := v.source.LatestPacts(ctx, v.config.Provider, v.config.ConsumerTags)
	if err != nil {
		return Outcome{}, err
	}
	if len(summaries) == 0 {
		logger.Warn("no pacts registered for provider")
	}

	docs := make([]*broker.Document, len(summaries))
	for i, summary := range summaries {
		doc, err := v.source.ConsumerDocument(ctx, v.config.Provider, summary.Consumer, summary.ConsumerVersion)
		if err != nil {
			return Outcome{}, err
		}
		docs[i] = doc
	}

	if err := v.states.Validate(docs); err != nil {
		return Outcome{}, err
	}

	reporter := NewReporter(v.log)
	for i, summary := range summaries {
		consumer := reporter.BeginConsumer(summary)
		results, err := v.verifyConsumer(ctx, summary.Consumer, docs[i])
		if err != nil {
			return Outcome{}, err
		}
		for j, result := range results {
			description := docs[i].Interactions[j].Description
			v.states.LogSetup(summary.Consumer, description, result.setup)
			reporter.Record(consumer, description, result.match)
		}
		if err := v.publish(ctx, reporter, consumer, docs[i]); err != nil {
			return Outcome{}, err
		}
	}

	outcome := reporter.Finish()
	if v.config.ReportFile != "" {
		if err := WriteReport(v.config.ReportFile, v.config.Provider, v.config.ProviderVersion, outcome); err != nil {
			return outcome, err
		}
	}
	if !outcome.Success() {
		return outcome, ErrVerificationFailed
	}
	return outcome, nil
}

type interactionOutcome struct {
	setup StateSetup
	match matcher.Result
}

// verifyConsumer verifies up to Concurrency interactions at a time. Results
// keep document order whatever order they complete in.
func (v *Verifier) verifyConsumer(ctx context.Context, consumer string, doc *broker.Document) ([]interactionOutcome, error) {
	results := make([]interactionOutcome, len(doc.Interactions))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(v.config.Concurrency)
	for i := range doc.Interactions {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			interaction := doc.Interactions[i]
			result, err := v.verifyInteraction(ctx, consumer, interaction)
			if err != nil {
				return errors.Wrapf(err, "verify %q with %s", interaction.Description, consumer)
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (v *Verifier) verifyInteraction(ctx context.Context, consumer string, interaction broker.Interaction) (interactionOutcome, error) {
	setup, err := v.states.Setup(ctx, consumer, interaction)
	if err != nil {
		return interactionOutcome{}, err
	}

	req, err := v.replayer.BuildRequest(ctx, interaction.Request)
	if err != nil {
		return interactionOutcome{}, err
	}
	res, err := v.replayer.Replay(req)
	if err != nil {
		return interactionOutcome{}, err
	}
	return interactionOutcome{
		setup: setup,
		match: v.validator.Validate(interaction.Response, res),
	}, nil
}

func (v *Verifier) publish(ctx context.Context, reporter *Reporter, consumer int, doc *broker.Document) error {
	if !v.config.PublishResults {
		return nil
	}
	if !doc.CanPublish() {
		v.log.WithField("consumer", doc.Consumer.Name).Warn("pact has no link to publish verification results")
		return nil
	}

	status, err := v.publisher.Publish(ctx, doc, reporter.ConsumerSuccess(consumer), v.config.ProviderVersion)
	if err != nil {
		return errors.Wrap(err, "publish verification results")
	}
	reporter.Published(consumer, status)
	return nil
}
