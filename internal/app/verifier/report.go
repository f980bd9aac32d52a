package verifier

import (
	"github.com/form3tech-oss/pact-verifier/internal/app/broker"
	"github.com/form3tech-oss/pact-verifier/internal/app/matcher"
	log "github.com/sirupsen/logrus"
)

type InteractionResult struct {
	Consumer    string `json:"consumer"`
	Description string `json:"description"`
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Path        string `json:"path,omitempty"`
}

type ConsumerOutcome struct {
	Consumer        string `json:"consumer"`
	ConsumerVersion string `json:"consumerVersion"`
	Success         bool   `json:"success"`
	PublishStatus   int    `json:"publishStatus,omitempty"`
}

// Outcome of a verification run. Skipped is kept for reporting but nothing
// skips an interaction, every one is attempted.
type Outcome struct {
	Total     int                 `json:"total"`
	Passed    int                 `json:"passed"`
	Failed    int                 `json:"failed"`
	Skipped   int                 `json:"skipped"`
	Consumers []ConsumerOutcome   `json:"consumers"`
	Results   []InteractionResult `json:"results"`
}

func (o Outcome) Success() bool {
	return o.Failed == 0
}

// Reporter accumulates the outcome and logs one line per interaction. It is
// not safe for concurrent use.
type Reporter struct {
	log     log.FieldLogger
	outcome Outcome
}

func NewReporter(logger log.FieldLogger) *Reporter {
	return &Reporter{log: logger}
}

// BeginConsumer registers a consumer, successful until one of its
// interactions fails, and returns its handle for Record.
func (r *Reporter) BeginConsumer(summary broker.PactSummary) int {
	r.outcome.Consumers = append(r.outcome.Consumers, ConsumerOutcome{
		Consumer:        summary.Consumer,
		ConsumerVersion: summary.ConsumerVersion,
		Success:         true,
	})
	r.log.WithFields(log.Fields{
		"consumer": summary.Consumer,
		"version":  summary.ConsumerVersion,
	}).Infof("verifying pact with %s", summary.Consumer)
	return len(r.outcome.Consumers) - 1
}

func (r *Reporter) Record(consumer int, description string, result matcher.Result) {
	c := &r.outcome.Consumers[consumer]
	r.outcome.Total++
	r.outcome.Results = append(r.outcome.Results, InteractionResult{
		Consumer:    c.Consumer,
		Description: description,
		Success:     result.Equal,
		Message:     result.Message,
		Path:        result.Path,
	})

	fields := log.Fields{"consumer": c.Consumer, "interaction": description}
	if result.Equal {
		r.outcome.Passed++
		r.log.WithFields(fields).Infof("PASS %s", description)
		return
	}

	r.outcome.Failed++
	c.Success = false
	r.log.WithFields(fields).Errorf("FAIL %s", description)
	r.log.WithFields(fields).Error(result.Message)
}

func (r *Reporter) ConsumerSuccess(consumer int) bool {
	return r.outcome.Consumers[consumer].Success
}

func (r *Reporter) Published(consumer int, status int) {
	c := &r.outcome.Consumers[consumer]
	c.PublishStatus = status
	r.log.WithFields(log.Fields{
		"consumer": c.Consumer,
		"success":  c.Success,
		"status":   status,
	}).Infof("published verification result for %s", c.Consumer)
}

// Finish logs the summary and returns the final outcome.
func (r *Reporter) Finish() Outcome {
	r.log.Infof("%d interactions passed", r.outcome.Passed)
	if r.outcome.Failed > 0 {
		r.log.Errorf("%d interactions failed", r.outcome.Failed)
	}
	return r.outcome
}
