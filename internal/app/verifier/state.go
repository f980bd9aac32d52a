package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/form3tech-oss/pact-verifier/internal/app/broker"
	"github.com/form3tech-oss/pact-verifier/internal/app/httpresponse"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrMissingStateHandler = errors.New("no handler for provider state")

// StateHandler puts the provider into a named state.
type StateHandler func(ctx context.Context) error

type StateHandlers map[string]StateHandler

type stateSetup func(ctx context.Context, consumer, state string) error

type StateCoordinator struct {
	handlers StateHandlers
	setupURL stateSetup
	mode     StateValidation
	log      log.FieldLogger
}

func NewStateCoordinator(handlers StateHandlers, mode StateValidation, logger log.FieldLogger) *StateCoordinator {
	if mode == "" {
		mode = StateValidationStrict
	}
	return &StateCoordinator{
		handlers: handlers,
		mode:     mode,
		log:      logger,
	}
}

// WithSetupURL makes the coordinator POST every state without a registered
// handler to u.
func (s *StateCoordinator) WithSetupURL(client *http.Client, u url.URL) *StateCoordinator {
	setup := &httpStateSetup{client: client, url: u.String()}
	s.setupURL = setup.setup
	return s
}

func (s *StateCoordinator) resolve(state string) (stateSetup, bool) {
	if handler, ok := s.handlers[state]; ok {
		return func(ctx context.Context, _, _ string) error {
			return handler(ctx)
		}, true
	}
	if s.setupURL != nil {
		return s.setupURL, true
	}
	return nil, false
}

// Validate fails in strict mode when a state used by any document has no
// handler. Missing states are listed in sorted order.
func (s *StateCoordinator) Validate(docs []*broker.Document) error {
	if s.mode != StateValidationStrict {
		return nil
	}

	missing := map[string]bool{}
	for _, doc := range docs {
		for _, state := range doc.States() {
			if _, ok := s.resolve(state); !ok {
				missing[state] = true
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}

	states := make([]string, 0, len(missing))
	for state := range missing {
		states = append(states, strconv.Quote(state))
	}
	sort.Strings(states)
	return errors.Wrap(ErrMissingStateHandler, strings.Join(states, ", "))
}

// StateSetup records which states of one interaction were set up and which
// were skipped for lack of a handler.
type StateSetup struct {
	Applied []string
	Skipped []string
}

// Setup runs the handler for each of the interaction's states in order. It
// does not log so that callers running interactions concurrently can log
// the result in document order with LogSetup.
func (s *StateCoordinator) Setup(ctx context.Context, consumer string, interaction broker.Interaction) (StateSetup, error) {
	var setup StateSetup
	for _, state := range interaction.States() {
		run, ok := s.resolve(state)
		if !ok {
			if s.mode == StateValidationStrict {
				return setup, errors.Wrapf(ErrMissingStateHandler, "%q", state)
			}
			setup.Skipped = append(setup.Skipped, state)
			continue
		}

		if err := run(ctx, consumer, state); err != nil {
			return setup, errors.Wrapf(err, "set up provider state %q", state)
		}
		setup.Applied = append(setup.Applied, state)
	}
	return setup, nil
}

func (s *StateCoordinator) LogSetup(consumer, description string, setup StateSetup) {
	fields := log.Fields{"consumer": consumer, "interaction": description}
	for _, state := range setup.Applied {
		s.log.WithFields(fields).WithField("state", state).Debug("set up provider state")
	}
	for _, state := range setup.Skipped {
		s.log.WithFields(fields).WithField("state", state).Warn("no handler registered for provider state, skipping setup")
	}
}

type httpStateSetup struct {
	client *http.Client
	url    string
}

type stateSetupRequest struct {
	Consumer string   `json:"consumer"`
	State    string   `json:"state"`
	States   []string `json:"states"`
}

func (h *httpStateSetup) setup(ctx context.Context, consumer, state string) error {
	b, err := json.Marshal(stateSetupRequest{
		Consumer: consumer,
		State:    state,
		States:   []string{state},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return httpresponse.Error(res.StatusCode, body)
	}
	return nil
}
