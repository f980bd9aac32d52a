package verifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/form3tech-oss/pact-verifier/internal/app/broker"
	"github.com/form3tech-oss/pact-verifier/internal/app/httpresponse"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func interactionWithStates(states ...string) broker.Interaction {
	interaction := broker.Interaction{Description: "an interaction"}
	for _, state := range states {
		interaction.ProviderStates = append(interaction.ProviderStates, broker.ProviderState{Name: state})
	}
	return interaction
}

func TestStateSetupRunsHandlersInOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var ran []string
	handlers := StateHandlers{
		"user 1 exists": func(ctx context.Context) error {
			ran = append(ran, "user 1 exists")
			return nil
		},
		"user 1 is admin": func(ctx context.Context) error {
			ran = append(ran, "user 1 is admin")
			return nil
		},
	}

	states := NewStateCoordinator(handlers, StateValidationStrict, logger)
	setup, err := states.Setup(context.Background(), "web", interactionWithStates("user 1 exists", "user 1 is admin"))
	require.NoError(t, err)
	assert.Equal(t, []string{"user 1 exists", "user 1 is admin"}, ran)
	assert.Equal(t, StateSetup{Applied: []string{"user 1 exists", "user 1 is admin"}}, setup)
}

func TestStateSetupLenientSkipsMissingHandler(t *testing.T) {
	logger, hook := test.NewNullLogger()
	states := NewStateCoordinator(StateHandlers{}, StateValidationLenient, logger)

	setup, err := states.Setup(context.Background(), "web", interactionWithStates("nobody handles this"))
	require.NoError(t, err)
	assert.Equal(t, StateSetup{Skipped: []string{"nobody handles this"}}, setup)
	assert.Empty(t, hook.AllEntries(), "setup leaves logging to LogSetup")

	states.LogSetup("web", "an interaction", setup)
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	assert.Equal(t, "nobody handles this", hook.LastEntry().Data["state"])
	assert.Equal(t, "an interaction", hook.LastEntry().Data["interaction"])
}

func TestStateSetupStrictRejectsMissingHandler(t *testing.T) {
	logger, _ := test.NewNullLogger()
	states := NewStateCoordinator(nil, StateValidationStrict, logger)

	_, err := states.Setup(context.Background(), "web", interactionWithStates("nobody handles this"))
	assert.True(t, errors.Is(err, ErrMissingStateHandler))
	assert.Contains(t, err.Error(), `"nobody handles this"`)
}

func TestStateSetupWithoutStates(t *testing.T) {
	logger, _ := test.NewNullLogger()
	states := NewStateCoordinator(nil, "", logger)

	setup, err := states.Setup(context.Background(), "web", broker.Interaction{})
	assert.NoError(t, err)
	assert.Empty(t, setup.Applied)
	assert.Empty(t, setup.Skipped)
}

func TestStateSetupHandlerFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	failure := errors.New("database is down")
	states := NewStateCoordinator(StateHandlers{
		"user 1 exists": func(ctx context.Context) error { return failure },
	}, StateValidationStrict, logger)

	_, err := states.Setup(context.Background(), "web", interactionWithStates("user 1 exists"))
	assert.True(t, errors.Is(err, failure))
	assert.Contains(t, err.Error(), `set up provider state "user 1 exists"`)
}

func TestValidateStates(t *testing.T) {
	logger, _ := test.NewNullLogger()
	docs := []*broker.Document{
		{Interactions: []broker.Interaction{
			{ProviderState: "known"},
			{ProviderState: "b missing"},
		}},
		{Interactions: []broker.Interaction{
			interactionWithStates("a missing", "known"),
			{},
		}},
	}
	handlers := StateHandlers{"known": func(ctx context.Context) error { return nil }}

	err := NewStateCoordinator(handlers, StateValidationStrict, logger).Validate(docs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingStateHandler))
	assert.Equal(t, `"a missing", "b missing": no handler for provider state`, err.Error())

	assert.NoError(t, NewStateCoordinator(handlers, StateValidationLenient, logger).Validate(docs))
	assert.NoError(t, NewStateCoordinator(handlers, StateValidationStrict, logger).Validate(docs[:0]))
}

type stateSetupCall struct {
	Consumer string   `json:"consumer"`
	State    string   `json:"state"`
	States   []string `json:"states"`
}

func TestStateSetupURL(t *testing.T) {
	var calls []stateSetupCall
	e := echo.New()
	e.POST("/setup", func(c echo.Context) error {
		var call stateSetupCall
		if err := c.Bind(&call); err != nil {
			return err
		}
		if call.State == "broken" {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "cannot seed"})
		}
		calls = append(calls, call)
		return c.NoContent(http.StatusOK)
	})
	ts := httptest.NewServer(e)
	defer ts.Close()

	u, err := url.Parse(ts.URL + "/setup")
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	handled := 0
	states := NewStateCoordinator(StateHandlers{
		"handled locally": func(ctx context.Context) error {
			handled++
			return nil
		},
	}, StateValidationStrict, logger).WithSetupURL(ts.Client(), *u)

	require.NoError(t, states.Validate([]*broker.Document{{Interactions: []broker.Interaction{interactionWithStates("anything")}}}))

	_, err = states.Setup(context.Background(), "web", interactionWithStates("handled locally", "user 1 exists"))
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []stateSetupCall{{Consumer: "web", State: "user 1 exists", States: []string{"user 1 exists"}}}, calls)

	_, err = states.Setup(context.Background(), "web", interactionWithStates("broken"))
	var apiErr *httpresponse.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "cannot seed", apiErr.ErrorMessage)
}
