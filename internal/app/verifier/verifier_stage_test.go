package verifier

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pact-foundation/pact-go/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type stagePact struct {
	consumer     string
	version      string
	interactions string
}

type publishedResult struct {
	Success                    bool   `json:"success"`
	ProviderApplicationVersion string `json:"providerApplicationVersion"`
}

type VerifierStage struct {
	t       *testing.T
	assert  *assert.Assertions
	require *require.Assertions

	broker         *httptest.Server
	brokerStatus   int
	brokerCalls    int32
	pacts          []stagePact
	provider       *echo.Echo
	providerServer *httptest.Server
	providerCalls  int32
	inFlight       int32
	maxInFlight    int32

	mu         sync.Mutex
	published  map[string][]publishedResult
	stateCalls map[string]int

	config   Config
	handlers StateHandlers
	logHook  *test.Hook

	outcome Outcome
	err     error
}

func NewVerifierStage(t *testing.T) (*VerifierStage, *VerifierStage, *VerifierStage) {
	s := &VerifierStage{
		t:          t,
		assert:     assert.New(t),
		require:    require.New(t),
		published:  map[string][]publishedResult{},
		stateCalls: map[string]int{},
		handlers:   StateHandlers{},
	}

	s.provider = echo.New()
	s.provider.HideBanner = true
	s.provider.Pre(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt32(&s.providerCalls, 1)
			return next(c)
		}
	})
	s.providerServer = httptest.NewServer(s.provider)
	s.broker = httptest.NewServer(s.brokerRoutes())
	t.Cleanup(func() {
		s.providerServer.Close()
		s.broker.Close()
	})

	brokerURL, err := url.Parse(s.broker.URL)
	s.require.NoError(err)
	providerURL, err := url.Parse(s.providerServer.URL)
	s.require.NoError(err)
	s.config = Config{
		BrokerURL:       *brokerURL,
		BrokerUsername:  "user",
		BrokerPassword:  "secret",
		Provider:        "api",
		ProviderBaseURL: *providerURL,
		ProviderVersion: "1.2.3",
		StateValidation: StateValidationStrict,
		Concurrency:     1,
		HTTPTimeout:     5 * time.Second,
	}

	return s, s, s
}

func (s *VerifierStage) brokerRoutes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Pre(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt32(&s.brokerCalls, 1)
			user, pass, ok := c.Request().BasicAuth()
			if !ok || user != "user" || pass != "secret" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "bad credentials"})
			}
			return next(c)
		}
	})

	e.GET("/pacts/provider/:provider/latest", func(c echo.Context) error {
		if s.brokerStatus != 0 {
			return c.JSON(s.brokerStatus, map[string]string{"error": "broker unavailable"})
		}
		links := make([]map[string]string, 0, len(s.pacts))
		for _, pact := range s.pacts {
			links = append(links, map[string]string{
				"name": pact.consumer,
				"href": fmt.Sprintf("%s/pacts/provider/%s/consumer/%s/version/%s", s.broker.URL, c.Param("provider"), pact.consumer, pact.version),
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"_links": map[string]interface{}{"pb:pacts": links},
		})
	})

	e.GET("/pacts/provider/:provider/consumer/:consumer/version/:version", func(c echo.Context) error {
		for _, pact := range s.pacts {
			if pact.consumer != c.Param("consumer") || pact.version != c.Param("version") {
				continue
			}
			return c.JSONBlob(http.StatusOK, []byte(fmt.Sprintf(`{
				"consumer": {"name": %q},
				"provider": {"name": %q},
				"interactions": %s,
				"_links": {"pb:publish-verification-results": {"href": %q}}
			}`, pact.consumer, c.Param("provider"), pact.interactions, s.broker.URL+"/results/"+pact.consumer)))
		}
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no such pact"})
	})

	e.POST("/results/:consumer", func(c echo.Context) error {
		var result publishedResult
		if err := c.Bind(&result); err != nil {
			return err
		}
		s.mu.Lock()
		s.published[c.Param("consumer")] = append(s.published[c.Param("consumer")], result)
		s.mu.Unlock()
		return c.NoContent(http.StatusCreated)
	})
	return e
}

func (s *VerifierStage) and() *VerifierStage {
	return s
}

func (s *VerifierStage) a_pact_from_(consumer, version, interactions string) *VerifierStage {
	s.pacts = append(s.pacts, stagePact{consumer: consumer, version: version, interactions: interactions})
	return s
}

func (s *VerifierStage) the_provider_replies_to_(method, path string, status int, body string) *VerifierStage {
	s.provider.Add(method, path, func(c echo.Context) error {
		if body == "" {
			return c.NoContent(status)
		}
		return c.JSONBlob(status, []byte(body))
	})
	return s
}

func (s *VerifierStage) the_provider_replies_with_arbitrary_content_to_(method, path string) *VerifierStage {
	s.provider.Add(method, path, func(c echo.Context) error {
		c.Response().Header().Set("X-Request-Id", strconv.FormatInt(time.Now().UnixNano(), 10))
		return c.String(http.StatusOK, "anything at all")
	})
	return s
}

// the_provider_serves_slow_items answers /items/:id more slowly the lower the
// id, so concurrent requests complete in reverse order.
func (s *VerifierStage) the_provider_serves_slow_items() *VerifierStage {
	s.provider.GET("/items/:id", func(c echo.Context) error {
		n := atomic.AddInt32(&s.inFlight, 1)
		defer atomic.AddInt32(&s.inFlight, -1)
		for {
			max := atomic.LoadInt32(&s.maxInFlight)
			if n <= max || atomic.CompareAndSwapInt32(&s.maxInFlight, max, n) {
				break
			}
		}

		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			return c.NoContent(http.StatusBadRequest)
		}
		time.Sleep(time.Duration(5-id) * 30 * time.Millisecond)
		if id == 3 {
			return c.JSON(http.StatusOK, map[string]int{"id": 0})
		}
		return c.JSON(http.StatusOK, map[string]int{"id": id})
	})
	return s
}

func (s *VerifierStage) a_state_handler_for_(state string) *VerifierStage {
	s.handlers[state] = func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.stateCalls[state]++
		return nil
	}
	return s
}

func (s *VerifierStage) a_failing_state_handler_for_(state string, err error) *VerifierStage {
	s.handlers[state] = func(ctx context.Context) error {
		return err
	}
	return s
}

func (s *VerifierStage) lenient_state_validation() *VerifierStage {
	s.config.StateValidation = StateValidationLenient
	return s
}

func (s *VerifierStage) publishing_is_enabled() *VerifierStage {
	s.config.PublishResults = true
	return s
}

func (s *VerifierStage) a_concurrency_of_(n int) *VerifierStage {
	s.config.Concurrency = n
	return s
}

func (s *VerifierStage) the_broker_fails_with_(status int) *VerifierStage {
	s.brokerStatus = status
	return s
}

func (s *VerifierStage) a_ready_timeout_of_(timeout time.Duration) *VerifierStage {
	s.config.ReadyTimeout = timeout
	return s
}

func (s *VerifierStage) the_provider_is_unreachable() *VerifierStage {
	port, err := utils.GetFreePort()
	s.require.NoError(err)
	s.config.ProviderBaseURL = url.URL{Scheme: "http", Host: fmt.Sprintf("localhost:%d", port)}
	return s
}

func (s *VerifierStage) a_report_file() *VerifierStage {
	s.config.ReportFile = filepath.Join(s.t.TempDir(), "report.json")
	return s
}

func (s *VerifierStage) the_provider_is_verified() *VerifierStage {
	logger, hook := test.NewNullLogger()
	s.logHook = hook

	v, err := New(s.config, s.handlers, WithLogger(logger))
	s.require.NoError(err)
	s.outcome, s.err = v.Run(context.Background())
	return s
}

func (s *VerifierStage) verification_succeeds() *VerifierStage {
	s.assert.NoError(s.err)
	s.assert.True(s.outcome.Success())
	return s
}

func (s *VerifierStage) verification_fails() *VerifierStage {
	s.assert.True(errors.Is(s.err, ErrVerificationFailed), "expected verification failure, got %v", s.err)
	s.assert.False(s.outcome.Success())
	return s
}

func (s *VerifierStage) the_run_aborts_with_(target error) *VerifierStage {
	s.assert.True(errors.Is(s.err, target), "expected %v, got %v", target, s.err)
	s.assert.False(errors.Is(s.err, ErrVerificationFailed))
	s.assert.Zero(s.outcome.Total)
	return s
}

func (s *VerifierStage) the_run_aborts_mentioning_(message string) *VerifierStage {
	s.require.Error(s.err)
	s.assert.Contains(s.err.Error(), message)
	s.assert.False(errors.Is(s.err, ErrVerificationFailed))
	s.assert.Zero(s.outcome.Total)
	return s
}

func (s *VerifierStage) the_broker_received_(requests int) *VerifierStage {
	s.assert.Equal(int32(requests), atomic.LoadInt32(&s.brokerCalls))
	return s
}

func (s *VerifierStage) the_counts_are_(total, passed, failed int) *VerifierStage {
	s.assert.Equal(total, s.outcome.Total, "total")
	s.assert.Equal(passed, s.outcome.Passed, "passed")
	s.assert.Equal(failed, s.outcome.Failed, "failed")
	s.assert.Equal(s.outcome.Total, s.outcome.Passed+s.outcome.Failed)
	s.assert.Zero(s.outcome.Skipped)
	return s
}

func (s *VerifierStage) result_message_contains_(i int, parts ...string) *VerifierStage {
	s.require.Greater(len(s.outcome.Results), i)
	for _, part := range parts {
		s.assert.Contains(s.outcome.Results[i].Message, part)
	}
	return s
}

func (s *VerifierStage) the_results_are_in_order_(descriptions ...string) *VerifierStage {
	got := make([]string, 0, len(s.outcome.Results))
	for _, result := range s.outcome.Results {
		got = append(got, result.Description)
	}
	s.assert.Equal(descriptions, got)
	return s
}

func (s *VerifierStage) the_result_of_(description string, success bool) *VerifierStage {
	for _, result := range s.outcome.Results {
		if result.Description == description {
			s.assert.Equal(success, result.Success, description)
			return s
		}
	}
	s.t.Errorf("no result for %q", description)
	return s
}

func (s *VerifierStage) the_result_published_for_(consumer string, success bool) *VerifierStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assert.Equal([]publishedResult{{Success: success, ProviderApplicationVersion: "1.2.3"}}, s.published[consumer])
	return s
}

func (s *VerifierStage) nothing_is_published() *VerifierStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assert.Empty(s.published)
	return s
}

func (s *VerifierStage) the_state_handler_ran_(state string, times int) *VerifierStage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assert.Equal(times, s.stateCalls[state], state)
	return s
}

func (s *VerifierStage) the_provider_received_(requests int) *VerifierStage {
	s.assert.Equal(int32(requests), atomic.LoadInt32(&s.providerCalls))
	return s
}

func (s *VerifierStage) requests_overlapped() *VerifierStage {
	s.assert.Greater(atomic.LoadInt32(&s.maxInFlight), int32(1))
	return s
}

func (s *VerifierStage) requests_never_overlapped() *VerifierStage {
	s.assert.Equal(int32(1), atomic.LoadInt32(&s.maxInFlight))
	return s
}

func (s *VerifierStage) a_warning_is_logged_(message string) *VerifierStage {
	for _, entry := range s.logHook.AllEntries() {
		if entry.Message == message {
			return s
		}
	}
	s.t.Errorf("no log entry %q", message)
	return s
}

func (s *VerifierStage) skipped_states_are_logged_in_order_(states ...string) *VerifierStage {
	var got []string
	for _, entry := range s.logHook.AllEntries() {
		if entry.Message == "no handler registered for provider state, skipping setup" {
			got = append(got, entry.Data["state"].(string))
		}
	}
	s.assert.Equal(states, got)
	return s
}

func (s *VerifierStage) the_report_file_records_(total, failed int) *VerifierStage {
	b, err := os.ReadFile(s.config.ReportFile)
	s.require.NoError(err)
	report := gjson.ParseBytes(b)
	s.assert.Equal("api", report.Get("provider.name").String())
	s.assert.Equal(int64(total), report.Get("summary.total").Int())
	s.assert.Equal(int64(failed), report.Get("summary.failed").Int())
	s.assert.Equal(failed == 0, report.Get("success").Bool())
	s.assert.Len(report.Get("interactions").Array(), total)
	return s
}
