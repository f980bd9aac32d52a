package verifier

import (
	"context"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const readyDelay = 250 * time.Millisecond

// waitForProvider polls u until the provider answers with any status or
// timeout elapses. retry.Do returns nil once the context ends, so only a
// completed request counts as ready.
func waitForProvider(ctx context.Context, client *http.Client, u string, timeout time.Duration, logger log.FieldLogger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger.WithField("url", u).Infof("waiting up to %s for provider", timeout)
	ready := false
	err := retry.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		res, err := client.Do(req)
		if err != nil {
			return err
		}
		_ = res.Body.Close()
		ready = true
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(readyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.WithFields(log.Fields{
				"attempt": n + 1,
				"error":   err,
			}).Debug("provider not ready")
		}),
	)
	if !ready {
		if err == nil {
			err = ctx.Err()
		}
		return errors.Wrapf(err, "provider at %s not ready after %s", u, timeout)
	}
	return nil
}
