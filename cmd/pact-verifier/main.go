// Command pact-verifier verifies a provider against the latest pacts of its
// consumers in a Pact broker, configured from the environment.
//
// Every provider state used by a pact must be handled, through
// PROVIDER_STATES_SETUP_URL, before any request is replayed. Set
// STATE_VALIDATION=lenient to replay interactions whose states have no
// handler without setting them up.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/form3tech-oss/pact-verifier/internal/app/configuration"
	"github.com/form3tech-oss/pact-verifier/internal/app/verifier"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func main() {
	if level, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config, err := configuration.NewFromEnv(ctx)
	if err != nil {
		log.WithError(err).Fatal("unable to load configuration")
	}

	// States are set up through PROVIDER_STATES_SETUP_URL; handlers in code
	// need the pactverifier package.
	v, err := verifier.New(config, nil)
	if err != nil {
		log.WithError(err).Fatal("unable to create verifier")
	}

	if _, err := v.Run(ctx); err != nil {
		if errors.Is(err, verifier.ErrVerificationFailed) {
			stop()
			os.Exit(1)
		}
		log.WithError(err).Fatal("verification aborted")
	}
}
