package configuration

import (
	"context"

	"github.com/form3tech-oss/pact-verifier/internal/app/verifier"
	"github.com/pkg/errors"
	"github.com/sethvargo/go-envconfig"
)

func NewFromEnv(ctx context.Context) (verifier.Config, error) {
	return NewFromLookuper(ctx, envconfig.OsLookuper())
}

// NewFromLookuper reads the configuration from l and validates it.
func NewFromLookuper(ctx context.Context, l envconfig.Lookuper) (verifier.Config, error) {
	var config verifier.Config
	if err := envconfig.ProcessWith(ctx, &config, l); err != nil {
		return config, errors.Wrap(err, "process env config")
	}
	if err := config.Validate(); err != nil {
		return config, errors.Wrap(err, "invalid configuration")
	}
	return config, nil
}
