package submission

import (
	"time"

	"github.com/code-payments/pool-client/pkg/config"
	"github.com/code-payments/pool-client/pkg/config/env"
	"github.com/code-payments/pool-client/pkg/config/memory"
	"github.com/code-payments/pool-client/pkg/config/wrapper"
)

const (
	envConfigPrefix = "POOL_CLIENT_"

	MaxSubmitAttemptsConfigEnvName = envConfigPrefix + "MAX_SUBMIT_ATTEMPTS"
	defaultMaxSubmitAttempts       = 5

	RetryBaseDelayConfigEnvName = envConfigPrefix + "SUBMIT_RETRY_BASE_DELAY"
	defaultRetryBaseDelay       = 250 * time.Millisecond

	PollIntervalConfigEnvName = envConfigPrefix + "POLL_INTERVAL"
	defaultPollInterval       = 500 * time.Millisecond

	MaxRebuildsConfigEnvName = envConfigPrefix + "MAX_REBUILDS"
	defaultMaxRebuilds       = 3

	maxRetryBackoff = 5 * time.Second
)

type conf struct {
	maxSubmitAttempts config.Uint64
	retryBaseDelay    config.Duration
	pollInterval      config.Duration
	maxRebuilds       config.Uint64
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			maxSubmitAttempts: env.NewUint64Config(MaxSubmitAttemptsConfigEnvName, defaultMaxSubmitAttempts),
			retryBaseDelay:    env.NewDurationConfig(RetryBaseDelayConfigEnvName, defaultRetryBaseDelay),
			pollInterval:      env.NewDurationConfig(PollIntervalConfigEnvName, defaultPollInterval),
			maxRebuilds:       env.NewUint64Config(MaxRebuildsConfigEnvName, defaultMaxRebuilds),
		}
	}
}

// Overrides are static configuration values, for tests and scripts.
type Overrides struct {
	MaxSubmitAttempts uint64
	RetryBaseDelay    time.Duration
	PollInterval      time.Duration
	MaxRebuilds       uint64
}

// WithOverrides returns configuration fixed to the values in overrides.
func WithOverrides(overrides *Overrides) ConfigProvider {
	return func() *conf {
		return &conf{
			maxSubmitAttempts: wrapper.NewUint64Config(memory.NewConfig(overrides.MaxSubmitAttempts), defaultMaxSubmitAttempts),
			retryBaseDelay:    wrapper.NewDurationConfig(memory.NewConfig(overrides.RetryBaseDelay), defaultRetryBaseDelay),
			pollInterval:      wrapper.NewDurationConfig(memory.NewConfig(overrides.PollInterval), defaultPollInterval),
			maxRebuilds:       wrapper.NewUint64Config(memory.NewConfig(overrides.MaxRebuilds), defaultMaxRebuilds),
		}
	}
}
