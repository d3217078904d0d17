package poolclient

import (
	"github.com/code-payments/pool-client/pkg/builder"
	"github.com/code-payments/pool-client/pkg/config"
	"github.com/code-payments/pool-client/pkg/config/env"
	"github.com/code-payments/pool-client/pkg/config/memory"
	"github.com/code-payments/pool-client/pkg/config/wrapper"
	"github.com/code-payments/pool-client/pkg/resolver"
	"github.com/code-payments/pool-client/pkg/submission"
)

const (
	envConfigPrefix = "POOL_CLIENT_"

	AccountLockStripesConfigEnvName = envConfigPrefix + "ACCOUNT_LOCK_STRIPES"
	defaultAccountLockStripes       = 1024
)

type conf struct {
	accountLockStripes config.Uint64

	resolver   resolver.ConfigProvider
	builder    builder.ConfigProvider
	submission submission.ConfigProvider
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			accountLockStripes: env.NewUint64Config(AccountLockStripesConfigEnvName, defaultAccountLockStripes),

			resolver:   resolver.WithEnvConfigs(),
			builder:    builder.WithEnvConfigs(),
			submission: submission.WithEnvConfigs(),
		}
	}
}

type testOverrides struct {
	accountLockStripes uint64
	submission         *submission.Overrides
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	return func() *conf {
		return &conf{
			accountLockStripes: wrapper.NewUint64Config(memory.NewConfig(overrides.accountLockStripes), defaultAccountLockStripes),

			resolver:   resolver.WithEnvConfigs(),
			builder:    builder.WithEnvConfigs(),
			submission: submission.WithOverrides(overrides.submission),
		}
	}
}
