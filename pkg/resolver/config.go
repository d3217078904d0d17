package resolver

import (
	"github.com/code-payments/pool-client/pkg/config"
	"github.com/code-payments/pool-client/pkg/config/env"
	"github.com/code-payments/pool-client/pkg/config/memory"
	"github.com/code-payments/pool-client/pkg/config/wrapper"
)

const (
	envConfigPrefix = "POOL_CLIENT_"

	CoalesceConfigEnvName = envConfigPrefix + "RESOLVER_COALESCE"
	defaultCoalesce       = true
)

type conf struct {
	coalesce config.Bool
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			coalesce: env.NewBoolConfig(CoalesceConfigEnvName, defaultCoalesce),
		}
	}
}

type testOverrides struct {
	coalesce bool
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	return func() *conf {
		return &conf{
			coalesce: wrapper.NewBoolConfig(memory.NewConfig(overrides.coalesce), defaultCoalesce),
		}
	}
}
