package rpc

import (
	"github.com/code-payments/pool-client/pkg/config"
	"github.com/code-payments/pool-client/pkg/config/env"
	"github.com/code-payments/pool-client/pkg/config/memory"
	"github.com/code-payments/pool-client/pkg/config/wrapper"
	"github.com/code-payments/pool-client/pkg/solana"
)

const (
	envConfigPrefix = "POOL_CLIENT_"

	EndpointConfigEnvName = envConfigPrefix + "RPC_ENDPOINT"
	defaultEndpoint       = string(solana.EnvironmentDev)

	CommitmentConfigEnvName = envConfigPrefix + "COMMITMENT"
	defaultCommitment       = "confirmed"

	RequestsPerSecondConfigEnvName = envConfigPrefix + "RPC_REQUESTS_PER_SECOND"
	defaultRequestsPerSecond       = 50
)

type conf struct {
	endpoint          config.String
	commitment        config.String
	requestsPerSecond config.Uint64
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			endpoint:          env.NewStringConfig(EndpointConfigEnvName, defaultEndpoint),
			commitment:        env.NewStringConfig(CommitmentConfigEnvName, defaultCommitment),
			requestsPerSecond: env.NewUint64Config(RequestsPerSecondConfigEnvName, defaultRequestsPerSecond),
		}
	}
}

type testOverrides struct {
	endpoint          string
	commitment        string
	requestsPerSecond uint64
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	return func() *conf {
		return &conf{
			endpoint:          wrapper.NewStringConfig(stringOverride(overrides.endpoint), defaultEndpoint),
			commitment:        wrapper.NewStringConfig(stringOverride(overrides.commitment), defaultCommitment),
			requestsPerSecond: wrapper.NewUint64Config(memory.NewConfig(overrides.requestsPerSecond), defaultRequestsPerSecond),
		}
	}
}

// stringOverride leaves an empty override unset so the default applies.
func stringOverride(v string) config.Config {
	if v == "" {
		return config.NoopConfig
	}
	return memory.NewConfig(v)
}
