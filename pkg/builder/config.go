package builder

import (
	"github.com/mr-tron/base58"

	"github.com/code-payments/pool-client/pkg/config"
	"github.com/code-payments/pool-client/pkg/config/env"
	"github.com/code-payments/pool-client/pkg/config/memory"
	"github.com/code-payments/pool-client/pkg/config/wrapper"
	"github.com/code-payments/pool-client/pkg/pool"
)

const (
	envConfigPrefix = "POOL_CLIENT_"

	ProgramIdConfigEnvName = envConfigPrefix + "PROGRAM_ID"

	AuthorityCacheBudgetConfigEnvName = envConfigPrefix + "AUTHORITY_CACHE_BUDGET"
	defaultAuthorityCacheBudget       = 10_000

	ComputeUnitPriceConfigEnvName = envConfigPrefix + "COMPUTE_UNIT_PRICE"
	defaultComputeUnitPrice       = 0

	ComputeUnitLimitConfigEnvName = envConfigPrefix + "COMPUTE_UNIT_LIMIT"
	defaultComputeUnitLimit       = 0
)

var defaultProgramId = base58.Encode(pool.ProgramKey)

type conf struct {
	programId            config.String
	authorityCacheBudget config.Uint64
	computeUnitPrice     config.Uint64
	computeUnitLimit     config.Uint64
}

// ConfigProvider defines how config values are pulled
type ConfigProvider func() *conf

// WithEnvConfigs returns configuration pulled from environment variables
func WithEnvConfigs() ConfigProvider {
	return func() *conf {
		return &conf{
			programId:            env.NewStringConfig(ProgramIdConfigEnvName, defaultProgramId),
			authorityCacheBudget: env.NewUint64Config(AuthorityCacheBudgetConfigEnvName, defaultAuthorityCacheBudget),
			computeUnitPrice:     env.NewUint64Config(ComputeUnitPriceConfigEnvName, defaultComputeUnitPrice),
			computeUnitLimit:     env.NewUint64Config(ComputeUnitLimitConfigEnvName, defaultComputeUnitLimit),
		}
	}
}

type testOverrides struct {
	programId            string
	authorityCacheBudget uint64
	computeUnitPrice     uint64
	computeUnitLimit     uint64
}

func withManualTestOverrides(overrides *testOverrides) ConfigProvider {
	return func() *conf {
		programId := config.Config(memory.NewConfig(overrides.programId))
		if overrides.programId == "" {
			programId = config.NoopConfig
		}

		return &conf{
			programId:            wrapper.NewStringConfig(programId, defaultProgramId),
			authorityCacheBudget: wrapper.NewUint64Config(memory.NewConfig(overrides.authorityCacheBudget), defaultAuthorityCacheBudget),
			computeUnitPrice:     wrapper.NewUint64Config(memory.NewConfig(overrides.computeUnitPrice), defaultComputeUnitPrice),
			computeUnitLimit:     wrapper.NewUint64Config(memory.NewConfig(overrides.computeUnitLimit), defaultComputeUnitLimit),
		}
	}
}
