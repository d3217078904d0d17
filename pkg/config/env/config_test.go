package env

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/code-payments/pool-client/pkg/config"
)

func TestConfigDoesntExist(t *testing.T) {
	const env = "ENV_CONFIG_TEST_VAR"
	os.Setenv(env, "default")

	v, err := NewConfig(env).Get(context.Background())
	assert.Equal(t, []byte("default"), v)
	assert.Nil(t, err)

	os.Unsetenv(env)

	v, err = NewConfig(env).Get(context.Background())
	assert.Nil(t, v)
	assert.Equal(t, config.ErrNoValue, err)
}

func TestTypedConfigs(t *testing.T) {
	ctx := context.Background()

	t.Setenv("POOL_CLIENT_TEST_ATTEMPTS", "7")
	t.Setenv("POOL_CLIENT_TEST_INTERVAL", "10ms")
	t.Setenv("POOL_CLIENT_TEST_FLAG", "false")
	t.Setenv("POOL_CLIENT_TEST_NAME", "confirmed")

	assert.EqualValues(t, 7, NewUint64Config("pool_client_test_attempts", 1).Get(ctx))
	assert.Equal(t, 10*time.Millisecond, NewDurationConfig("pool_client_test_interval", time.Second).Get(ctx))
	assert.False(t, NewBoolConfig("pool_client_test_flag", true).Get(ctx))
	assert.Equal(t, "confirmed", NewStringConfig("pool_client_test_name", "finalized").Get(ctx))

	assert.EqualValues(t, 3, NewUint64Config("pool_client_test_unset", 3).Get(ctx))
}
