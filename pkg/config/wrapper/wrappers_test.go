package wrapper

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/pool-client/pkg/config/memory"
)

func TestTypedConfig_Lifecycle(t *testing.T) {
	ctx := context.Background()
	mock := memory.NewConfig(nil)
	wrapper := NewUint64Config(mock, 5)

	// Return the default value when no override is set
	val, err := wrapper.GetSafe(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 5, val)

	// The overriden value is returned when set
	mock.SetValue([]byte("9"))
	val, err = wrapper.GetSafe(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 9, val)
	assert.EqualValues(t, 9, wrapper.Get(ctx))

	// The last observed config value is returned on error
	mock.SetError(errors.New("unavailable"))
	val, err = wrapper.GetSafe(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 9, val)
	assert.EqualValues(t, 9, wrapper.Get(ctx))

	// The default value is returned when the override no longer has a value
	mock.SetError(nil)
	mock.SetValue(nil)
	assert.EqualValues(t, 5, wrapper.Get(ctx))

	// Unparseable and unsupported values keep the last good value
	mock.SetValue([]byte("nine"))
	val, err = wrapper.GetSafe(ctx)
	assert.Error(t, err)
	assert.EqualValues(t, 5, val)

	mock.SetValue(1.5)
	_, err = wrapper.GetSafe(ctx)
	assert.Equal(t, ErrUnsuportedConversion, err)

	mock.SetValue(-1)
	_, err = wrapper.GetSafe(ctx)
	assert.Error(t, err)
}

func TestTypedConfig_Conversions(t *testing.T) {
	ctx := context.Background()

	b := memory.NewConfig([]byte("true"))
	assert.True(t, NewBoolConfig(b, false).Get(ctx))
	b.SetValue(false)
	assert.False(t, NewBoolConfig(b, true).Get(ctx))

	s := memory.NewConfig([]byte("confirmed"))
	assert.Equal(t, "confirmed", NewStringConfig(s, "finalized").Get(ctx))
	s.SetValue("processed")
	assert.Equal(t, "processed", NewStringConfig(s, "finalized").Get(ctx))

	d := memory.NewConfig([]byte("250ms"))
	assert.Equal(t, 250*time.Millisecond, NewDurationConfig(d, time.Second).Get(ctx))
	d.SetValue(3 * time.Second)
	assert.Equal(t, 3*time.Second, NewDurationConfig(d, time.Second).Get(ctx))
	d.SetValue([]byte("soon"))
	assert.Equal(t, time.Second, NewDurationConfig(d, time.Second).Get(ctx))
}

func TestTypedConfig_Shutdown(t *testing.T) {
	mock := memory.NewConfig("value")
	wrapper := NewStringConfig(mock, "default")
	wrapper.Shutdown()

	val, err := wrapper.GetSafe(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "default", val)
}
