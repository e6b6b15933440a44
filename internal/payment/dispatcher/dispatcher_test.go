package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSubmitReturnsPluginResult(t *testing.T) {
	d := New(zap.NewNop(), 2, time.Second)
	defer d.Stop()

	value, err := d.Submit(context.Background(), func(context.Context) (interface{}, error) {
		return "processed", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "processed", value)
}

func TestSubmitPropagatesPluginError(t *testing.T) {
	d := New(zap.NewNop(), 1, time.Second)
	defer d.Stop()

	boom := errors.New("gateway unreachable")
	_, err := d.Submit(context.Background(), func(context.Context) (interface{}, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestSubmitTimesOutOnSlowCall(t *testing.T) {
	d := New(zap.NewNop(), 1, 20*time.Millisecond)
	defer d.Stop()

	started := time.Now()
	_, err := d.Submit(context.Background(), func(context.Context) (interface{}, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(started), 150*time.Millisecond)
}

func TestSubmitRecoversPluginPanic(t *testing.T) {
	d := New(zap.NewNop(), 1, time.Second)
	defer d.Stop()

	_, err := d.Submit(context.Background(), func(context.Context) (interface{}, error) {
		panic("plugin bug")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestSubmitAfterStopIsRefused(t *testing.T) {
	d := New(zap.NewNop(), 1, time.Second)
	d.Stop()

	_, err := d.Submit(context.Background(), func(context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSubmitHonorsCallerContext(t *testing.T) {
	d := New(zap.NewNop(), 1, time.Second)
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.Submit(ctx, func(context.Context) (interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
