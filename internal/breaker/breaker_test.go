package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtectPassesThroughSuccess(t *testing.T) {
	b := New("test", DefaultConfig(), nil)
	err := b.Protect(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", b.State())
}

func TestProtectOpensAfterThreshold(t *testing.T) {
	b := New("test", Config{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 1,
	}, nil)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Protect(context.Background(), func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())

	var called bool
	err := b.Protect(context.Background(), func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestProtectRecoversThroughHalfOpen(t *testing.T) {
	b := New("test", Config{
		FailureThreshold: 1,
		OpenTimeout:      20 * time.Millisecond,
		HalfOpenMaxCalls: 1,
	}, nil)

	_ = b.Protect(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, "open", b.State())

	time.Sleep(30 * time.Millisecond)

	err := b.Protect(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "closed", b.State())
}

func TestProtectHonorsCancelledContext(t *testing.T) {
	b := New("test", DefaultConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var called bool
	err := b.Protect(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
