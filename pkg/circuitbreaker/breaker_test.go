package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 3, Timeout: time.Minute})
	failing := errors.New("backend down")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func() error { return failing })
		require.ErrorIs(t, err, failing)
	}
	require.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := New("test", Config{
		FailureThreshold: 2,
		SuccessThreshold: 2,
		MaxRequests:      2,
		Timeout:          10 * time.Millisecond,
	})

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 1, Timeout: 10 * time.Millisecond})

	_ = cb.Execute(context.Background(), func() error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	err := cb.Execute(context.Background(), func() error { return errors.New("still down") })
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerSuccessKeepsClosed(t *testing.T) {
	cb := New("test", Config{FailureThreshold: 2})

	for i := 0; i < 10; i++ {
		require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
	}
	require.Equal(t, StateClosed, cb.State())
}
