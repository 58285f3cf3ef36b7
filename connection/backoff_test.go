package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffNextDelayDoublesEachAttempt(t *testing.T) {
	b := NewBackoff(DefaultConfig(), nil)
	assert.Equal(t, time.Second, b.NextDelay(0))
	assert.Equal(t, 2*time.Second, b.NextDelay(1))
	assert.Equal(t, 4*time.Second, b.NextDelay(2))
	assert.Equal(t, 8*time.Second, b.NextDelay(3))
}

func TestBackoffRefreshWakesWaitBetweenBursts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRetryInterval = time.Hour // would hang the test without Refresh
	b := NewBackoff(cfg, nil)

	done := make(chan error, 1)
	go func() { done <- b.WaitBetweenBursts(context.Background()) }()

	b.Refresh()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitBetweenBursts did not return after Refresh")
	}
}

func TestBackoffWaitBetweenBurstsRespectsContextCancel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoRetryInterval = time.Hour
	b := NewBackoff(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.WaitBetweenBursts(ctx) }()

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitBetweenBursts did not return after context cancel")
	}
}
