package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunnerValidates(t *testing.T) {
	h := newHarness(t)

	_, err := NewRunner(h.conv, h.groups, RunnerConfig{TickInterval: 0}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewRunner(h.conv, h.groups, RunnerConfig{TickInterval: time.Second, InitiateCron: "every minute"}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewRunner(h.conv, h.groups, RunnerConfig{TickInterval: time.Second, InitiateCron: "*/5 * * * *"}, nil)
	assert.NoError(t, err)
}

func TestRunnerTickAndInitiate(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		h.account(t, id)
	}
	r, err := NewRunner(h.conv, h.groups, RunnerConfig{TickInterval: time.Minute}, nil)
	require.NoError(t, err)

	conversations, groups, err := r.Initiate(h.ctx)
	require.NoError(t, err)
	assert.Positive(t, conversations)
	assert.Equal(t, 1, groups)

	h.clock.Set(t0.Add(time.Hour))
	convRes, groupRes, err := r.Tick(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, conversations, convRes.Sent)
	assert.Equal(t, 1, groupRes.Sent)
}

func TestRunnerStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	r, err := NewRunner(h.conv, h.groups, RunnerConfig{TickInterval: 10 * time.Millisecond, InitiateCron: "* * * * *"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}
