package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerExclusive(t *testing.T) {
	l, err := NewLocker(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	held, err := l.Acquire(ctx, "alice", time.Second)
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Acquire(ctx, "alice", 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	// other identities are independent
	other, err := l.Acquire(ctx, "bob", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, held.Release())
	again, err := l.Acquire(ctx, "alice", 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, again.Release())
	assert.NoError(t, again.Release(), "double release is a no-op")
}

func TestLockerHonoursContext(t *testing.T) {
	l, err := NewLocker(t.TempDir())
	require.NoError(t, err)
	held, err := l.Acquire(context.Background(), "alice", time.Second)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "alice", 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockerRejectsBadNames(t *testing.T) {
	l, err := NewLocker(t.TempDir())
	require.NoError(t, err)
	_, err = l.Acquire(context.Background(), "../escape", time.Second)
	assert.Error(t, err)
}
