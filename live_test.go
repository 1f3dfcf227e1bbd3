package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassDrivesEachRobot(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "alice", StateActive)
	env.addOrder(t, "alice", 5, testNow.Add(-time.Hour))
	env.addRobot(t, "bob", StateActive)
	env.addOrder(t, "bob", 3, testNow.Add(time.Hour))
	env.addRobot(t, "carol", StateActive)
	env.addOrder(t, "carol", 1, testNow.Add(30*time.Minute)) // listed, expires this hour

	rep, err := env.fleet().Pass(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, rep.ID)
	assert.Equal(t, 3, rep.Active)
	assert.Equal(t, 1, rep.Listed)
	assert.Equal(t, map[string]Action{"alice": ActRemake, "bob": ActMovePending}, rep.Actions)
	assert.Empty(t, rep.Failed)
	assert.Equal(t, 2, rep.Used, "carol's listing plus alice's remake")
	assert.Empty(t, rep.Promoted)

	assert.Equal(t, StateActive, env.stateOf(t, "alice"))
	assert.Equal(t, StatePending, env.stateOf(t, "bob"))
	assert.Equal(t, StateActive, env.stateOf(t, "carol"))
	assert.Equal(t, 1, env.paper.Mutations())
}

func TestPassEnqueuesWhenHourIsFull(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.OrderMaximum = 1
	env.addRobot(t, "carol", StateActive)
	env.addOrder(t, "carol", 1, testNow.Add(30*time.Minute))
	env.addRobot(t, "erin", StateActive)
	env.addOrder(t, "erin", 0, testNow.Add(time.Hour))

	rep, err := env.fleet().Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ActEnqueue, rep.Actions["erin"])
	assert.Empty(t, rep.Promoted)
	assert.Equal(t, 0, env.payer.Paid())

	names, err := env.queue.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"erin"}, names)

	// the queued robot is not retried while it waits
	rep, err = env.fleet().Pass(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, rep.Actions, "erin")
}

func TestPassPromotesQueuedRobot(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "erin", StateActive)
	env.addOrder(t, "erin", 0, testNow.Add(time.Hour))
	_, err := env.queue.Push("erin")
	require.NoError(t, err)
	_, err = env.queue.Push("gone") // no longer active, pruned
	require.NoError(t, err)

	rep, err := env.fleet().Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "erin", rep.Promoted)
	assert.Equal(t, ActBond, rep.Actions["erin"])
	assert.Equal(t, 1, env.payer.Paid())

	names, err := env.queue.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPassPrunesListedRobotFromQueue(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "carol", StateActive)
	env.addOrder(t, "carol", 1, testNow.Add(30*time.Minute))
	env.addRobot(t, "erin", StateActive)
	env.addOrder(t, "erin", 0, testNow.Add(time.Hour))
	for _, n := range []string{"carol", "erin"} {
		_, err := env.queue.Push(n)
		require.NoError(t, err)
	}

	rep, err := env.fleet().Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "erin", rep.Promoted, "the listed robot does not use up the promotion")
	assert.Equal(t, map[string]Action{"erin": ActBond}, rep.Actions)
	assert.Equal(t, 1, env.payer.Paid())

	names, err := env.queue.Names()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPassRequeuesBusyPromotedRobotAtFront(t *testing.T) {
	env := newTestEnv(t)
	for _, n := range []string{"erin", "frank"} {
		env.addRobot(t, n, StateActive)
		env.addOrder(t, n, 0, testNow.Add(time.Hour))
		_, err := env.queue.Push(n)
		require.NoError(t, err)
	}
	held, err := env.locks.Acquire(context.Background(), "erin", time.Second)
	require.NoError(t, err)
	defer held.Release()

	rep, err := env.fleet().Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "erin", rep.Promoted)
	assert.Equal(t, []string{"erin"}, rep.Skipped)
	assert.Equal(t, 0, env.payer.Paid())

	names, err := env.queue.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"erin", "frank"}, names)
}

func TestPassSkipsBusyRobot(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "dave", StateActive)
	env.addOrder(t, "dave", 5, testNow.Add(-time.Hour))
	env.addRobot(t, "bob", StateActive)
	env.addOrder(t, "bob", 3, testNow.Add(time.Hour))

	held, err := env.locks.Acquire(context.Background(), "dave", time.Second)
	require.NoError(t, err)
	defer held.Release()

	rep, err := env.fleet().Pass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, rep.Skipped)
	assert.Equal(t, ActMovePending, rep.Actions["bob"])
	assert.Empty(t, rep.Failed)
}

func TestPassRecordsTurnFailures(t *testing.T) {
	env := newTestEnv(t)
	env.payer.Reject = true
	env.addRobot(t, "erin", StateActive)
	env.addOrder(t, "erin", 0, testNow.Add(time.Hour))
	env.addRobot(t, "bob", StateActive)
	env.addOrder(t, "bob", 3, testNow.Add(time.Hour))

	rep, err := env.fleet().Pass(context.Background())
	require.NoError(t, err, "one robot failing never fails the pass")
	require.Contains(t, rep.Failed, "erin")
	assert.ErrorIs(t, rep.Failed["erin"], ErrBondCheckFailed)
	assert.Equal(t, ActMovePending, rep.Actions["bob"])
}

func TestPassFailsWhenBookUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "alice", StateActive)
	env.addOrder(t, "alice", 5, testNow.Add(-time.Hour))
	env.paper.Fail = errors.New("onion unreachable")

	rep, err := env.fleet().Pass(context.Background())
	assert.ErrorIs(t, err, ErrAllCoordinatorsFailed)
	require.NotNil(t, rep)
	assert.Empty(t, rep.Actions)
}

func TestPassWithWorkers(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Workers = 4
	env.cfg.OrderMaximum = 3
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("taken%d", i)
		env.addRobot(t, name, StateActive)
		env.addOrder(t, name, 3, testNow.Add(time.Hour))
	}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("expired%d", i)
		env.addRobot(t, name, StateActive)
		env.addOrder(t, name, 5, testNow.Add(-time.Hour))
	}

	rep, err := env.fleet().Pass(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Failed)

	var remade, queued int
	for name, act := range rep.Actions {
		switch act {
		case ActRemake:
			remade++
		case ActEnqueue:
			queued++
		case ActMovePending:
			assert.Equal(t, StatePending, env.stateOf(t, name))
		}
	}
	assert.Equal(t, 3, remade, "the hourly cap holds under concurrency")
	assert.Equal(t, 2, queued)
	assert.Equal(t, 3, rep.Used)

	pending, err := env.store.List(StatePending)
	require.NoError(t, err)
	assert.Len(t, pending, 6)
}

func TestKeepOnlineStopsWithoutActiveRobots(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.PassInterval = 5 * time.Millisecond
	env.addRobot(t, "bob", StateActive)
	env.addOrder(t, "bob", 3, testNow.Add(time.Hour))

	done := make(chan error, 1)
	go func() { done <- env.fleet().KeepOnline(context.Background(), false) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("keep-online did not stop after the last robot left active")
	}
	assert.Equal(t, StatePending, env.stateOf(t, "bob"))
}

func TestKeepOnlineOnce(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.PassInterval = time.Hour
	env.addRobot(t, "pat", StateActive)
	env.addOrder(t, "pat", 1, testNow.Add(time.Hour))
	env.paper.Fail = errors.New("down")

	err := env.fleet().KeepOnline(context.Background(), true)
	assert.ErrorIs(t, err, ErrAllCoordinatorsFailed)

	env.paper.Fail = nil
	assert.NoError(t, env.fleet().KeepOnline(context.Background(), true))
}

func TestKeepOnlineStopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.PassInterval = time.Hour
	env.addRobot(t, "pat", StateActive)
	env.addOrder(t, "pat", 1, testNow.Add(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.fleet().KeepOnline(ctx, false) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("keep-online ignored cancellation")
	}
}
