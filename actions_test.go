package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderActionPauseTogglesPartition(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "alice", StateActive)
	env.addOrder(t, "alice", 1, testNow.Add(time.Hour))
	ctx := context.Background()

	snap, err := env.ctrl.OrderAction(ctx, env.cfg, "alice", ActionPause)
	require.NoError(t, err)
	assert.True(t, snap.Status().Paused())
	assert.Equal(t, StatePaused, env.stateOf(t, "alice"))

	snap, err = env.ctrl.OrderAction(ctx, env.cfg, "alice", ActionPause)
	require.NoError(t, err)
	assert.True(t, snap.Status().Public())
	assert.Equal(t, StateActive, env.stateOf(t, "alice"))
	assert.Equal(t, 2, env.paper.Mutations())
}

func TestOrderActionBadRequestIsSurfaced(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "fin", StateInactive)
	env.addOrder(t, "fin", 14, testNow.Add(-time.Hour))

	_, err := env.ctrl.OrderAction(context.Background(), env.cfg, "fin", ActionCancel)
	var br *BadRequestError
	require.True(t, errors.As(err, &br), "got %v", err)
	assert.Equal(t, "c1", br.Coordinator)
	assert.Equal(t, "This order is already finished", br.Message)
	assert.Equal(t, "bad_request", errorKind(err))
}

func TestOrderActionConfirmFlow(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "sam", StatePending)
	env.addOrder(t, "sam", 9, testNow.Add(time.Hour))
	ctx := context.Background()

	snap, err := env.ctrl.OrderAction(ctx, env.cfg, "sam", ActionConfirm)
	require.NoError(t, err)
	assert.True(t, snap.Status().FiatSent())

	snap, err = env.ctrl.OrderAction(ctx, env.cfg, "sam", ActionUndoConfirm)
	require.NoError(t, err)
	assert.True(t, snap.Status().WaitingFiatSent())

	snap, err = env.ctrl.OrderAction(ctx, env.cfg, "sam", ActionDispute)
	require.NoError(t, err)
	assert.True(t, snap.Status().InDispute())
	assert.Equal(t, StatePending, env.stateOf(t, "sam"), "only pause moves partitions")

	r, err := env.store.Load("sam")
	require.NoError(t, err)
	stored, err := env.store.LatestSnapshot(r)
	require.NoError(t, err)
	assert.Equal(t, OrderStatus(11), stored.Status())
}

func TestSubmitInvoice(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "bea", StatePending)
	snap := env.addOrder(t, "bea", 8, testNow.Add(time.Hour))
	ctx := context.Background()

	_, err := env.ctrl.SubmitInvoice(ctx, env.cfg, "bea")
	assert.ErrorContains(t, err, "no payout amount")

	snap.Info.TradeSatoshis = 95000
	res, err := env.ctrl.SubmitInvoice(ctx, env.cfg, "bea")
	require.NoError(t, err)
	assert.Equal(t, OrderStatus(9), res.Status())

	_, err = env.ctrl.SubmitInvoice(ctx, env.cfg, "bea")
	var br *BadRequestError
	assert.True(t, errors.As(err, &br), "a second invoice is rejected")
}

func TestChat(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "sam", StatePending)
	env.addOrder(t, "sam", 9, testNow.Add(time.Hour))
	ctx := context.Background()

	assert.Error(t, env.ctrl.PostChat(ctx, env.cfg, "sam", ""))
	require.NoError(t, env.ctrl.PostChat(ctx, env.cfg, "sam", "-----BEGIN PGP MESSAGE-----one"))
	require.NoError(t, env.ctrl.PostChat(ctx, env.cfg, "sam", "-----BEGIN PGP MESSAGE-----two"))

	msgs, err := env.ctrl.ReadChat(ctx, "sam", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "sam", msgs[0].Nick)
	assert.Equal(t, 1, msgs[0].Index)

	msgs, err = env.ctrl.ReadChat(ctx, "sam", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Message, "two")
}

func TestInspectStoresSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "alice", StatePaused)
	made := env.addOrder(t, "alice", 2, testNow.Add(time.Hour))

	snap, err := env.ctrl.Inspect(context.Background(), env.cfg, "alice")
	require.NoError(t, err)
	assert.Equal(t, made.ID(), snap.ID())

	r, err := env.store.Load("alice")
	require.NoError(t, err)
	stored, err := env.store.LatestSnapshot(r)
	require.NoError(t, err)
	assert.Equal(t, made.ID(), stored.ID())
	assert.Equal(t, 0, env.paper.Mutations())

	_, err = env.ctrl.Inspect(context.Background(), env.cfg, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}
