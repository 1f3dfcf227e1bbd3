package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDecide(t *testing.T) {
	cases := []struct {
		status OrderStatus
		slot   bool
		want   Action
	}{
		{0, true, ActBond},
		{0, false, ActEnqueue},
		{1, true, ActAlreadyOnline},
		{1, false, ActAlreadyOnline},
		{2, false, ActMovePaused},
		{3, false, ActMovePending},
		{5, true, ActRemake},
		{5, false, ActEnqueue},
		{4, true, ActMoveInactive},
		{9, false, ActMoveInactive},
		{11, false, ActMoveInactive},
		{14, true, ActMoveInactive},
		{42, true, ActMoveInactive},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Decide(tc.status, tc.slot), "status %d slot %v", tc.status, tc.slot)
	}
	assert.True(t, needsSlot(0))
	assert.True(t, needsSlot(5))
	assert.False(t, needsSlot(1))
	assert.False(t, needsSlot(3))
}

func TestRunPublicOrderIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "pat", StateActive)
	env.addOrder(t, "pat", 1, testNow.Add(time.Hour))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		act, err := env.ctrl.Run(ctx, env.cfg, "pat", NewQuota(2))
		require.NoError(t, err)
		assert.Equal(t, ActAlreadyOnline, act)
	}
	assert.Equal(t, 0, env.paper.Mutations())
	assert.Equal(t, StateActive, env.stateOf(t, "pat"))
	assert.Equal(t, 0, env.payer.Paid())
}

func TestRunExpiredOrderIsRemadeAndBonded(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "alice", StateActive)
	old := env.addOrder(t, "alice", 5, testNow.Add(-time.Hour))
	q := NewQuota(2)
	require.True(t, q.TryTake("zed", testNow))

	act, err := env.ctrl.Run(context.Background(), env.cfg, "alice", q)
	require.NoError(t, err)
	assert.Equal(t, ActRemake, act)
	assert.Equal(t, 2, q.Used(testNow))
	assert.Equal(t, StateActive, env.stateOf(t, "alice"))
	assert.Equal(t, 1, env.paper.Mutations(), "exactly one make")
	assert.Equal(t, 1, env.payer.Paid())
	assert.Equal(t, 1, env.payer.Cancelled())

	r, err := env.store.Load("alice")
	require.NoError(t, err)
	ids, err := env.store.OrderIDs(r)
	require.NoError(t, err)
	require.Len(t, ids, 2, "old and remade orders are both recorded")
	assert.Equal(t, old.ID(), ids[0])

	latest, err := env.store.LatestSnapshot(r)
	require.NoError(t, err)
	assert.True(t, latest.Status().Public())
	assert.Equal(t, old.Order.Currency, latest.Order.Currency)
	assert.True(t, old.Order.Premium.Equal(latest.Order.Premium), "same parameters")
}

func TestRunRemakeBondsFromFetchedOrder(t *testing.T) {
	const params = `"type": 1, "currency": 2, "has_range": true, "min_amount": "50", "max_amount": "200",
	  "payment_method": "SEPA", "premium": "1.5", "public_duration": 86400, "escrow_duration": 10800,
	  "bond_size": "3", "maker_nick": "alice", "is_maker": true`
	var locked atomic.Bool
	var makes atomic.Int32
	co := newTestHTTPCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/robot/":
			_, _ = io.WriteString(w, `{"nickname": "alice", "last_order_id": 10}`)
		case r.URL.Path == "/api/make/":
			makes.Add(1)
			_, _ = fmt.Fprintf(w, `{"id": 11, "status": 0, %s}`, params)
		case r.URL.Query().Get("order_id") == "10":
			_, _ = fmt.Fprintf(w, `{"id": 10, "status": 5, "expires_at": "2026-03-04T09:15:00Z", %s}`, params)
		case r.URL.Query().Get("order_id") == "11":
			status := 0
			if locked.Load() {
				status = 1
			}
			_, _ = fmt.Fprintf(w, `{"id": 11, "status": %d, "expires_at": "2026-03-05T10:15:00Z",
			  "bond_invoice": "lnbc30u1remade", "bond_satoshis": 3000, %s}`, status, params)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	env := newTestEnv(t)
	require.NoError(t, env.store.Import("alice", "c1", "tok-alice", StateActive))
	var invoices []string
	payer := &PaperPayer{OnPay: func(inv string) {
		invoices = append(invoices, inv)
		locked.Store(true)
	}}
	ctrl := NewController(env.store, env.locks, env.queue, newCoordinatorSet(co), payer, logNotifier{log: zap.NewNop()}, zap.NewNop())
	ctrl.now = func() time.Time { return testNow }

	act, err := ctrl.Run(context.Background(), env.cfg, "alice", NewQuota(2))
	require.NoError(t, err)
	assert.Equal(t, ActRemake, act)
	assert.Equal(t, int32(1), makes.Load())
	assert.Equal(t, 1, payer.Paid())
	assert.Equal(t, []string{"lnbc30u1remade"}, invoices)

	r, err := env.store.Load("alice")
	require.NoError(t, err)
	latest, err := env.store.LatestSnapshot(r)
	require.NoError(t, err)
	assert.Equal(t, 11, latest.ID())
	assert.True(t, latest.Status().Public())
}

func TestRunTakenOrderMovesToPending(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "bob", StateActive)
	env.addOrder(t, "bob", 3, testNow.Add(time.Hour))
	_, err := env.queue.Push("bob")
	require.NoError(t, err)

	act, err := env.ctrl.Run(context.Background(), env.cfg, "bob", NewQuota(2))
	require.NoError(t, err)
	assert.Equal(t, ActMovePending, act)
	assert.Equal(t, StatePending, env.stateOf(t, "bob"))
	assert.Equal(t, 0, env.paper.Mutations())

	names, err := env.queue.Names()
	require.NoError(t, err)
	assert.NotContains(t, names, "bob", "leaving active drops the queue entry")

	r, err := env.store.Load("bob")
	require.NoError(t, err)
	_, err = env.store.LatestSnapshot(r)
	assert.NoError(t, err, "snapshot is kept in the new partition")
}

func TestRunQuotaFullEnqueues(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "carol", StateActive)
	env.addOrder(t, "carol", 0, testNow.Add(time.Hour))
	q := NewQuota(2)
	q.TryTake("x", testNow)
	q.TryTake("y", testNow)

	act, err := env.ctrl.Run(context.Background(), env.cfg, "carol", q)
	require.NoError(t, err)
	assert.Equal(t, ActEnqueue, act)
	assert.Equal(t, []string{"carol"}, q.Bucket(waitingBucket))
	assert.Equal(t, 2, q.Used(testNow))
	assert.Equal(t, 0, env.payer.Paid())
	assert.Equal(t, StateActive, env.stateOf(t, "carol"))

	names, err := env.queue.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, names)
}

func TestRunWaitingBondIsPaid(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "erin", StateActive)
	env.addOrder(t, "erin", 0, testNow.Add(time.Hour))
	q := NewQuota(2)

	act, err := env.ctrl.Run(context.Background(), env.cfg, "erin", q)
	require.NoError(t, err)
	assert.Equal(t, ActBond, act)
	assert.Equal(t, []string{"erin"}, q.Bucket(testNow.Hour()))
	assert.Equal(t, 0, env.paper.Mutations(), "bonding an existing order makes nothing")
	assert.Equal(t, 1, env.payer.Paid())
	assert.Equal(t, 1, env.payer.Cancelled())
}

func TestRunBondCheckFailureKeepsRobotActive(t *testing.T) {
	env := newTestEnv(t)
	env.payer.Reject = true
	env.addRobot(t, "erin", StateActive)
	env.addOrder(t, "erin", 0, testNow.Add(time.Hour))

	_, err := env.ctrl.Run(context.Background(), env.cfg, "erin", NewQuota(2))
	assert.ErrorIs(t, err, ErrBondCheckFailed)
	assert.Equal(t, StateActive, env.stateOf(t, "erin"))
	assert.Equal(t, 0, env.payer.Paid())
}

func TestRunLockHeldSkipsRobot(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "dave", StateActive)
	env.addOrder(t, "dave", 5, testNow.Add(-time.Hour))

	held, err := env.locks.Acquire(context.Background(), "dave", time.Second)
	require.NoError(t, err)
	defer held.Release()

	q := NewQuota(2)
	act, err := env.ctrl.Run(context.Background(), env.cfg, "dave", q)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, ActNone, act)
	assert.Equal(t, StateActive, env.stateOf(t, "dave"))
	assert.Equal(t, 0, q.Total(), "no slot taken without the lock")
	assert.Equal(t, 0, env.paper.Mutations())
}

func TestRunMovesToPausedAndInactive(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "paula", StateActive)
	env.addOrder(t, "paula", 2, testNow.Add(time.Hour))
	env.addRobot(t, "fin", StateActive)
	env.addOrder(t, "fin", 14, testNow.Add(-time.Hour))
	env.addRobot(t, "nora", StateActive) // registered, never made an order
	ctx := context.Background()

	act, err := env.ctrl.Run(ctx, env.cfg, "paula", NewQuota(2))
	require.NoError(t, err)
	assert.Equal(t, ActMovePaused, act)
	assert.Equal(t, StatePaused, env.stateOf(t, "paula"))

	act, err = env.ctrl.Run(ctx, env.cfg, "fin", NewQuota(2))
	require.NoError(t, err)
	assert.Equal(t, ActMoveInactive, act)
	assert.Equal(t, StateInactive, env.stateOf(t, "fin"))

	act, err = env.ctrl.Run(ctx, env.cfg, "nora", NewQuota(2))
	require.NoError(t, err)
	assert.Equal(t, ActMoveInactive, act)
	assert.Equal(t, StateInactive, env.stateOf(t, "nora"))

	_, err = env.ctrl.Run(ctx, env.cfg, "fin", NewQuota(2))
	assert.Error(t, err, "only active robots get turns")
}

func TestRunInconsistentStateIsFatal(t *testing.T) {
	env := newTestEnv(t)
	env.addRobot(t, "twin", StateActive)
	env.addOrder(t, "twin", 5, testNow.Add(-time.Hour))
	require.NoError(t, os.MkdirAll(filepath.Join(env.store.Root(), "inactive", "twin"), 0o700))

	_, err := env.ctrl.Run(context.Background(), env.cfg, "twin", NewQuota(2))
	assert.ErrorIs(t, err, ErrInconsistentState)
	assert.True(t, isFatal(err))
	assert.Equal(t, 0, env.paper.Mutations())
}
