package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testNow is 10:15 UTC, so the current quota bucket is 10.
var testNow = time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC)

func testConfig(dir string) *Config {
	cfg := &Config{
		DataDir:      dir,
		Coordinators: []CoordinatorConfig{{ID: "c1", Clearnet: "http://127.0.0.1:1"}},
	}
	applyDefaults(cfg)
	cfg.OrderMaximum = 2
	cfg.LockTimeout = 200 * time.Millisecond
	cfg.Bond.PollInterval = time.Millisecond
	cfg.Bond.MaxRetries = 5
	return cfg
}

type testEnv struct {
	cfg   *Config
	store *Store
	locks *Locker
	queue *WaitingQueue
	paper *PaperCoordinator
	payer *PaperPayer
	ctrl  *Controller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)
	locks, err := NewLocker(filepath.Join(dir, "locks"))
	require.NoError(t, err)
	queue := NewWaitingQueue(filepath.Join(dir, "waiting.yaml"))

	paper := NewPaperCoordinator("c1")
	paper.now = func() time.Time { return testNow }
	payer := &PaperPayer{OnPay: paper.Settle}

	log := zap.NewNop()
	ctrl := NewController(store, locks, queue, newCoordinatorSet(paper), payer, logNotifier{log: log}, log)
	ctrl.now = func() time.Time { return testNow }

	return &testEnv{cfg: testConfig(dir), store: store, locks: locks, queue: queue, paper: paper, payer: payer, ctrl: ctrl}
}

// addRobot imports name into state and registers it with the paper coordinator.
func (e *testEnv) addRobot(t *testing.T, name string, state RobotState) Secret {
	t.Helper()
	token := Secret("tok-" + name)
	require.NoError(t, e.store.Import(name, "c1", token, state))
	e.paper.AddRobot(token, name)
	return token
}

// addOrder gives name an order in status, expiring at expiresAt.
func (e *testEnv) addOrder(t *testing.T, name string, status OrderStatus, expiresAt time.Time) *OrderSnapshot {
	t.Helper()
	return e.paper.PutOrder(Secret("tok-"+name), sampleOrder(), status, expiresAt)
}

func (e *testEnv) fleet() *Fleet {
	book := NewBookAggregator(newCoordinatorSet(e.paper), e.store, zap.NewNop())
	return NewFleet(fixedConfig{cfg: e.cfg}, e.store, e.queue, book, e.ctrl, zap.NewNop())
}

func (e *testEnv) stateOf(t *testing.T, name string) RobotState {
	t.Helper()
	st, err := e.store.Locate(name)
	require.NoError(t, err)
	return st
}

func sampleOrder() OrderData {
	return OrderData{
		Type:           SideSell,
		Currency:       "EUR",
		Amount:         AmountRange{Min: decimal.NewFromInt(50), Max: decimal.NewFromInt(200)},
		PaymentMethod:  "SEPA",
		Premium:        decimal.RequireFromString("1.5"),
		PublicDuration: 24 * 3600,
		EscrowDuration: 3 * 3600,
		BondSize:       decimal.NewFromInt(3),
	}
}
