// FILE: main.go
// Package main – Program entrypoint, wiring, and HTTP/metrics server.
//
// Boot sequence (newApp):
//   1) NewConfigStore(--config)     – robofleet.yaml + ROBOFLEET_* overrides
//   2) newLogger(cfg.Log)           – zap, console or JSON
//   3) open the identity store, lock dir and waiting queue under data_dir
//   4) wire coordinators + payer:
//        live:  HTTPCoordinator per configured coordinator over Tor,
//               CommandPayer running the configured payment commands
//        paper: PaperCoordinator per configured id, PaperPayer settling
//               bonds in memory (--paper or payment.paper)
//   5) BookAggregator + Controller on top
//
// Commands live in commands.go. keep-online also serves /healthz and
// /metrics when metrics.addr is set.
//
// Example:
//   robofleet keep-online --once
//   robofleet book --side sell --currency EUR

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	paperMode  bool
	version    = "dev"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "robofleet",
	Short: "Keep a fleet of P2P exchange robots online",
	Long: `robofleet drives many pseudonymous exchange identities through the order
lifecycle (make, bond, wait, taken, settle or expire) under a fleet-wide
hourly quota, one identity at a time.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $ROBOFLEET_CONFIG, ./robofleet.yaml, ~/.robofleet/robofleet.yaml)")
	rootCmd.PersistentFlags().BoolVar(&paperMode, "paper", false, "use in-memory coordinators and payer (no network, no funds)")
}

// app is everything a command needs, built once per invocation.
type app struct {
	cfgs   *ConfigStore
	log    *zap.Logger
	store  *Store
	locks  *Locker
	queue  *WaitingQueue
	coords Coordinators
	book   *BookAggregator
	ctrl   *Controller
}

func newApp() (*app, error) {
	cfgs, err := NewConfigStore(configPath, zap.NewNop())
	if err != nil {
		return nil, err
	}
	cfg := cfgs.Current()
	log, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	cfgs.log = log

	store, err := NewStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	locks, err := NewLocker(filepath.Join(cfg.DataDir, "locks"))
	if err != nil {
		return nil, err
	}
	queue := NewWaitingQueue(filepath.Join(cfg.DataDir, "waiting.yaml"))

	var (
		coords Coordinators
		payer  Payer
	)
	if paperMode || cfg.Payment.Paper {
		coords, payer, err = paperStack(cfg, store, log)
	} else {
		coords, payer, err = liveStack(cfg, log)
	}
	if err != nil {
		return nil, err
	}

	return &app{
		cfgs:   cfgs,
		log:    log,
		store:  store,
		locks:  locks,
		queue:  queue,
		coords: coords,
		book:   NewBookAggregator(coords, store, log),
		ctrl:   NewController(store, locks, queue, coords, payer, newNotifier(cfg.Notify, log), log),
	}, nil
}

func liveStack(cfg *Config, log *zap.Logger) (Coordinators, Payer, error) {
	hc, err := newHTTPClient(cfg.Tor, cfg.Client.Timeout)
	if err != nil {
		return nil, nil, err
	}
	cs := make([]Coordinator, 0, len(cfg.Coordinators))
	for _, co := range cfg.Coordinators {
		cs = append(cs, NewHTTPCoordinator(co, cfg, hc, log))
	}
	var payer Payer
	if cp, err := NewCommandPayer(cfg.Payment, log); err != nil {
		// read-only commands work without a payer; bonding reports this error
		payer = unconfiguredPayer{err: err}
	} else {
		payer = cp
	}
	return newCoordinatorSet(cs...), payer, nil
}

// paperStack mirrors the active robots into in-memory coordinators, each
// starting from its last stored order (expired if none), so keep-online can
// be rehearsed end to end.
func paperStack(cfg *Config, store *Store, log *zap.Logger) (Coordinators, Payer, error) {
	papers := make(map[string]*PaperCoordinator, len(cfg.Coordinators))
	cs := make([]Coordinator, 0, len(cfg.Coordinators))
	for _, co := range cfg.Coordinators {
		p := NewPaperCoordinator(co.ID)
		papers[co.ID] = p
		cs = append(cs, p)
	}
	names, err := store.List(StateActive)
	if err != nil {
		return nil, nil, err
	}
	for _, name := range names {
		r, err := store.Load(name)
		if err != nil {
			log.Warn("paper: skipping robot", zap.String("robot", name), zap.Error(err))
			continue
		}
		p, ok := papers[r.Coordinator]
		if !ok {
			continue
		}
		p.AddRobot(r.Token, r.Name)
		data := OrderData{
			Type:           SideSell,
			Currency:       "EUR",
			Amount:         AmountRange{Min: decimal.NewFromInt(100), Max: decimal.NewFromInt(100)},
			PaymentMethod:  "paper",
			Premium:        decimal.NewFromInt(1),
			PublicDuration: 24 * 3600,
			EscrowDuration: 3 * 3600,
			BondSize:       decimal.NewFromInt(3),
		}
		if snap, err := store.LatestSnapshot(r); err == nil {
			data = snap.Order
		}
		p.PutOrder(r.Token, data, 5, time.Now().UTC())
	}
	payer := &PaperPayer{OnPay: func(inv string) {
		for _, p := range papers {
			p.Settle(inv)
		}
	}}
	log.Info("paper mode: no network, no funds", zap.Int("robots", len(names)))
	return newCoordinatorSet(cs...), payer, nil
}

// unconfiguredPayer fails every payment call with the configuration error.
type unconfiguredPayer struct{ err error }

func (p unconfiguredPayer) Check(context.Context, string, int64) (bool, error) { return false, p.err }
func (p unconfiguredPayer) Pay(context.Context, string, string) (PaymentTask, error) {
	return nil, p.err
}
func (p unconfiguredPayer) Invoice(context.Context, int64, string) (string, error) { return "", p.err }

// serveMetrics exposes /healthz and /metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, log *zap.Logger) {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
