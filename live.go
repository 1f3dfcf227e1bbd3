// FILE: live.go
// Package main – Keep-online loop.
//
// KeepOnline drives repeated passes over the active identities:
//   (a) refresh the config snapshot (reloaded only if the file changed)
//   (b) list active identities; stop when there are none
//   (c) fetch the merged book once and build the hourly quota from it
//   (d) run a controller turn for every active identity that is neither
//       listed in the book nor waiting in the queue
//   (e) if the current hour still has room, promote one queued identity;
//       a promoted identity that is busy goes back to the front of the queue
//   (f) sleep pass_interval
//
// Per-identity failures are logged and counted; a pass never aborts because
// of one identity. workers > 1 runs step (d) on a bounded pool; the lock
// discipline and the quota check-then-take hold either way.

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// configSource yields the config snapshot for one pass.
type configSource interface {
	Refresh() *Config
}

type fixedConfig struct{ cfg *Config }

func (f fixedConfig) Refresh() *Config { return f.cfg }

// PassReport summarises one pass.
type PassReport struct {
	ID       string
	Active   int
	Listed   int
	Promoted string
	Used     int
	Max      int

	mu      sync.Mutex
	Actions map[string]Action
	Skipped []string
	Failed  map[string]error

	interval time.Duration
}

func (r *PassReport) record(name string, act Action, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case errors.Is(err, ErrLockTimeout):
		r.Skipped = append(r.Skipped, name)
	case err != nil:
		r.Failed[name] = err
	}
	if act != ActNone {
		r.Actions[name] = act
	}
}

type Fleet struct {
	cfg   configSource
	store *Store
	queue *WaitingQueue
	book  *BookAggregator
	ctrl  *Controller
	log   *zap.Logger
	now   func() time.Time
}

func NewFleet(cfg configSource, store *Store, queue *WaitingQueue, book *BookAggregator, ctrl *Controller, log *zap.Logger) *Fleet {
	return &Fleet{cfg: cfg, store: store, queue: queue, book: book, ctrl: ctrl, log: log, now: ctrl.now}
}

// KeepOnline runs passes until ctx is done or no active identity is left.
func (f *Fleet) KeepOnline(ctx context.Context, once bool) error {
	for {
		rep, err := f.Pass(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			f.log.Error("pass failed", zap.String("pass_id", rep.ID), zap.Error(err))
		case rep.Active == 0:
			f.log.Info("no active robots left, stopping")
			return nil
		}
		if once {
			return err
		}
		f.log.Debug("sleeping until next pass", zap.Duration("interval", rep.interval))
		select {
		case <-ctx.Done():
			f.log.Info("shutdown")
			return nil
		case <-time.After(rep.interval):
		}
	}
}

// Pass runs one keep-online pass. The report is never nil.
func (f *Fleet) Pass(ctx context.Context) (*PassReport, error) {
	cfg := f.cfg.Refresh()
	rep := &PassReport{
		ID:       uuid.NewString(),
		Max:      cfg.OrderMaximum,
		Actions:  map[string]Action{},
		Failed:   map[string]error{},
		interval: cfg.PassInterval,
	}
	log := f.log.With(zap.String("pass_id", rep.ID))
	defer mtxPasses.Inc()

	active, err := f.store.List(StateActive)
	if err != nil {
		return rep, err
	}
	f.updateRobotGauges(len(active))
	rep.Active = len(active)
	if len(active) == 0 {
		return rep, nil
	}

	book, err := f.book.Fetch(ctx, BookQuery{})
	if err != nil {
		return rep, fmt.Errorf("book fetch: %w", err)
	}
	queued, err := f.pruneQueue(active, book.Offers)
	if err != nil {
		return rep, err
	}
	quota := BuildQuota(cfg.OrderMaximum, book.Offers, active, queued)

	skip := make(map[string]struct{}, len(queued))
	for _, n := range queued {
		skip[n] = struct{}{}
	}
	for _, o := range book.Offers {
		if o.Ours {
			if _, dup := skip[o.MakerNick]; !dup {
				rep.Listed++
			}
			skip[o.MakerNick] = struct{}{}
		}
	}
	var todo []string
	for _, n := range active {
		if _, ok := skip[n]; !ok {
			todo = append(todo, n)
		}
	}
	log.Info("pass started", zap.Int("active", len(active)), zap.Int("listed", rep.Listed),
		zap.Int("queued", len(queued)), zap.Int("todo", len(todo)),
		zap.Int("quota_used", quota.Used(f.now())), zap.Int("quota_max", cfg.OrderMaximum))

	turn := func(name string) error {
		act, err := f.ctrl.Run(ctx, cfg, name, quota)
		rep.record(name, act, err)
		f.logTurn(log, name, act, err)
		return err
	}

	if cfg.Workers > 1 {
		p := pool.New().WithMaxGoroutines(cfg.Workers)
		for _, name := range todo {
			p.Go(func() { _ = turn(name) })
		}
		p.Wait()
	} else {
		for _, name := range todo {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			_ = turn(name)
		}
	}

	if quota.Available(f.now()) {
		name, err := f.queue.Pop()
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			log.Warn("waiting queue pop failed", zap.Error(err))
		default:
			rep.Promoted = name
			log.Info("promoting queued robot", zap.String("robot", name))
			if err := turn(name); errors.Is(err, ErrLockTimeout) {
				if err := f.queue.PushFront(name); err != nil {
					log.Warn("requeue busy robot", zap.String("robot", name), zap.Error(err))
				}
			}
		}
	}

	rep.Used = quota.Used(f.now())
	SetQuotaUsed(rep.Used)
	if names, err := f.queue.Names(); err == nil {
		SetWaitingQueue(len(names))
	}
	log.Info("pass finished", zap.Int("actions", len(rep.Actions)), zap.Int("skipped", len(rep.Skipped)),
		zap.Int("failed", len(rep.Failed)), zap.Int("quota_used", rep.Used))
	return rep, nil
}

// pruneQueue drops queued names that are no longer active or whose order
// is already listed in the book.
func (f *Fleet) pruneQueue(active []string, offers []BookOffer) ([]string, error) {
	names, err := f.queue.Names()
	if err != nil {
		return nil, err
	}
	isActive := make(map[string]struct{}, len(active))
	for _, n := range active {
		isActive[n] = struct{}{}
	}
	listed := make(map[string]struct{})
	for _, o := range offers {
		if o.Ours {
			listed[o.MakerNick] = struct{}{}
		}
	}
	kept := names[:0]
	for _, n := range names {
		_, ok := isActive[n]
		_, online := listed[n]
		if ok && !online {
			kept = append(kept, n)
			continue
		}
		if online {
			f.log.Info("dropping listed robot from waiting queue", zap.String("robot", n))
		} else {
			f.log.Info("dropping non-active robot from waiting queue", zap.String("robot", n))
		}
		if err := f.queue.Remove(n); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

func (f *Fleet) updateRobotGauges(active int) {
	SetRobots(StateActive, active)
	for _, st := range []RobotState{StatePaused, StateInactive, StatePending} {
		if names, err := f.store.List(st); err == nil {
			SetRobots(st, len(names))
		}
	}
}

func (f *Fleet) logTurn(log *zap.Logger, name string, act Action, err error) {
	log = log.With(zap.String("robot", name), zap.Stringer("action", act))
	if err == nil {
		log.Debug("turn done")
		return
	}
	IncTurnError(err)
	switch {
	case errors.Is(err, ErrLockTimeout):
		log.Info("robot busy, skipped this pass", zap.Error(err))
	case isFatal(err):
		log.Error("inconsistent robot state, manual intervention required", zap.Error(err))
	case errors.Is(err, ErrBondExpired), errors.Is(err, ErrBondCheckFailed):
		log.Warn("bond not locked, will reassess next pass", zap.Error(err))
	default:
		log.Error("turn failed", zap.String("kind", errorKind(err)), zap.Error(err))
	}
}
