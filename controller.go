// FILE: controller.go
// Package main – Order lifecycle controller.
//
// One turn = one identity, one fresh order fetch, one action:
//
//   status group          action
//   public                none ("already online", logged as unexpected)
//   paused                move to paused
//   waiting taker bond    move to pending (taken; manual/chat handling)
//   waiting maker bond    quota slot ? bond : enqueue
//   expired               quota slot ? make same order, then bond : enqueue
//   anything else         move to inactive
//
// Decide is the pure table. Run fetches, decides and executes under the
// identity's lock; every fetched or made snapshot is saved before acting.
// Errors abort only this identity's turn.

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Action is what the controller did (or would do) for one identity.
type Action int

const (
	ActNone Action = iota
	ActAlreadyOnline
	ActMovePaused
	ActMovePending
	ActMoveInactive
	ActBond
	ActRemake
	ActEnqueue
)

var actionNames = [...]string{
	ActNone:          "none",
	ActAlreadyOnline: "already_online",
	ActMovePaused:    "move_paused",
	ActMovePending:   "move_pending",
	ActMoveInactive:  "move_inactive",
	ActBond:          "bond",
	ActRemake:        "remake",
	ActEnqueue:       "enqueue",
}

func (a Action) String() string {
	if a >= 0 && int(a) < len(actionNames) {
		return actionNames[a]
	}
	return "unknown"
}

// needsSlot reports whether acting on status consumes hourly quota.
func needsSlot(s OrderStatus) bool { return s.WaitingMakerBond() || s.Expired() }

// Decide maps a status to the next action. slot is whether a quota slot was
// granted for this identity in the current hour.
func Decide(s OrderStatus, slot bool) Action {
	switch {
	case s.Public():
		return ActAlreadyOnline
	case s.Paused():
		return ActMovePaused
	case s.WaitingTakerBond():
		return ActMovePending
	case s.WaitingMakerBond():
		if slot {
			return ActBond
		}
		return ActEnqueue
	case s.Expired():
		if slot {
			return ActRemake
		}
		return ActEnqueue
	}
	return ActMoveInactive
}

type Controller struct {
	store  *Store
	locks  *Locker
	queue  *WaitingQueue
	coords Coordinators
	payer  Payer
	notify Notifier
	log    *zap.Logger
	now    func() time.Time
}

func NewController(store *Store, locks *Locker, queue *WaitingQueue, coords Coordinators, payer Payer, notify Notifier, log *zap.Logger) *Controller {
	return &Controller{
		store:  store,
		locks:  locks,
		queue:  queue,
		coords: coords,
		payer:  payer,
		notify: notify,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// withRobot holds name's lock for the whole of fn.
func (c *Controller) withRobot(ctx context.Context, timeout time.Duration, name string, fn func(r *Robot, co Coordinator, log *zap.Logger) error) error {
	lock, err := c.locks.Acquire(ctx, name, timeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	r, err := c.store.Load(name)
	if err != nil {
		return err
	}
	co, err := c.coords.Get(r.Coordinator)
	if err != nil {
		return fmt.Errorf("robot %s: %w", name, err)
	}
	return fn(r, co, robotLogger(c.log, r))
}

// currentOrder fetches the robot's active order, or its last one.
func currentOrder(ctx context.Context, co Coordinator, r *Robot) (*OrderSnapshot, error) {
	info, err := co.Robot(ctx, r.Token)
	if err != nil {
		return nil, err
	}
	id := info.CurrentOrderID()
	if id == 0 {
		return nil, fmt.Errorf("robot %s has no order: %w", r.Name, ErrNotFound)
	}
	return co.Order(ctx, r.Token, id)
}

// Run performs one controller turn for an active identity.
func (c *Controller) Run(ctx context.Context, cfg *Config, name string, quota *Quota) (Action, error) {
	act := ActNone
	err := c.withRobot(ctx, cfg.LockTimeout, name, func(r *Robot, co Coordinator, log *zap.Logger) error {
		if r.State != StateActive {
			return fmt.Errorf("robot %s is %s, not active", name, r.State)
		}
		snap, err := currentOrder(ctx, co, r)
		if errors.Is(err, ErrNotFound) {
			act = ActMoveInactive
			log.Info("no order on coordinator, moving to inactive")
			return c.move(ctx, r, StateInactive, quota, "has no order")
		}
		if err != nil {
			return err
		}
		if err := c.store.SaveSnapshot(r, snap); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		log = log.With(zap.Int("order_id", snap.ID()))

		slot := needsSlot(snap.Status()) && quota.TryTake(name, c.now())
		act = Decide(snap.Status(), slot)
		return c.execute(ctx, cfg, act, r, co, snap, quota, log)
	})
	if act != ActNone {
		IncAction(act)
	}
	return act, err
}

func (c *Controller) execute(ctx context.Context, cfg *Config, act Action, r *Robot, co Coordinator, snap *OrderSnapshot, quota *Quota, log *zap.Logger) error {
	switch act {
	case ActAlreadyOnline:
		log.Warn("already online", zap.String("order", snap.Description()))
		return nil

	case ActMovePaused:
		log.Info("order paused, moving to paused")
		return c.move(ctx, r, StatePaused, quota, "")

	case ActMovePending:
		log.Info("order taken, moving to pending", zap.String("order", snap.Description()))
		return c.move(ctx, r, StatePending, quota, "was taken: "+snap.Description())

	case ActMoveInactive:
		log.Info("order not actionable, moving to inactive", zap.String("order", snap.Description()))
		return c.move(ctx, r, StateInactive, quota, snap.Description())

	case ActEnqueue:
		added, err := c.queue.Push(r.Name)
		if err != nil {
			return err
		}
		quota.Wait(r.Name)
		log.Info("hourly quota full, queued", zap.Bool("added", added), zap.String("status", snap.Status().Label()))
		return nil

	case ActBond:
		return c.bond(ctx, cfg, co, r, snap, log)

	case ActRemake:
		data := snap.Order
		data.ID = 0
		made, err := co.Make(ctx, r.Token, data)
		if err != nil {
			return fmt.Errorf("remake order: %w", err)
		}
		if err := c.store.SaveSnapshot(r, made); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		log.Info("order remade", zap.Int("new_order_id", made.ID()), zap.String("order", made.Description()))
		// the make reply is a summary; the bond invoice only comes with the full order
		fresh, err := co.Order(ctx, r.Token, made.ID())
		if err != nil {
			return fmt.Errorf("fetch remade order %d: %w", made.ID(), err)
		}
		if err := c.store.SaveSnapshot(r, fresh); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		if !fresh.Status().WaitingMakerBond() {
			return nil
		}
		return c.bond(ctx, cfg, co, r, fresh, log.With(zap.Int("order_id", fresh.ID())))
	}
	return nil
}

func (c *Controller) bond(ctx context.Context, cfg *Config, co Coordinator, r *Robot, snap *OrderSnapshot, log *zap.Logger) error {
	last, err := NewBonder(c.payer, cfg.Bond, log).Bond(ctx, co, r, snap)
	if last != nil {
		if serr := c.store.SaveSnapshot(r, last); serr != nil {
			log.Warn("save polled snapshot", zap.Error(serr))
		}
	}
	if err != nil {
		c.notify.Notify(ctx, fmt.Sprintf("robot %s: bond for order %d failed: %v", r.Name, snap.ID(), err))
	}
	return err
}

// move transfers r out of active. reason, when set, is sent to the notifier.
func (c *Controller) move(ctx context.Context, r *Robot, to RobotState, quota *Quota, reason string) error {
	if err := c.store.Move(r.Name, r.State, to); err != nil {
		return err
	}
	if quota != nil {
		quota.Drop(r.Name)
	}
	if err := c.queue.Remove(r.Name); err != nil {
		c.log.Warn("remove moved robot from waiting queue", zap.String("robot", r.Name), zap.Error(err))
	}
	if reason != "" {
		c.notify.Notify(ctx, fmt.Sprintf("robot %s -> %s: %s", r.Name, to, reason))
	}
	r.State = to
	return nil
}
