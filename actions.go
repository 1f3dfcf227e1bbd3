// FILE: actions.go
// Package main – Manual order actions.
//
// Operator-driven operations on one identity's current order. Each mutating
// one holds the identity lock for its whole duration, like a controller turn,
// and saves the snapshot the coordinator returns. bad_request replies come
// back as *BadRequestError and are printed verbatim by the CLI.

package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Inspect fetches and stores the identity's current order.
func (c *Controller) Inspect(ctx context.Context, cfg *Config, name string) (*OrderSnapshot, error) {
	var out *OrderSnapshot
	err := c.withRobot(ctx, cfg.LockTimeout, name, func(r *Robot, co Coordinator, log *zap.Logger) error {
		snap, err := currentOrder(ctx, co, r)
		if err != nil {
			return err
		}
		out = snap
		return c.store.SaveSnapshot(r, snap)
	})
	return out, err
}

// OrderAction submits action against the identity's current order. Pause
// toggles also move the identity between the active and paused partitions.
func (c *Controller) OrderAction(ctx context.Context, cfg *Config, name string, action OrderAction) (*OrderSnapshot, error) {
	var out *OrderSnapshot
	err := c.withRobot(ctx, cfg.LockTimeout, name, func(r *Robot, co Coordinator, log *zap.Logger) error {
		snap, err := currentOrder(ctx, co, r)
		if err != nil {
			return err
		}
		res, err := co.Action(ctx, r.Token, snap.ID(), action)
		if err != nil {
			return fmt.Errorf("%s order %d: %w", action, snap.ID(), err)
		}
		out = res
		if err := c.store.SaveSnapshot(r, res); err != nil {
			return err
		}
		log.Info("order action submitted", zap.String("action", string(action)),
			zap.Int("order_id", res.ID()), zap.String("status", res.Status().Label()))

		if action != ActionPause {
			return nil
		}
		switch {
		case res.Status().Paused() && r.State == StateActive:
			return c.store.Move(r.Name, StateActive, StatePaused)
		case res.Status().Public() && r.State == StatePaused:
			return c.store.Move(r.Name, StatePaused, StateActive)
		}
		return nil
	})
	return out, err
}

// SubmitInvoice generates a payout invoice for the order's trade amount and
// hands it to the coordinator.
func (c *Controller) SubmitInvoice(ctx context.Context, cfg *Config, name string) (*OrderSnapshot, error) {
	var out *OrderSnapshot
	err := c.withRobot(ctx, cfg.LockTimeout, name, func(r *Robot, co Coordinator, log *zap.Logger) error {
		snap, err := currentOrder(ctx, co, r)
		if err != nil {
			return err
		}
		sats := snap.Info.TradeSatoshis
		if sats <= 0 {
			sats = snap.Info.SatoshisNow
		}
		if sats <= 0 {
			return fmt.Errorf("order %d has no payout amount yet", snap.ID())
		}
		inv, err := c.payer.Invoice(ctx, sats, paymentLabel(r.Name, snap.ID()))
		if err != nil {
			return fmt.Errorf("generate invoice: %w", err)
		}
		res, err := co.UpdateInvoice(ctx, r.Token, snap.ID(), inv)
		if err != nil {
			return fmt.Errorf("submit invoice for order %d: %w", snap.ID(), err)
		}
		out = res
		log.Info("payout invoice submitted", zap.Int("order_id", res.ID()), zap.Int64("sats", sats))
		return c.store.SaveSnapshot(r, res)
	})
	return out, err
}

// ReadChat returns messages after offset. Reading takes no lock.
func (c *Controller) ReadChat(ctx context.Context, name string, offset int) ([]ChatMessage, error) {
	r, err := c.store.Load(name)
	if err != nil {
		return nil, err
	}
	co, err := c.coords.Get(r.Coordinator)
	if err != nil {
		return nil, err
	}
	snap, err := c.store.LatestSnapshot(r)
	if errors.Is(err, ErrNotFound) {
		snap, err = currentOrder(ctx, co, r)
	}
	if err != nil {
		return nil, err
	}
	return co.Chat(ctx, r.Token, snap.ID(), offset)
}

// PostChat sends an already-encrypted message on the current order's chat.
func (c *Controller) PostChat(ctx context.Context, cfg *Config, name, message string) error {
	if message == "" {
		return errors.New("empty chat message")
	}
	return c.withRobot(ctx, cfg.LockTimeout, name, func(r *Robot, co Coordinator, log *zap.Logger) error {
		snap, err := currentOrder(ctx, co, r)
		if err != nil {
			return err
		}
		if err := co.PostChat(ctx, r.Token, snap.ID(), message); err != nil {
			return fmt.Errorf("post chat on order %d: %w", snap.ID(), err)
		}
		log.Info("chat message posted", zap.Int("order_id", snap.ID()))
		return nil
	})
}
