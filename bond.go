// FILE: bond.go
// Package main – Maker bond protocol.
//
// Sequence for an order waiting for its maker bond:
//   1) Check the bond invoice against the expected amount; a failed check
//      aborts before any payment (ErrBondCheckFailed).
//   2) Start the payment in the background.
//   3) Poll the order every poll_interval, at most max_retries times, until
//      its status leaves "waiting for maker bond".
//   4) Cancel the payment task. This happens once, on the single exit path,
//      whatever ended the poll.
// Running out of retries is ErrBondExpired; the identity stays where it is
// and the next pass reassesses it.

package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Bonder struct {
	payer      Payer
	poll       time.Duration
	maxRetries int
	log        *zap.Logger
}

func NewBonder(payer Payer, cfg BondConfig, log *zap.Logger) *Bonder {
	return &Bonder{payer: payer, poll: cfg.PollInterval, maxRetries: cfg.MaxRetries, log: log}
}

// Bond locks the maker bond of snap. It returns the last snapshot polled
// (nil if none was) alongside any error.
func (b *Bonder) Bond(ctx context.Context, c Coordinator, r *Robot, snap *OrderSnapshot) (last *OrderSnapshot, err error) {
	log := b.log.With(zap.Int("order_id", snap.ID()))
	inv := snap.Info.BondInvoice
	if inv == "" || snap.Info.BondSatoshis <= 0 {
		IncBondResult("error")
		return nil, fmt.Errorf("order %d bond invoice or amount missing: %w", snap.ID(), ErrMalformed)
	}

	ok, err := b.payer.Check(ctx, inv, snap.Info.BondSatoshis)
	if err != nil {
		IncBondResult("check_failed")
		return nil, fmt.Errorf("order %d: %w: %v", snap.ID(), ErrBondCheckFailed, err)
	}
	if !ok {
		IncBondResult("check_failed")
		return nil, fmt.Errorf("order %d bond of %d sats: %w", snap.ID(), snap.Info.BondSatoshis, ErrBondCheckFailed)
	}

	task, err := b.payer.Pay(ctx, inv, paymentLabel(r.Name, snap.ID()))
	if err != nil {
		IncBondResult("error")
		return nil, fmt.Errorf("order %d start bond payment: %w", snap.ID(), err)
	}
	defer task.Cancel()
	log.Info("bond payment started", zap.Int64("sats", snap.Info.BondSatoshis))

	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			IncBondResult("error")
			return last, ctx.Err()
		case <-time.After(b.poll):
		}
		cur, err := c.Order(ctx, r.Token, snap.ID())
		if err != nil {
			IncBondResult("error")
			return last, err
		}
		last = cur
		if !cur.Status().WaitingMakerBond() {
			IncBondResult("locked")
			log.Info("bond locked", zap.Int("attempt", attempt), zap.String("status", cur.Status().Label()))
			return cur, nil
		}
		log.Debug("bond not locked yet", zap.Int("attempt", attempt))
	}
	IncBondResult("expired")
	return last, fmt.Errorf("order %d after %d polls: %w", snap.ID(), b.maxRetries, ErrBondExpired)
}
