// FILE: payment.go
// Package main – Payment executor contract.
//
// The fleet never moves funds itself. It asks a Payer to:
//   • Check   – confirm an invoice asks for the expected amount
//   • Pay     – start paying an invoice in the background (PaymentTask)
//   • Invoice – produce a payout invoice for an amount
//
// CommandPayer shells out to operator-configured commands (a lightning node
// CLI wrapper, typically). Arguments may use {invoice}, {amount} and {label}
// placeholders. PaperPayer accepts everything and settles paper orders.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Payer is the narrow settlement-engine contract.
type Payer interface {
	Check(ctx context.Context, invoice string, expectedSats int64) (bool, error)
	Pay(ctx context.Context, invoice, label string) (PaymentTask, error)
	Invoice(ctx context.Context, sats int64, label string) (string, error)
}

// PaymentTask is a running background payment. Cancel is idempotent.
type PaymentTask interface {
	Cancel()
	Done() <-chan struct{}
}

// paymentLabel tags a payment with the robot and order it belongs to.
func paymentLabel(robot string, orderID int) string {
	return fmt.Sprintf("%s-%d-%s", robot, orderID, uuid.NewString())
}

// ---- CommandPayer ----

type CommandPayer struct {
	check   []string
	pay     []string
	invoice []string
	log     *zap.Logger
}

func NewCommandPayer(cfg PaymentConfig, log *zap.Logger) (*CommandPayer, error) {
	if len(cfg.CheckCmd) == 0 || len(cfg.PayCmd) == 0 {
		return nil, errors.New("payment.check_cmd and payment.pay_cmd are required unless payment.paper is set")
	}
	return &CommandPayer{check: cfg.CheckCmd, pay: cfg.PayCmd, invoice: cfg.InvoiceCmd, log: log}, nil
}

func expandArgs(tmpl []string, vars map[string]string) []string {
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		for k, v := range vars {
			a = strings.ReplaceAll(a, "{"+k+"}", v)
		}
		out[i] = a
	}
	return out
}

// Check runs check_cmd; exit status 0 means the invoice is acceptable.
func (p *CommandPayer) Check(ctx context.Context, invoice string, expectedSats int64) (bool, error) {
	args := expandArgs(p.check, map[string]string{"invoice": invoice, "amount": strconv.FormatInt(expectedSats, 10)})
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		p.log.Warn("invoice check rejected", zap.Int("exit", exitErr.ExitCode()), zap.String("output", truncate(out, 512)))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("run check_cmd: %w", err)
	}
	return true, nil
}

// Pay starts pay_cmd and returns immediately. Cancel kills the process.
func (p *CommandPayer) Pay(ctx context.Context, invoice, label string) (PaymentTask, error) {
	args := expandArgs(p.pay, map[string]string{"invoice": invoice, "label": label})
	// the payment outlives the caller's request context until Cancel
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start pay_cmd: %w", err)
	}
	t := &cmdTask{cancel: cancel, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil && runCtx.Err() == nil {
			p.log.Warn("pay_cmd exited with error", zap.String("label", label), zap.Error(err), zap.String("output", truncate(out.Bytes(), 512)))
		}
		close(t.done)
	}()
	return t, nil
}

// Invoice runs invoice_cmd and returns its trimmed stdout.
func (p *CommandPayer) Invoice(ctx context.Context, sats int64, label string) (string, error) {
	if len(p.invoice) == 0 {
		return "", errors.New("payment.invoice_cmd is not configured")
	}
	args := expandArgs(p.invoice, map[string]string{"amount": strconv.FormatInt(sats, 10), "label": label})
	out, err := exec.CommandContext(ctx, args[0], args[1:]...).Output()
	if err != nil {
		return "", fmt.Errorf("run invoice_cmd: %w", err)
	}
	inv := strings.TrimSpace(string(out))
	if inv == "" {
		return "", errors.New("invoice_cmd printed no invoice")
	}
	return inv, nil
}

type cmdTask struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *cmdTask) Cancel()               { t.once.Do(t.cancel) }
func (t *cmdTask) Done() <-chan struct{} { return t.done }

// ---- PaperPayer ----

// PaperPayer approves every check and settles invoices through OnPay.
type PaperPayer struct {
	OnPay  func(invoice string)
	Reject bool // Check returns false

	paid      atomic.Int64
	cancelled atomic.Int64
}

func (p *PaperPayer) Check(ctx context.Context, invoice string, expectedSats int64) (bool, error) {
	return !p.Reject && invoice != "" && expectedSats > 0, nil
}

func (p *PaperPayer) Pay(ctx context.Context, invoice, label string) (PaymentTask, error) {
	p.paid.Add(1)
	if p.OnPay != nil {
		p.OnPay(invoice)
	}
	t := &paperTask{payer: p, done: make(chan struct{})}
	close(t.done)
	return t, nil
}

func (p *PaperPayer) Invoice(ctx context.Context, sats int64, label string) (string, error) {
	return fmt.Sprintf("lnpaperout%d%s", sats, label), nil
}

// Paid and Cancelled count calls; tests use them to check sequencing.
func (p *PaperPayer) Paid() int      { return int(p.paid.Load()) }
func (p *PaperPayer) Cancelled() int { return int(p.cancelled.Load()) }

type paperTask struct {
	once  sync.Once
	payer *PaperPayer
	done  chan struct{}
}

func (t *paperTask) Cancel()               { t.once.Do(func() { t.payer.cancelled.Add(1) }) }
func (t *paperTask) Done() <-chan struct{} { return t.done }
