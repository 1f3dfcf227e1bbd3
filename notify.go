// FILE: notify.go
// Package main – Operator notifications.
//
// Best effort only: a failed notification is logged at debug and never
// affects the turn that raised it.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Notifier interface {
	Notify(ctx context.Context, msg string)
}

// webhookNotifier posts {"text": msg} to a Slack-compatible webhook.
type webhookNotifier struct {
	url     Secret
	timeout time.Duration
	hc      *http.Client
	log     *zap.Logger
}

func (n *webhookNotifier) Notify(ctx context.Context, msg string) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	bs, _ := json.Marshal(map[string]string{"text": msg})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url.Value(), bytes.NewReader(bs))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.hc.Do(req)
	if err != nil {
		n.log.Debug("webhook notify failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

type logNotifier struct{ log *zap.Logger }

func (n logNotifier) Notify(_ context.Context, msg string) { n.log.Info("notify", zap.String("msg", msg)) }

// newNotifier picks the webhook when configured, else logs.
func newNotifier(cfg NotifyConfig, log *zap.Logger) Notifier {
	if cfg.Webhook == "" {
		return logNotifier{log: log}
	}
	return &webhookNotifier{url: cfg.Webhook, timeout: cfg.Timeout, hc: &http.Client{}, log: log}
}
