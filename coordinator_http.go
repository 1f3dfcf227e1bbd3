// FILE: coordinator_http.go
// Package main – HTTP client for one exchange coordinator.
//
// Endpoints (relative to the coordinator base URL):
//   • Book:          GET  /api/book/?currency=N&type=T
//   • Robot:         GET  /api/robot/
//   • Order:         GET  /api/order/?order_id=N
//   • Make:          POST /api/make/            {type, currency, amount|min/max, ...}
//   • Action:        POST /api/order/?order_id=N {action}
//   • UpdateInvoice: POST /api/order/?order_id=N {action:"update_invoice", invoice}
//   • Chat:          GET  /api/chat/?order_id=N&offset=M
//   • PostChat:      POST /api/chat/            {order_id, PGP_message}
//
// Identities authenticate with "Authorization: Token <token>".
//
// Reads retry transport failures (network errors, 429, 5xx) forever with a
// fixed delay; a decode failure or a bad_request answer stops immediately.
// Writes are sent exactly once. Every request waits on a per-coordinator
// rate.Limiter so a large fleet does not hammer one onion service.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPCoordinator talks to one coordinator's REST API.
type HTTPCoordinator struct {
	id         string
	base       string
	hc         *http.Client
	limiter    *rate.Limiter
	retryDelay time.Duration
	userAgent  string
	log        *zap.Logger
}

func NewHTTPCoordinator(co CoordinatorConfig, cfg *Config, hc *http.Client, log *zap.Logger) *HTTPCoordinator {
	base := strings.TrimRight(strings.TrimSpace(co.BaseURL(cfg.Tor.Disabled)), "/")
	return &HTTPCoordinator{
		id:         co.ID,
		base:       base,
		hc:         hc,
		limiter:    rate.NewLimiter(rate.Limit(cfg.Client.RequestsPerSecond), 1),
		retryDelay: cfg.Client.ReadRetryDelay,
		userAgent:  cfg.Client.UserAgent,
		log:        log.With(zap.String("coordinator", co.ID)),
	}
}

func (c *HTTPCoordinator) ID() string { return c.id }

// do sends one request and classifies the answer. It never retries.
func (c *HTTPCoordinator) do(ctx context.Context, method, path string, q url.Values, token Secret, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", path, err)
		}
		rd = bytes.NewReader(bs)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("newrequest %s: %w (url=%s)", path, err, u)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token.Value())
	}

	res, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransportError{Coordinator: c.id, Op: method + " " + path, Err: err}
	}
	defer res.Body.Close()

	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransportError{Coordinator: c.id, Op: method + " " + path, Err: err}
	}
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return nil, &TransportError{
			Coordinator: c.id,
			Op:          method + " " + path,
			Err:         fmt.Errorf("http %d: %s", res.StatusCode, truncate(b, 200)),
		}
	}

	// bad_request / not_found come back as JSON objects with any 2xx/4xx code.
	if trimmed := bytes.TrimSpace(b); len(trimmed) > 0 && trimmed[0] == '{' {
		var rej struct {
			BadRequest json.RawMessage `json:"bad_request"`
			NotFound   json.RawMessage `json:"not_found"`
		}
		if json.Unmarshal(trimmed, &rej) == nil {
			if len(rej.BadRequest) > 0 {
				return nil, &BadRequestError{Coordinator: c.id, Message: rawText(rej.BadRequest)}
			}
			if len(rej.NotFound) > 0 {
				return nil, fmt.Errorf("%s %s: %s: %w", c.id, path, rawText(rej.NotFound), ErrNotFound)
			}
		}
	}
	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", c.id, path, ErrNotFound)
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: http %d: %s", c.id, path, res.StatusCode, truncate(b, 200))
	}
	return b, nil
}

// read retries transport errors with a constant delay until ctx ends.
func (c *HTTPCoordinator) read(ctx context.Context, op, path string, q url.Values, token Secret) ([]byte, error) {
	b, err := backoff.Retry(ctx, func() ([]byte, error) {
		b, err := c.do(ctx, http.MethodGet, path, q, token, nil)
		var te *TransportError
		if err != nil && !errors.As(err, &te) {
			return nil, backoff.Permanent(err)
		}
		return b, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("read failed, retrying", zap.String("op", op), zap.Duration("in", next), zap.Error(err))
		}),
	)
	observeRequest(c.id, op, err)
	return b, err
}

func (c *HTTPCoordinator) write(ctx context.Context, op, path string, q url.Values, token Secret, body any) ([]byte, error) {
	b, err := c.do(ctx, http.MethodPost, path, q, token, body)
	observeRequest(c.id, op, err)
	return b, err
}

// --- Book ---

type bookEntry struct {
	ID             int                 `json:"id"`
	ExpiresAt      time.Time           `json:"expires_at"`
	Type           int                 `json:"type"`
	Currency       int                 `json:"currency"`
	Amount         decimal.NullDecimal `json:"amount"`
	HasRange       bool                `json:"has_range"`
	MinAmount      decimal.NullDecimal `json:"min_amount"`
	MaxAmount      decimal.NullDecimal `json:"max_amount"`
	PaymentMethod  string              `json:"payment_method"`
	Premium        decimal.NullDecimal `json:"premium"`
	EscrowDuration int                 `json:"escrow_duration"`
	BondSize       decimal.NullDecimal `json:"bond_size"`
	MakerNick      string              `json:"maker_nick"`
}

func (c *HTTPCoordinator) Book(ctx context.Context, side Side, currency string) ([]BookOffer, error) {
	code, err := currencyCode(currency)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("currency", strconv.Itoa(code))
	q.Set("type", strconv.Itoa(side.wire()))

	b, err := c.read(ctx, "book", "/api/book/", q, "")
	if errors.Is(err, ErrNotFound) {
		return nil, nil // empty book
	}
	if err != nil {
		return nil, err
	}
	var rows []bookEntry
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, malformed("book", b, err)
	}
	offers := make([]BookOffer, 0, len(rows))
	for _, r := range rows {
		offers = append(offers, BookOffer{
			Coordinator:   c.id,
			ID:            r.ID,
			MakerNick:     r.MakerNick,
			Side:          sideFromWire(r.Type),
			Currency:      currencyName(r.Currency),
			Amount:        amountRange(r.HasRange, r.Amount, r.MinAmount, r.MaxAmount),
			Premium:       r.Premium.Decimal,
			BondSize:      r.BondSize.Decimal,
			Duration:      r.EscrowDuration,
			ExpiresAt:     r.ExpiresAt,
			PaymentMethod: r.PaymentMethod,
		})
	}
	return offers, nil
}

// --- Robot ---

func (c *HTTPCoordinator) Robot(ctx context.Context, token Secret) (*RobotInfo, error) {
	b, err := c.read(ctx, "robot", "/api/robot/", nil, token)
	if err != nil {
		return nil, err
	}
	var out struct {
		Nickname      string `json:"nickname"`
		ActiveOrderID *int   `json:"active_order_id"`
		LastOrderID   *int   `json:"last_order_id"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, malformed("robot", b, err)
	}
	if out.Nickname == "" {
		return nil, malformed("robot", b, errors.New("missing nickname"))
	}
	info := &RobotInfo{Nickname: out.Nickname}
	if out.ActiveOrderID != nil {
		info.ActiveOrderID = *out.ActiveOrderID
	}
	if out.LastOrderID != nil {
		info.LastOrderID = *out.LastOrderID
	}
	return info, nil
}

// --- Orders ---

// orderResponse is the wire shape of /api/order/ and /api/make/.
type orderResponse struct {
	ID             int                 `json:"id"`
	Status         *int                `json:"status"`
	StatusMessage  string              `json:"status_message"`
	CreatedAt      time.Time           `json:"created_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
	Type           *int                `json:"type"`
	Currency       int                 `json:"currency"`
	Amount         decimal.NullDecimal `json:"amount"`
	HasRange       bool                `json:"has_range"`
	MinAmount      decimal.NullDecimal `json:"min_amount"`
	MaxAmount      decimal.NullDecimal `json:"max_amount"`
	PaymentMethod  string              `json:"payment_method"`
	Premium        decimal.NullDecimal `json:"premium"`
	PublicDuration int                 `json:"public_duration"`
	EscrowDuration int                 `json:"escrow_duration"`
	BondSize       decimal.NullDecimal `json:"bond_size"`
	MakerNick      string              `json:"maker_nick"`
	TakerNick      string              `json:"taker_nick"`
	IsMaker        bool                `json:"is_maker"`
	IsTaker        bool                `json:"is_taker"`
	IsBuyer        bool                `json:"is_buyer"`
	IsSeller       bool                `json:"is_seller"`
	BondInvoice    string              `json:"bond_invoice"`
	BondSatoshis   int64               `json:"bond_satoshis"`
	SatoshisNow    int64               `json:"satoshis_now"`
	TradeSatoshis  int64               `json:"trade_satoshis"`
}

// snapshot assembles the three order structs in one go. strict requires the
// fields the controller branches on.
func (r *orderResponse) snapshot(coordinator string, strict bool) (*OrderSnapshot, error) {
	if r.ID <= 0 {
		return nil, errors.New("missing order id")
	}
	if strict && (r.Status == nil || r.Type == nil) {
		return nil, fmt.Errorf("order %d: missing status or type", r.ID)
	}
	s := &OrderSnapshot{
		Coordinator: coordinator,
		FetchedAt:   time.Now().UTC(),
		Order: OrderData{
			ID:             r.ID,
			Currency:       currencyName(r.Currency),
			Amount:         amountRange(r.HasRange, r.Amount, r.MinAmount, r.MaxAmount),
			PaymentMethod:  r.PaymentMethod,
			Premium:        r.Premium.Decimal,
			PublicDuration: r.PublicDuration,
			EscrowDuration: r.EscrowDuration,
			BondSize:       r.BondSize.Decimal,
		},
		User: OrderUser{
			MakerNick: r.MakerNick,
			TakerNick: r.TakerNick,
			IsMaker:   r.IsMaker,
			IsTaker:   r.IsTaker,
			IsBuyer:   r.IsBuyer,
			IsSeller:  r.IsSeller,
		},
		Info: OrderInfo{
			StatusMessage: r.StatusMessage,
			CreatedAt:     r.CreatedAt,
			ExpiresAt:     r.ExpiresAt,
			BondInvoice:   r.BondInvoice,
			BondSatoshis:  r.BondSatoshis,
			SatoshisNow:   r.SatoshisNow,
			TradeSatoshis: r.TradeSatoshis,
		},
	}
	if r.Type != nil {
		s.Order.Type = sideFromWire(*r.Type)
	}
	if r.Status != nil {
		s.Info.Status = OrderStatus(*r.Status)
	}
	return s, nil
}

func (c *HTTPCoordinator) decodeOrder(op string, b []byte, strict bool) (*OrderSnapshot, error) {
	var r orderResponse
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, malformed(op, b, err)
	}
	s, err := r.snapshot(c.id, strict)
	if err != nil {
		return nil, malformed(op, b, err)
	}
	return s, nil
}

func orderQuery(orderID int) url.Values {
	q := url.Values{}
	q.Set("order_id", strconv.Itoa(orderID))
	return q
}

func (c *HTTPCoordinator) Order(ctx context.Context, token Secret, orderID int) (*OrderSnapshot, error) {
	b, err := c.read(ctx, "order", "/api/order/", orderQuery(orderID), token)
	if err != nil {
		return nil, err
	}
	return c.decodeOrder("order", b, true)
}

type makeRequest struct {
	Type           int     `json:"type"`
	Currency       int     `json:"currency"`
	Amount         *string `json:"amount"`
	HasRange       bool    `json:"has_range"`
	MinAmount      *string `json:"min_amount,omitempty"`
	MaxAmount      *string `json:"max_amount,omitempty"`
	PaymentMethod  string  `json:"payment_method"`
	IsExplicit     bool    `json:"is_explicit"`
	Premium        string  `json:"premium"`
	Satoshis       *int64  `json:"satoshis"`
	PublicDuration int     `json:"public_duration"`
	EscrowDuration int     `json:"escrow_duration"`
	BondSize       string  `json:"bond_size"`
}

func newMakeRequest(d OrderData) (makeRequest, error) {
	code, err := currencyCode(d.Currency)
	if err != nil {
		return makeRequest{}, err
	}
	if code == 0 {
		return makeRequest{}, errors.New("order currency is required")
	}
	req := makeRequest{
		Type:           d.Type.wire(),
		Currency:       code,
		PaymentMethod:  d.PaymentMethod,
		Premium:        d.Premium.String(),
		PublicDuration: d.PublicDuration,
		EscrowDuration: d.EscrowDuration,
		BondSize:       d.BondSize.String(),
	}
	if d.Amount.IsRange() {
		lo, hi := d.Amount.Min.String(), d.Amount.Max.String()
		req.HasRange, req.MinAmount, req.MaxAmount = true, &lo, &hi
	} else {
		amt := d.Amount.Max.String()
		req.Amount = &amt
	}
	return req, nil
}

func (c *HTTPCoordinator) Make(ctx context.Context, token Secret, data OrderData) (*OrderSnapshot, error) {
	body, err := newMakeRequest(data)
	if err != nil {
		return nil, err
	}
	b, err := c.write(ctx, "make", "/api/make/", nil, token, body)
	if err != nil {
		return nil, err
	}
	return c.decodeOrder("make", b, false)
}

func (c *HTTPCoordinator) Action(ctx context.Context, token Secret, orderID int, action OrderAction) (*OrderSnapshot, error) {
	b, err := c.write(ctx, "action_"+string(action), "/api/order/", orderQuery(orderID), token,
		map[string]string{"action": action.wireAction()})
	if err != nil {
		return nil, err
	}
	return c.decodeOrder("action", b, false)
}

func (c *HTTPCoordinator) UpdateInvoice(ctx context.Context, token Secret, orderID int, invoice string) (*OrderSnapshot, error) {
	b, err := c.write(ctx, "update_invoice", "/api/order/", orderQuery(orderID), token,
		map[string]string{"action": "update_invoice", "invoice": invoice})
	if err != nil {
		return nil, err
	}
	return c.decodeOrder("update_invoice", b, false)
}

// --- Chat ---

func (c *HTTPCoordinator) Chat(ctx context.Context, token Secret, orderID int, offset int) ([]ChatMessage, error) {
	q := orderQuery(orderID)
	q.Set("offset", strconv.Itoa(offset))
	b, err := c.read(ctx, "chat", "/api/chat/", q, token)
	if err != nil {
		return nil, err
	}
	var out struct {
		Messages []ChatMessage `json:"messages"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, malformed("chat", b, err)
	}
	return out.Messages, nil
}

func (c *HTTPCoordinator) PostChat(ctx context.Context, token Secret, orderID int, message string) error {
	_, err := c.write(ctx, "post_chat", "/api/chat/", nil, token, map[string]any{
		"order_id":    orderID,
		"PGP_message": message,
	})
	return err
}

// --- small helpers local to this file ---

func amountRange(hasRange bool, amount, lo, hi decimal.NullDecimal) AmountRange {
	if hasRange {
		return AmountRange{Min: lo.Decimal, Max: hi.Decimal}
	}
	return AmountRange{Min: amount.Decimal, Max: amount.Decimal}
}

// rawText renders a JSON value as text, unquoting plain strings.
func rawText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
