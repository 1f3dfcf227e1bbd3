// FILE: coordinator.go
// Package main – Coordinator abstraction and the order types decoded from it.
//
// This file defines the surface the controller and the book aggregator need
// from one exchange coordinator:
//   • Coordinator interface: book, order, robot info, make, order actions,
//     payout invoice, chat
//   • Order types, assembled once per fetch and never mutated afterwards:
//       OrderData  – the parameters an order was made with (re-used on expiry)
//       OrderUser  – our role in it (maker/taker, buyer/seller, nicks)
//       OrderInfo  – coordinator-side state (status, expiry, invoices, sats)
//       OrderSnapshot – the three above plus provenance; what the store saves
//   • BookOffer: one public listing, tagged with its coordinator
//
// Two concrete implementations live in separate files:
//   • coordinator_http.go  – HTTP client over Tor (or clearnet)
//   • coordinator_paper.go – in-memory coordinator for dry runs and tests
package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the side of an order from the maker's point of view.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	SideAny  Side = ""
)

// ParseSide accepts buy, sell, or any/empty.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	case "", "any", "all":
		return SideAny, nil
	}
	return SideAny, fmt.Errorf("invalid side %q (want buy, sell or any)", s)
}

// wire encoding: 0 buy, 1 sell, 2 both (book queries only)
func (s Side) wire() int {
	switch s {
	case SideBuy:
		return 0
	case SideSell:
		return 1
	}
	return 2
}

func sideFromWire(n int) Side {
	if n == 1 {
		return SideSell
	}
	return SideBuy
}

// OrderAction is a mutating action submitted against an existing order.
type OrderAction string

const (
	ActionCancel              OrderAction = "cancel"
	ActionPause               OrderAction = "pause"
	ActionConfirm             OrderAction = "confirm"
	ActionUndoConfirm         OrderAction = "undo_confirm"
	ActionDispute             OrderAction = "dispute"
	ActionCollaborativeCancel OrderAction = "collaborative_cancel"
)

// wireAction: collaborative cancel is a plain cancel once the trade started.
func (a OrderAction) wireAction() string {
	if a == ActionCollaborativeCancel {
		return string(ActionCancel)
	}
	return string(a)
}

// ParseOrderAction accepts dashed or underscored names.
func ParseOrderAction(s string) (OrderAction, error) {
	a := OrderAction(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch a {
	case ActionCancel, ActionPause, ActionConfirm, ActionUndoConfirm, ActionDispute, ActionCollaborativeCancel:
		return a, nil
	}
	return "", fmt.Errorf("unknown order action %q", s)
}

// AmountRange is either a fixed amount (Min == Max) or a range.
type AmountRange struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

func (r AmountRange) IsRange() bool { return !r.Min.Equal(r.Max) }

func (r AmountRange) String() string {
	if r.IsRange() {
		return r.Min.String() + "-" + r.Max.String()
	}
	return r.Max.String()
}

// OrderData holds the parameters an order was created with.
type OrderData struct {
	ID             int             `json:"id"`
	Type           Side            `json:"type"`
	Currency       string          `json:"currency"`
	Amount         AmountRange     `json:"amount"`
	PaymentMethod  string          `json:"payment_method"`
	Premium        decimal.Decimal `json:"premium"`
	PublicDuration int             `json:"public_duration"` // seconds
	EscrowDuration int             `json:"escrow_duration"` // seconds
	BondSize       decimal.Decimal `json:"bond_size"`       // percent
}

// OrderUser is our relation to the order.
type OrderUser struct {
	MakerNick string `json:"maker_nick"`
	TakerNick string `json:"taker_nick,omitempty"`
	IsMaker   bool   `json:"is_maker"`
	IsTaker   bool   `json:"is_taker"`
	IsBuyer   bool   `json:"is_buyer"`
	IsSeller  bool   `json:"is_seller"`
}

// OrderInfo is the coordinator-side state of the order at fetch time.
type OrderInfo struct {
	Status        OrderStatus `json:"status"`
	StatusMessage string      `json:"status_message,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	ExpiresAt     time.Time   `json:"expires_at"`
	BondInvoice   string      `json:"bond_invoice,omitempty"`
	BondSatoshis  int64       `json:"bond_satoshis,omitempty"`
	SatoshisNow   int64       `json:"satoshis_now,omitempty"`
	TradeSatoshis int64       `json:"trade_satoshis,omitempty"`
}

// OrderSnapshot is one decoded coordinator response for one order.
type OrderSnapshot struct {
	Coordinator string    `json:"coordinator"`
	FetchedAt   time.Time `json:"fetched_at"`
	Order       OrderData `json:"order"`
	User        OrderUser `json:"user"`
	Info        OrderInfo `json:"info"`
}

func (s *OrderSnapshot) ID() int             { return s.Order.ID }
func (s *OrderSnapshot) Status() OrderStatus { return s.Info.Status }

// Description is the one-line summary logged on transitions.
func (s *OrderSnapshot) Description() string {
	o := s.Order
	return fmt.Sprintf("%s %s %s %s premium %s%% (order %d on %s, %s)",
		o.Type, o.Amount, o.Currency, o.PaymentMethod, o.Premium.String(),
		o.ID, s.Coordinator, s.Info.Status.Label())
}

// RobotInfo is what a coordinator knows about one identity.
type RobotInfo struct {
	Nickname      string
	ActiveOrderID int
	LastOrderID   int
}

// CurrentOrderID prefers the active order, then the last one; 0 means none.
func (r *RobotInfo) CurrentOrderID() int {
	if r.ActiveOrderID > 0 {
		return r.ActiveOrderID
	}
	return r.LastOrderID
}

// BookOffer is one public listing. Rebuilt on every fetch.
type BookOffer struct {
	Coordinator   string          `json:"coordinator"`
	ID            int             `json:"id"`
	MakerNick     string          `json:"maker_nick"`
	Side          Side            `json:"side"`
	Currency      string          `json:"currency"`
	Amount        AmountRange     `json:"amount"`
	Premium       decimal.Decimal `json:"premium"`
	BondSize      decimal.Decimal `json:"bond_size"`
	Duration      int             `json:"escrow_duration"`
	ExpiresAt     time.Time       `json:"expires_at"`
	PaymentMethod string          `json:"payment_method"`
	Ours          bool            `json:"ours"`
}

// ChatMessage is an already-encrypted chat payload; decryption is external.
type ChatMessage struct {
	Index   int       `json:"index"`
	Time    time.Time `json:"time"`
	Nick    string    `json:"nick"`
	Message string    `json:"message"`
}

// Coordinator is the surface the fleet needs from one exchange coordinator.
// Reads retry transport errors internally; writes never retry.
type Coordinator interface {
	ID() string
	Book(ctx context.Context, side Side, currency string) ([]BookOffer, error)
	Robot(ctx context.Context, token Secret) (*RobotInfo, error)
	Order(ctx context.Context, token Secret, orderID int) (*OrderSnapshot, error)
	Make(ctx context.Context, token Secret, data OrderData) (*OrderSnapshot, error)
	Action(ctx context.Context, token Secret, orderID int, action OrderAction) (*OrderSnapshot, error)
	UpdateInvoice(ctx context.Context, token Secret, orderID int, invoice string) (*OrderSnapshot, error)
	Chat(ctx context.Context, token Secret, orderID int, offset int) ([]ChatMessage, error)
	PostChat(ctx context.Context, token Secret, orderID int, message string) error
}

// Coordinators resolves a coordinator id to a client.
type Coordinators interface {
	Get(id string) (Coordinator, error)
	All() []Coordinator
}

// coordinatorSet is the static Coordinators built at startup.
type coordinatorSet struct {
	order []Coordinator
	byID  map[string]Coordinator
}

func newCoordinatorSet(cs ...Coordinator) *coordinatorSet {
	s := &coordinatorSet{byID: make(map[string]Coordinator, len(cs))}
	for _, c := range cs {
		s.order = append(s.order, c)
		s.byID[c.ID()] = c
	}
	return s
}

func (s *coordinatorSet) Get(id string) (Coordinator, error) {
	c, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("coordinator %q: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *coordinatorSet) All() []Coordinator { return s.order }

// currencyCodes is the coordinator's numeric currency table.
var currencyCodes = map[int]string{
	1: "USD", 2: "EUR", 3: "JPY", 4: "GBP", 5: "AUD", 6: "CAD", 7: "CNY",
	8: "CHF", 9: "SEK", 10: "NZD", 11: "KRW", 12: "TRY", 13: "RUB",
	14: "ZAR", 15: "BRL", 16: "CLP", 17: "CZK", 18: "DKK", 19: "HKD",
	20: "HUF", 21: "INR", 22: "ISK", 23: "MXN", 24: "MYR", 25: "NOK",
	26: "PHP", 27: "PLN", 28: "RON", 29: "SGD", 30: "THB", 31: "TWD",
	32: "VND", 33: "KZT", 300: "XAU", 1000: "BTC",
}

func currencyName(code int) string {
	if n, ok := currencyCodes[code]; ok {
		return n
	}
	return fmt.Sprintf("CUR%d", code)
}

// currencyCode maps a name back to its code; 0 means "all currencies".
func currencyCode(name string) (int, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" || name == "ANY" || name == "ALL" {
		return 0, nil
	}
	for code, n := range currencyCodes {
		if n == name {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown currency %q", name)
}
