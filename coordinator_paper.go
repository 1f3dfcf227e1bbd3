// FILE: coordinator_paper.go
// Package main – In-memory paper coordinator (no network).
//
// Simulates one coordinator well enough to run the keep-online loop end to
// end: robots are registered by token, Make creates an order waiting for its
// maker bond, Settle (called by PaperPayer) locks the bond and publishes the
// order, SetStatus forces any other transition. Used by --paper runs and by
// the package tests.
//
// Fail, when set, is returned from every call; Mutations counts writes.
package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperCoordinator keeps orders and robots in memory.
type PaperCoordinator struct {
	id string

	mu        sync.Mutex
	nextID    int
	robots    map[Secret]*RobotInfo
	orders    map[int]*OrderSnapshot
	invoices  map[string]int // bond invoice -> order id
	chats     map[int][]ChatMessage
	offers    []BookOffer // extra foreign offers listed in the book
	mutations int
	now       func() time.Time

	Fail error
}

func NewPaperCoordinator(id string) *PaperCoordinator {
	return &PaperCoordinator{
		id:       id,
		nextID:   1000,
		robots:   make(map[Secret]*RobotInfo),
		orders:   make(map[int]*OrderSnapshot),
		invoices: make(map[string]int),
		chats:    make(map[int][]ChatMessage),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *PaperCoordinator) ID() string { return p.id }

// AddRobot registers a token under a nickname.
func (p *PaperCoordinator) AddRobot(token Secret, nick string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.robots[token] = &RobotInfo{Nickname: nick}
}

// PutOrder stores an order for the robot behind token and makes it active.
func (p *PaperCoordinator) PutOrder(token Secret, data OrderData, status OrderStatus, expiresAt time.Time) *OrderSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.robots[token]
	if !ok {
		r = &RobotInfo{Nickname: string(token)}
		p.robots[token] = r
	}
	if data.ID == 0 {
		p.nextID++
		data.ID = p.nextID
	}
	s := &OrderSnapshot{
		Coordinator: p.id,
		Order:       data,
		User:        OrderUser{MakerNick: r.Nickname, IsMaker: true, IsBuyer: data.Type == SideBuy, IsSeller: data.Type == SideSell},
		Info:        OrderInfo{Status: status, CreatedAt: p.now(), ExpiresAt: expiresAt},
	}
	if status == 0 {
		p.attachBondLocked(s)
	}
	p.orders[data.ID] = s
	r.ActiveOrderID = data.ID
	r.LastOrderID = data.ID
	return s
}

// AddOffer lists a foreign offer in the book.
func (p *PaperCoordinator) AddOffer(o BookOffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o.Coordinator = p.id
	p.offers = append(p.offers, o)
}

// SetStatus forces an order's status (test hook and manual paper play).
func (p *PaperCoordinator) SetStatus(orderID int, status OrderStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.orders[orderID]; ok {
		s.Info.Status = status
	}
}

// Settle marks the bond behind invoice as locked. Unknown invoices are ignored.
func (p *PaperCoordinator) Settle(invoice string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.invoices[invoice]
	if !ok {
		return
	}
	s := p.orders[id]
	if s.Info.Status == 0 {
		s.Info.Status = 1
		s.Info.BondInvoice = ""
	}
	delete(p.invoices, invoice)
}

// Mutations is the number of write calls served so far.
func (p *PaperCoordinator) Mutations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mutations
}

func (p *PaperCoordinator) attachBondLocked(s *OrderSnapshot) {
	inv := "lnpaper" + uuid.New().String()
	s.Info.BondInvoice = inv
	// bond_size percent of a nominal 100k sat trade
	s.Info.BondSatoshis = s.Order.BondSize.Mul(decimal.NewFromInt(1000)).IntPart()
	if s.Info.BondSatoshis <= 0 {
		s.Info.BondSatoshis = 3000
	}
	p.invoices[inv] = s.Order.ID
}

func (p *PaperCoordinator) robotLocked(token Secret) (*RobotInfo, error) {
	r, ok := p.robots[token]
	if !ok {
		return nil, fmt.Errorf("%s robot: %w", p.id, ErrNotFound)
	}
	return r, nil
}

func (p *PaperCoordinator) orderLocked(token Secret, orderID int) (*OrderSnapshot, error) {
	if _, err := p.robotLocked(token); err != nil {
		return nil, err
	}
	s, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%s order %d: %w", p.id, orderID, ErrNotFound)
	}
	return s, nil
}

func (p *PaperCoordinator) snapshotLocked(s *OrderSnapshot) *OrderSnapshot {
	cp := *s
	cp.FetchedAt = p.now()
	return &cp
}

func (p *PaperCoordinator) Book(ctx context.Context, side Side, currency string) ([]BookOffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return nil, p.Fail
	}
	out := make([]BookOffer, 0, len(p.offers)+len(p.orders))
	out = append(out, p.offers...)
	ids := make([]int, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		s := p.orders[id]
		if !s.Info.Status.Public() {
			continue
		}
		out = append(out, BookOffer{
			Coordinator:   p.id,
			ID:            s.Order.ID,
			MakerNick:     s.User.MakerNick,
			Side:          s.Order.Type,
			Currency:      s.Order.Currency,
			Amount:        s.Order.Amount,
			Premium:       s.Order.Premium,
			BondSize:      s.Order.BondSize,
			Duration:      s.Order.EscrowDuration,
			ExpiresAt:     s.Info.ExpiresAt,
			PaymentMethod: s.Order.PaymentMethod,
		})
	}
	filtered := out[:0]
	for _, o := range out {
		if side != SideAny && o.Side != side {
			continue
		}
		if currency != "" && o.Currency != currency {
			continue
		}
		filtered = append(filtered, o)
	}
	return filtered, nil
}

func (p *PaperCoordinator) Robot(ctx context.Context, token Secret) (*RobotInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return nil, p.Fail
	}
	r, err := p.robotLocked(token)
	if err != nil {
		return nil, err
	}
	cp := *r
	return &cp, nil
}

func (p *PaperCoordinator) Order(ctx context.Context, token Secret, orderID int) (*OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return nil, p.Fail
	}
	s, err := p.orderLocked(token, orderID)
	if err != nil {
		return nil, err
	}
	return p.snapshotLocked(s), nil
}

func (p *PaperCoordinator) Make(ctx context.Context, token Secret, data OrderData) (*OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutations++
	if p.Fail != nil {
		return nil, p.Fail
	}
	r, err := p.robotLocked(token)
	if err != nil {
		return nil, err
	}
	if r.ActiveOrderID != 0 {
		if s := p.orders[r.ActiveOrderID]; s != nil && !s.Info.Status.Expired() && !s.Info.Status.Finished() {
			return nil, &BadRequestError{Coordinator: p.id, Message: "You are already maker of an active order"}
		}
	}
	p.nextID++
	data.ID = p.nextID
	now := p.now()
	s := &OrderSnapshot{
		Coordinator: p.id,
		Order:       data,
		User:        OrderUser{MakerNick: r.Nickname, IsMaker: true, IsBuyer: data.Type == SideBuy, IsSeller: data.Type == SideSell},
		Info: OrderInfo{
			Status:    0,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Duration(data.PublicDuration) * time.Second),
		},
	}
	p.attachBondLocked(s)
	p.orders[data.ID] = s
	r.ActiveOrderID = data.ID
	r.LastOrderID = data.ID
	return p.snapshotLocked(s), nil
}

func (p *PaperCoordinator) Action(ctx context.Context, token Secret, orderID int, action OrderAction) (*OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutations++
	if p.Fail != nil {
		return nil, p.Fail
	}
	s, err := p.orderLocked(token, orderID)
	if err != nil {
		return nil, err
	}
	st := s.Info.Status
	switch action {
	case ActionPause:
		switch {
		case st.Public():
			s.Info.Status = 2
		case st.Paused():
			s.Info.Status = 1
		default:
			return nil, &BadRequestError{Coordinator: p.id, Message: "Only public or paused orders can be toggled"}
		}
	case ActionCancel, ActionCollaborativeCancel:
		if st.Finished() {
			return nil, &BadRequestError{Coordinator: p.id, Message: "This order is already finished"}
		}
		if st.Group() == GroupPending || st.WaitingFiatSent() || st.FiatSent() {
			s.Info.Status = 12
		} else {
			s.Info.Status = 4
		}
	case ActionConfirm:
		if !st.WaitingFiatSent() && !st.FiatSent() {
			return nil, &BadRequestError{Coordinator: p.id, Message: "Fiat can only be confirmed in chat"}
		}
		if st.WaitingFiatSent() {
			s.Info.Status = 10
		} else {
			s.Info.Status = 13
		}
	case ActionUndoConfirm:
		if !st.FiatSent() {
			return nil, &BadRequestError{Coordinator: p.id, Message: "Nothing to undo"}
		}
		s.Info.Status = 9
	case ActionDispute:
		if !st.WaitingFiatSent() && !st.FiatSent() {
			return nil, &BadRequestError{Coordinator: p.id, Message: "Disputes only open from chat"}
		}
		s.Info.Status = 11
	}
	return p.snapshotLocked(s), nil
}

func (p *PaperCoordinator) UpdateInvoice(ctx context.Context, token Secret, orderID int, invoice string) (*OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutations++
	if p.Fail != nil {
		return nil, p.Fail
	}
	s, err := p.orderLocked(token, orderID)
	if err != nil {
		return nil, err
	}
	switch s.Info.Status {
	case 6:
		s.Info.Status = 7
	case 8:
		s.Info.Status = 9
	case 15:
		s.Info.Status = 13
	default:
		return nil, &BadRequestError{Coordinator: p.id, Message: "You cannot submit an invoice now"}
	}
	return p.snapshotLocked(s), nil
}

func (p *PaperCoordinator) Chat(ctx context.Context, token Secret, orderID int, offset int) ([]ChatMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		return nil, p.Fail
	}
	if _, err := p.orderLocked(token, orderID); err != nil {
		return nil, err
	}
	msgs := p.chats[orderID]
	if offset >= len(msgs) {
		return nil, nil
	}
	if offset < 0 {
		offset = 0
	}
	return append([]ChatMessage(nil), msgs[offset:]...), nil
}

func (p *PaperCoordinator) PostChat(ctx context.Context, token Secret, orderID int, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutations++
	if p.Fail != nil {
		return p.Fail
	}
	if _, err := p.orderLocked(token, orderID); err != nil {
		return err
	}
	nick := p.robots[token].Nickname
	msgs := p.chats[orderID]
	p.chats[orderID] = append(msgs, ChatMessage{Index: len(msgs) + 1, Time: p.now(), Nick: nick, Message: message})
	return nil
}
