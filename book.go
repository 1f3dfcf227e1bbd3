// FILE: book.go
// Package main – Multi-coordinator order book aggregation.
//
// Fetch queries every configured coordinator concurrently and merges the
// listings into one view:
//   • a coordinator that fails is logged and skipped; only when every one
//     fails does Fetch return ErrAllCoordinatorsFailed
//   • offers are tagged with the coordinator they came from
//   • filters: side, currency, payment method (case-insensitive substring)
//   • sell listings sort by premium ascending, buy listings descending, so
//     the best offer for a taker is first; ties keep fetch order
//   • Ours marks offers whose maker nick is an active identity
//
// The same merged view feeds the hourly quota in the keep-online loop.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"
)

// BookQuery selects offers from the merged book.
type BookQuery struct {
	Side          Side
	Currency      string // "" = any
	PaymentMethod string // "" = any
}

// BookResult is one merged fetch.
type BookResult struct {
	Offers []BookOffer
	Failed map[string]error // coordinator id -> error
}

type BookAggregator struct {
	coords Coordinators
	store  *Store // nil disables the Ours annotation
	log    *zap.Logger
}

func NewBookAggregator(coords Coordinators, store *Store, log *zap.Logger) *BookAggregator {
	return &BookAggregator{coords: coords, store: store, log: log}
}

type bookFetch struct {
	id     string
	offers []BookOffer
	err    error
}

// Fetch merges listings from all coordinators.
func (b *BookAggregator) Fetch(ctx context.Context, q BookQuery) (*BookResult, error) {
	all := b.coords.All()
	if len(all) == 0 {
		return nil, fmt.Errorf("no coordinators configured: %w", ErrAllCoordinatorsFailed)
	}
	currency := strings.ToUpper(strings.TrimSpace(q.Currency))
	if currency == "ANY" || currency == "ALL" {
		currency = ""
	}

	fetched := iter.Map(all, func(c *Coordinator) bookFetch {
		offers, err := (*c).Book(ctx, q.Side, currency)
		return bookFetch{id: (*c).ID(), offers: offers, err: err}
	})

	res := &BookResult{Failed: map[string]error{}}
	for _, f := range fetched {
		if f.err != nil {
			res.Failed[f.id] = f.err
			b.log.Warn("book fetch failed, skipping coordinator",
				zap.String("coordinator", f.id), zap.Error(f.err))
			continue
		}
		mtxBookOffers.WithLabelValues(f.id).Set(float64(len(f.offers)))
		for _, o := range f.offers {
			o.Coordinator = f.id
			res.Offers = append(res.Offers, o)
		}
	}
	if len(res.Failed) == len(all) {
		errs := make([]error, 0, len(all))
		for _, f := range fetched {
			errs = append(errs, fmt.Errorf("%s: %w", f.id, f.err))
		}
		return nil, fmt.Errorf("%w: %w", ErrAllCoordinatorsFailed, errors.Join(errs...))
	}

	res.Offers = filterOffers(res.Offers, q.Side, currency, q.PaymentMethod)
	sortOffers(res.Offers, q.Side)

	if b.store != nil {
		active, err := b.store.List(StateActive)
		if err != nil {
			b.log.Warn("cannot list active robots for ours annotation", zap.Error(err))
		} else {
			markOurs(res.Offers, active)
		}
	}
	return res, nil
}

func filterOffers(offers []BookOffer, side Side, currency, method string) []BookOffer {
	method = strings.ToLower(strings.TrimSpace(method))
	out := offers[:0]
	for _, o := range offers {
		if side != SideAny && o.Side != side {
			continue
		}
		if currency != "" && !strings.EqualFold(o.Currency, currency) {
			continue
		}
		if method != "" && !strings.Contains(strings.ToLower(o.PaymentMethod), method) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// sortOffers orders offers best-first for a taker. SideAny keeps fetch order.
func sortOffers(offers []BookOffer, side Side) {
	switch side {
	case SideSell:
		sort.SliceStable(offers, func(i, j int) bool { return offers[i].Premium.LessThan(offers[j].Premium) })
	case SideBuy:
		sort.SliceStable(offers, func(i, j int) bool { return offers[i].Premium.GreaterThan(offers[j].Premium) })
	}
}

func markOurs(offers []BookOffer, active []string) {
	set := make(map[string]struct{}, len(active))
	for _, n := range active {
		set[n] = struct{}{}
	}
	for i := range offers {
		_, offers[i].Ours = set[offers[i].MakerNick]
	}
}

// RenderBook writes the plain table used by the book command.
func RenderBook(w io.Writer, offers []BookOffer, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COORD\tID\tMAKER\tSIDE\tAMOUNT\tCUR\tPREMIUM\tBOND\tMETHOD\tEXPIRES\t")
	for _, o := range offers {
		maker := o.MakerNick
		if o.Ours {
			maker += " *"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s%%\t%s%%\t%s\t%s\t\n",
			o.Coordinator, o.ID, maker, o.Side, o.Amount, o.Currency,
			o.Premium.StringFixed(2), o.BondSize.StringFixed(1), o.PaymentMethod,
			humanize.RelTime(o.ExpiresAt, now, "ago", "from now"))
	}
	return tw.Flush()
}
