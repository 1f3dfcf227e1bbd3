// FILE: status.go
// Package main – Order status classifier.
//
// Maps the coordinator's numeric order status (0..18) to a label and to one
// exclusive StatusGroup. InDispute is the only predicate that overlaps another
// group (codes 11 and 16 are also Pending). Codes outside the table classify as
// GroupUnknown.

package main

import "strconv"

// StatusGroup is the exclusive bucket a status code falls into.
type StatusGroup int

const (
	GroupUnknown StatusGroup = iota
	GroupWaitingMakerBond
	GroupPublic
	GroupPaused
	GroupWaitingTakerBond
	GroupExpired
	GroupWaitingSellerBuyer
	GroupWaitingSeller
	GroupWaitingBuyer
	GroupWaitingFiatSent
	GroupFiatSent
	GroupPending
	GroupFinished
)

var groupNames = map[StatusGroup]string{
	GroupUnknown:            "unknown",
	GroupWaitingMakerBond:   "waiting_maker_bond",
	GroupPublic:             "public",
	GroupPaused:             "paused",
	GroupWaitingTakerBond:   "waiting_taker_bond",
	GroupExpired:            "expired",
	GroupWaitingSellerBuyer: "waiting_seller_buyer",
	GroupWaitingSeller:      "waiting_seller",
	GroupWaitingBuyer:       "waiting_buyer",
	GroupWaitingFiatSent:    "waiting_fiat_sent",
	GroupFiatSent:           "fiat_sent",
	GroupPending:            "pending",
	GroupFinished:           "finished",
}

func (g StatusGroup) String() string { return groupNames[g] }

type statusEntry struct {
	label string
	group StatusGroup
}

var statusTable = [...]statusEntry{
	0:  {"waiting for maker bond", GroupWaitingMakerBond},
	1:  {"public", GroupPublic},
	2:  {"paused", GroupPaused},
	3:  {"waiting for taker bond", GroupWaitingTakerBond},
	4:  {"cancelled", GroupFinished},
	5:  {"expired", GroupExpired},
	6:  {"waiting for trade collateral and buyer invoice", GroupWaitingSellerBuyer},
	7:  {"waiting only for seller trade collateral", GroupWaitingSeller},
	8:  {"waiting only for buyer invoice", GroupWaitingBuyer},
	9:  {"sending fiat - in chatroom", GroupWaitingFiatSent},
	10: {"fiat sent - in chatroom", GroupFiatSent},
	11: {"in dispute", GroupPending},
	12: {"collaboratively cancelled", GroupFinished},
	13: {"sending satoshis to buyer", GroupPending},
	14: {"successful trade", GroupFinished},
	15: {"failed lightning network routing", GroupPending},
	16: {"wait for dispute resolution", GroupPending},
	17: {"maker lost dispute", GroupFinished},
	18: {"taker lost dispute", GroupFinished},
}

// OrderStatus is the raw status code reported by a coordinator.
type OrderStatus int

func (s OrderStatus) known() bool { return s >= 0 && int(s) < len(statusTable) }

// Label returns the human description, "unknown status N" outside the table.
func (s OrderStatus) Label() string {
	if !s.known() {
		return "unknown status " + strconv.Itoa(int(s))
	}
	return statusTable[s].label
}

// Group returns the exclusive group of s.
func (s OrderStatus) Group() StatusGroup {
	if !s.known() {
		return GroupUnknown
	}
	return statusTable[s].group
}

func (s OrderStatus) WaitingMakerBond() bool   { return s.Group() == GroupWaitingMakerBond }
func (s OrderStatus) Public() bool             { return s.Group() == GroupPublic }
func (s OrderStatus) Paused() bool             { return s.Group() == GroupPaused }
func (s OrderStatus) WaitingTakerBond() bool   { return s.Group() == GroupWaitingTakerBond }
func (s OrderStatus) Expired() bool            { return s.Group() == GroupExpired }
func (s OrderStatus) WaitingSellerBuyer() bool { return s.Group() == GroupWaitingSellerBuyer }
func (s OrderStatus) WaitingSeller() bool      { return s.Group() == GroupWaitingSeller }
func (s OrderStatus) WaitingBuyer() bool       { return s.Group() == GroupWaitingBuyer }
func (s OrderStatus) WaitingFiatSent() bool    { return s.Group() == GroupWaitingFiatSent }
func (s OrderStatus) FiatSent() bool           { return s.Group() == GroupFiatSent }
func (s OrderStatus) Pending() bool            { return s.Group() == GroupPending }
func (s OrderStatus) Finished() bool           { return s.Group() == GroupFinished }

// InDispute overlaps Pending.
func (s OrderStatus) InDispute() bool { return s == 11 || s == 16 }
